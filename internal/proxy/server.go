// Package proxy is the engine: it terminates SSH and SOCKS5 ingress,
// drives authentication and egress authorization, and relays bytes with
// throttling, accounting and cancellation.
package proxy

import (
	"context"
	"net"
	"net/netip"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/sshwarden/sshwarden/internal/audit"
	"github.com/sshwarden/sshwarden/internal/dnscache"
	"github.com/sshwarden/sshwarden/internal/egress"
	"github.com/sshwarden/sshwarden/internal/geoip"
	"github.com/sshwarden/sshwarden/internal/metrics"
	"github.com/sshwarden/sshwarden/internal/policy"
	"github.com/sshwarden/sshwarden/internal/quota"
	"github.com/sshwarden/sshwarden/internal/rategate"
	"github.com/sshwarden/sshwarden/internal/reputation"
	"github.com/sshwarden/sshwarden/internal/webhook"
)

type Options struct {
	Store      *policy.Store
	HostKeys   []ssh.Signer
	Reputation *reputation.Registry
	Rate       *rategate.Gate
	Quota      *quota.Tracker
	Resolver   *dnscache.Resolver
	Geo        *geoip.DB
	Audit      *audit.Logger
	Webhook    *webhook.Notifier
	Counters   *metrics.Counters
}

// Server owns the shared services and every live session. It is the
// process-scoped bundle handed (by reference) to each connection; there
// are no ambient singletons.
type Server struct {
	store    *policy.Store
	hostKeys []ssh.Signer

	rep      *reputation.Registry
	gate     *rategate.Gate
	quota    *quota.Tracker
	resolver *dnscache.Resolver
	geo      *geoip.DB
	authz    *egress.Authorizer
	auditor  *audit.Logger
	hook     *webhook.Notifier
	counters *metrics.Counters

	registry *Registry
	pool     *Pool

	maintenance atomic.Bool

	mu          sync.Mutex
	sessions    map[uint64]*Session
	nextSession atomic.Uint64

	limMu        sync.Mutex
	userLimiters map[string]*userLimiter
	serverLim    *rate.Limiter
	serverBps    int64

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

type userLimiter struct {
	bps int64
	lim *rate.Limiter
}

func NewServer(opts Options) *Server {
	snap := opts.Store.Current()

	s := &Server{
		store:        opts.Store,
		hostKeys:     opts.HostKeys,
		rep:          opts.Reputation,
		gate:         opts.Rate,
		quota:        opts.Quota,
		resolver:     opts.Resolver,
		geo:          opts.Geo,
		auditor:      opts.Audit,
		hook:         opts.Webhook,
		counters:     opts.Counters,
		registry:     NewRegistry(),
		sessions:     map[uint64]*Session{},
		userLimiters: map[string]*userLimiter{},
	}

	s.authz = egress.NewAuthorizer(opts.Resolver, opts.Geo, counterAdapter{opts.Counters})

	if snap.Server.Pool.Enabled {
		s.pool = NewPool(snap.Server.Pool.MaxIdle,
			time.Duration(snap.Server.Pool.IdleTimeout)*time.Second)
	}

	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	return s
}

type counterAdapter struct{ c *metrics.Counters }

func (a counterAdapter) ACLBlocked()  { a.c.BlockedByACL.Add(1) }
func (a counterAdapter) SSRFBlocked() { a.c.SSRFBlocked.Add(1) }
func (a counterAdapter) GeoBlocked()  { a.c.GeoBlocked.Add(1) }

// Run starts the background tickers (sweepers, pool) and blocks until ctx
// is done.
func (s *Server) Run(ctx context.Context) {
	go s.rep.Run(ctx)
	go s.gate.Run(ctx)
	if s.pool != nil {
		go s.pool.Run(ctx)
	}

	<-ctx.Done()
}

// Serve accepts SSH connections until the listener closes.
func (s *Server) Serve(lis net.Listener) error {
	log.Infof("sshwarden is listening on %v", lis.Addr())

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.rootCtx.Done():
				return nil
			default:
			}
			log.Debugf("accept failed: %v", err)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleSSHConn(c)
		}(conn)
	}
}

// preAuthGate runs the checks that precede any crypto: ban list, then the
// global and per-IP rate windows. Per-IP rate rejections feed reputation;
// global ones do not.
func (s *Server) preAuthGate(snap *policy.Snapshot, ip netip.Addr) bool {
	if banned, reason := s.rep.IsBanned(ip); banned {
		s.counters.PreAuthDropped.Add(1)
		log.Debugf("dropping connection from banned %v (%s)", ip, reason)
		return false
	}

	sec := snap.Security

	if err := s.gate.TryAcquire("global", rategate.Limits(sec.RateGlobal)); err != nil {
		s.counters.RateLimited.Add(1)
		log.Debugf("global rate limit: %v", err)
		return false
	}

	if err := s.gate.TryAcquire("ip:"+ip.String(), rategate.Limits(sec.RatePerIP)); err != nil {
		s.counters.RateLimited.Add(1)
		s.rep.Fail(ip, "pre-auth rate limited")
		s.auditor.Emit(audit.Event{Event: "pre_auth_rate_limited", IP: ip.String()})
		return false
	}

	return true
}

// recoverPanic converts a panic in a connection task into a logged
// internal error instead of taking the process down.
func (s *Server) recoverPanic(where string) {
	if r := recover(); r != nil {
		log.Errorf("internal error in %s: %v\n%s", where, r, debug.Stack())
	}
}

func remoteIP(addr net.Addr) netip.Addr {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return ip.Unmap()
}

// userLimiter returns the shared aggregate-bandwidth bucket for a user,
// rebuilt when a reload changed the cap.
func (s *Server) userLimiter(name string, bps int64) *rate.Limiter {
	if bps <= 0 {
		return nil
	}

	s.limMu.Lock()
	defer s.limMu.Unlock()

	ul := s.userLimiters[name]
	if ul == nil || ul.bps != bps {
		ul = &userLimiter{bps: bps, lim: newLimiter(bps)}
		s.userLimiters[name] = ul
	}
	return ul.lim
}

func (s *Server) serverLimiter(bps int64) *rate.Limiter {
	if bps <= 0 {
		return nil
	}

	s.limMu.Lock()
	defer s.limMu.Unlock()

	if s.serverLim == nil || s.serverBps != bps {
		s.serverBps = bps
		s.serverLim = newLimiter(bps)
	}
	return s.serverLim
}

// --- control surface -------------------------------------------------

// Reload swaps in a new policy snapshot. Live sessions keep their view;
// the DNS cache is flushed so new egress sees fresh records.
func (s *Server) Reload() error {
	if err := s.store.Reload(); err != nil {
		return err
	}
	s.resolver.Flush()
	return nil
}

// Kick cancels every connection and session of a user; returns how many
// connections were killed.
func (s *Server) Kick(user string) int {
	n := s.registry.CancelUser(user)

	s.mu.Lock()
	var cancels []context.CancelFunc
	for _, sess := range s.sessions {
		if sess.username == user {
			cancels = append(cancels, sess.cancel)
		}
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	log.Infof("kicked %s: %d connections", user, n)
	return n
}

// Broadcast enqueues a message into every live shell session.
func (s *Server) Broadcast(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		sess.broadcast(msg)
	}
}

func (s *Server) SetMaintenance(on bool) {
	s.maintenance.Store(on)
	log.Infof("maintenance mode: %v", on)
}

func (s *Server) Maintenance() bool { return s.maintenance.Load() }

// Connections lists live proxied connections.
func (s *Server) Connections() []ConnSnapshot { return s.registry.Snapshots() }

// BannedIPs lists active bans.
func (s *Server) BannedIPs() []reputation.Ban { return s.rep.Banned() }

// Unban lifts a ban (admin action).
func (s *Server) Unban(ip netip.Addr) bool { return s.rep.Unban(ip) }

// ResetQuota clears a user's accumulated counters (admin action).
func (s *Server) ResetQuota(user string) { s.quota.Reset(user) }

// QuotaUsages lists per-user usage.
func (s *Server) QuotaUsages() []quota.Usage { return s.quota.Usages() }

// CounterSnapshot flattens process counters.
func (s *Server) CounterSnapshot() map[string]int64 { return s.counters.Snapshot() }

// Shutdown drains: stops accepting (callers close listeners), signals all
// sessions, and waits up to the snapshot's shutdown timeout.
func (s *Server) Shutdown() {
	timeout := s.store.Current().ShutdownTimeout()

	s.rootCancel()
	s.registry.CancelAll()

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all sessions drained")
	case <-time.After(timeout):
		log.Warnf("shutdown timeout after %v, abandoning remaining tasks", timeout)
	}
}

func (s *Server) addSession(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
