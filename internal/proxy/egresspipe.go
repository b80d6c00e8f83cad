package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/sshwarden/sshwarden/internal/audit"
	"github.com/sshwarden/sshwarden/internal/egress"
	"github.com/sshwarden/sshwarden/internal/quota"
	"github.com/sshwarden/sshwarden/internal/rategate"
)

func quotaExhausted(err error) bool {
	return quota.IsExhausted(err)
}

// authorizeAndConnect runs the per-request pipeline: connection rate
// under user scope, quota reservation, egress authorization, then the
// dial plan. On success the caller owns the conn and the quota token.
func (s *Server) authorizeAndConnect(sess *Session, host string, port int, kind egress.Kind) (*egress.Decision, net.Conn, *quota.Token, error) {
	user := sess.user
	snap := sess.snap

	if err := s.gate.TryAcquire("conn:"+user.Name, rategate.Limits(user.Limits.Rate)); err != nil {
		s.counters.RateLimited.Add(1)
		return nil, nil, nil, err
	}

	tok, err := s.quota.Reserve(user)
	if err != nil {
		s.counters.QuotaDenied.Add(1)
		return nil, nil, nil, err
	}

	dec, err := s.authz.Authorize(sess.ctx, snap, user, kind, host, port)
	if err != nil {
		s.quota.Release(tok)
		return nil, nil, nil, err
	}

	dialer := NewDialer(snap.ConnectTimeout(), snap.Server.ConnectRetry, s.pool, s.counters)

	dialCtx, cancel := context.WithTimeout(sess.ctx, snap.ConnectTimeout()*time.Duration(1+snap.Server.ConnectRetry+len(dec.Addrs)))
	defer cancel()

	conn, _, err := dialer.Connect(dialCtx, dec)
	if err != nil {
		s.quota.Release(tok)
		return nil, nil, nil, err
	}

	return dec, conn, tok, nil
}

// proxyTo registers the connection, relays bytes with throttling and
// quota accounting until termination, then settles audit and counters.
func (s *Server) proxyTo(sess *Session, stream io.ReadWriteCloser, conn net.Conn, dec *egress.Decision, tok *quota.Token, kind egress.Kind) {
	defer s.quota.Release(tok)

	snap := sess.snap
	user := sess.user
	started := time.Now()

	ctx, cancel := context.WithCancel(sess.ctx)
	defer cancel()

	entry := &connEntry{
		user:    user.Name,
		ip:      sess.remoteIP.String(),
		kind:    kind,
		dst:     dec.Dst(),
		started: started,
		cancel:  cancel,
	}
	id := s.registry.add(entry)
	defer s.registry.remove(id)

	s.counters.ConnsOpened.Add(1)
	defer s.counters.ConnsClosed.Add(1)

	// cancellation must unblock reads on both legs
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
		stream.Close()
	})

	limiters := []*rate.Limiter{
		newLimiter(user.Limits.MaxBandwidthBps),
		s.userLimiter(user.Name, user.Limits.AggregateBandwidthBps),
		s.serverLimiter(snap.Server.MaxBandwidthBps),
	}

	up, down, err := relay(ctx, stream, conn, pipeConfig{
		bufSize:     snap.Server.BufferSize,
		limiters:    limiters,
		idleTimeout: snap.IdleTimeout(),
		idleWarning: snap.IdleWarning(),
		token:       tok,
		tracker:     s.quota,
		onBytes: func(u, d int64) {
			entry.up.Add(u)
			entry.down.Add(d)
			s.counters.BytesUp.Add(u)
			s.counters.BytesDown.Add(d)
		},
	})

	if stop() {
		stream.Close()
		// A cleanly finished socket can be parked for reuse; everything
		// else is closed.
		if err == nil && dec.Plan.PoolKey != "" && s.pool != nil {
			s.pool.Put(dec.Plan.PoolKey, conn)
		} else {
			conn.Close()
		}
	}

	outcome := ""
	ok := true
	switch {
	case err == nil, errors.Is(err, io.EOF):
	case quotaExhausted(err):
		outcome = "quota_exhausted"
		ok = false
		s.counters.QuotaDenied.Add(1)
		s.hook.Notify("quota_exhausted", map[string]any{"user": user.Name, "dst": dec.Dst()})
	case errors.Is(err, errIdleTimeout):
		outcome = "idle_timeout"
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = err.Error()
	}

	sess.log.WithFields(map[string]interface{}{
		"dst": dec.Dst(), "up": up, "down": down,
	}).Debugf("connection finished: %v", err)

	s.auditor.Emit(audit.Event{
		Event:      "proxy_connect",
		User:       user.Name,
		IP:         sess.remoteIP.String(),
		Dst:        dec.Dst(),
		Kind:       kind.String(),
		OK:         ok,
		Error:      outcome,
		BytesUp:    up,
		BytesDown:  down,
		DurationMS: time.Since(started).Milliseconds(),
		Session:    sess.sid,
	})
	s.hook.Notify("proxy_connect", map[string]any{
		"user": user.Name, "dst": dec.Dst(), "kind": kind.String(),
		"bytes_up": up, "bytes_down": down,
	})
}

// auditEgressFailure records a refused or failed egress attempt.
func (s *Server) auditEgressFailure(sess *Session, host string, port int, kind egress.Kind, err error) {
	event := "proxy_refused"
	switch {
	case errors.Is(err, egress.ErrSSRFBlocked):
		event = "ssrf_blocked"
	case errors.Is(err, egress.ErrACLDenied):
		event = "acl_denied"
	case quotaExhausted(err):
		event = "quota_denied"
	case errors.Is(err, egress.ErrDNSFailure):
		event = "dns_failure"
	}

	s.auditor.Emit(audit.Event{
		Event:   event,
		User:    sess.username,
		IP:      sess.remoteIP.String(),
		Dst:     formatDst(host, port),
		Kind:    kind.String(),
		Error:   err.Error(),
		Session: sess.sid,
	})
}

// socksReplyFor maps a pipeline error to the SOCKS5 reply code.
func socksReplyFor(err error) byte {
	switch {
	case isPolicyDeny(err):
		return socksReplyRuleset
	case errors.Is(err, egress.ErrDNSFailure):
		return socksReplyHostUnreachable
	}
	return ClassifyDialError(err)
}

// serveSOCKS runs the SOCKS5 CONNECT conversation on an established
// stream (an SSH channel or an authenticated standalone connection) and
// relays on success.
func (s *Server) serveSOCKS(sess *Session, stream io.ReadWriteCloser, kind egress.Kind) {
	defer stream.Close()

	if kind == egress.KindDynamicSOCKS {
		// inside the authenticated SSH channel only no-auth is offered
		if err := negotiateMethod(stream, false); err != nil {
			sess.log.Debugf("socks negotiation failed: %v", err)
			return
		}
	}

	req, err := readRequest(stream)
	if err != nil {
		sess.log.Debugf("socks request failed: %v", err)
		return
	}

	dec, conn, tok, err := s.authorizeAndConnect(sess, req.host, req.port, kind)
	if err != nil {
		_ = writeReply(stream, socksReplyFor(err), nil, 0)
		s.auditEgressFailure(sess, req.host, req.port, kind, err)
		return
	}

	if err := writeReply(stream, socksReplySuccess, conn.LocalAddr(), 0); err != nil {
		conn.Close()
		s.quota.Release(tok)
		return
	}

	s.proxyTo(sess, stream, conn, dec, tok, kind)
}
