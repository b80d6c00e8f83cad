package proxy

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sshwarden/sshwarden/internal/audit"
	"github.com/sshwarden/sshwarden/internal/auth"
	"github.com/sshwarden/sshwarden/internal/egress"
	"github.com/sshwarden/sshwarden/internal/policy"
	"github.com/sshwarden/sshwarden/internal/rategate"
)

// ServeSOCKS accepts standalone SOCKS5 clients. TLS, when configured, is
// already layered onto the listener by the caller.
func (s *Server) ServeSOCKS(lis net.Listener) error {
	log.Infof("standalone socks5 listening on %v", lis.Addr())

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.rootCtx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleSOCKSConn(c)
		}(conn)
	}
}

// handleSOCKSConn authenticates a standalone client with RFC 1929
// username/password against the user records, then serves CONNECT.
func (s *Server) handleSOCKSConn(c net.Conn) {
	defer s.recoverPanic("socks5 connection")
	defer c.Close()

	ip := remoteIP(c.RemoteAddr())
	snap := s.store.Current()

	if !ip.IsValid() || !s.preAuthGate(snap, ip) {
		return
	}

	// the whole handshake must finish within the login grace time
	_ = c.SetDeadline(time.Now().Add(snap.LoginGrace()))

	if err := negotiateMethod(c, true); err != nil {
		log.Debugf("socks negotiation with %v failed: %v", c.RemoteAddr(), err)
		return
	}

	username, password, err := readUserPass(c)
	if err != nil {
		log.Debugf("socks auth with %v failed: %v", c.RemoteAddr(), err)
		return
	}

	user, aerr := s.authSOCKSUser(snap, username, password, ip)
	if aerr != nil {
		_ = writeUserPassStatus(c, false)

		s.counters.AuthFailure.Add(1)
		if banned := s.rep.Fail(ip, "socks5 auth failure"); banned {
			s.counters.Bans.Add(1)
			s.hook.Notify("ban", map[string]any{"ip": ip.String(), "reason": "socks5 auth failure"})
		}
		s.auditor.Emit(audit.Event{
			Event: "auth_failure", User: username, IP: ip.String(),
			Kind: egress.KindStandaloneSOCKS.String(), Error: aerr.Error(),
		})
		return
	}

	if err := writeUserPassStatus(c, true); err != nil {
		return
	}

	s.rep.Success(ip)
	s.counters.AuthSuccess.Add(1)
	s.auditor.Emit(audit.Event{
		Event: "auth_success", User: username, IP: ip.String(),
		Kind: egress.KindStandaloneSOCKS.String(), OK: true,
	})

	_ = c.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(s.rootCtx)
	defer cancel()

	sess := &Session{
		id:       s.nextSession.Add(1),
		sid:      uuid.NewString(),
		username: username,
		user:     user,
		snap:     snap,
		remoteIP: ip,
		ctx:      ctx,
		cancel:   cancel,
		msgs:     make(chan string, 8),
		log:      log.WithFields(log.Fields{"user": username, "ip": ip.String()}),
	}

	s.addSession(sess)
	defer s.removeSession(sess.id)

	// negotiation already ran; serveSOCKS skips it for this kind
	s.serveSOCKS(sess, c, egress.KindStandaloneSOCKS)
}

// authSOCKSUser verifies standalone credentials. The chain's password
// step is the only one SOCKS5 can express; users whose chain demands
// more factors cannot use the standalone listener.
func (s *Server) authSOCKSUser(snap *policy.Snapshot, username string, password []byte, ip netip.Addr) (*policy.ResolvedUser, error) {
	user := snap.User(username)
	if user == nil {
		auth.BurnPassword(password)
		return nil, auth.Denied(auth.KindUnknownUser, username)
	}

	requiresOnlyPassword := len(user.AuthChain) == 1 && user.AuthChain[0] == policy.MethodPassword
	if !requiresOnlyPassword || user.PasswordHash == "" {
		auth.BurnPassword(password)
		return nil, auth.Denied(auth.KindBadCredential, username)
	}

	ok, err := auth.VerifyPassword(user.PasswordHash, password)
	if err != nil || !ok {
		return nil, auth.Denied(auth.KindBadCredential, username)
	}

	if s.maintenance.Load() && !user.Admin() {
		return nil, auth.Denied(auth.KindMaintenanceMode, username)
	}

	if err := s.gate.TryAcquire("user:"+username, rategate.Limits(user.Limits.Rate)); err != nil {
		s.counters.RateLimited.Add(1)
		return nil, auth.Denied(auth.KindRateLimited, username)
	}

	if err := auth.PostCheck(user, ip, s.geo.Country, time.Now()); err != nil {
		return nil, err
	}

	return user, nil
}
