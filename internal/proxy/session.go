package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/sshwarden/sshwarden/internal/audit"
	"github.com/sshwarden/sshwarden/internal/auth"
	"github.com/sshwarden/sshwarden/internal/egress"
	"github.com/sshwarden/sshwarden/internal/policy"
	"github.com/sshwarden/sshwarden/internal/rategate"
)

// Session is one authenticated SSH connection. It holds the policy
// snapshot captured at auth time for its whole life.
type Session struct {
	id       uint64
	sid      string // uuid for audit correlation
	username string
	user     *policy.ResolvedUser
	snap     *policy.Snapshot
	remoteIP netip.Addr

	ctx    context.Context
	cancel context.CancelFunc

	msgs chan string
	log  *log.Entry
}

func (sess *Session) broadcast(msg string) {
	select {
	case sess.msgs <- msg:
	default:
	}
}

// authHandler carries the per-connection auth chain state across the SSH
// callback invocations.
type authHandler struct {
	server *Server
	snap   *policy.Snapshot
	ip     netip.Addr

	username string
	user     *policy.ResolvedUser
	chain    *auth.Chain

	// publickey callbacks run twice (query then signed); replay the
	// first verdict for the same key instead of advancing twice.
	lastKey     []byte
	lastVerdict error
	lastPerms   *ssh.Permissions
	lastNext    *ssh.PartialSuccessError
}

func (s *Server) newAuthHandler(snap *policy.Snapshot, ip netip.Addr) *authHandler {
	return &authHandler{server: s, snap: snap, ip: ip}
}

func (h *authHandler) config() *ssh.ServerConfig {
	maxTries := h.snap.Security.MaxAuthTries
	if maxTries <= 0 {
		maxTries = 6
	}

	cfg := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-sshwarden",
		MaxAuthTries:  maxTries,
		AuthLogCallback: func(conn ssh.ConnMetadata, method string, err error) {
			if err != nil && method != "none" {
				log.Debugf("auth attempt user=%s method=%s from=%v: %v", conn.User(), method, conn.RemoteAddr(), err)
			}
		},
	}

	if banner := h.snap.Server.Banner; banner != "" {
		cfg.BannerCallback = func(ssh.ConnMetadata) string { return banner }
	}

	cfg.PasswordCallback = h.password
	cfg.PublicKeyCallback = h.publicKey
	cfg.KeyboardInteractiveCallback = h.keyboardInteractive

	for _, hk := range h.server.hostKeys {
		cfg.AddHostKey(hk)
	}

	return cfg
}

// begin resolves the user record on the first callback of a connection.
func (h *authHandler) begin(conn ssh.ConnMetadata) error {
	if h.chain != nil {
		return nil
	}

	h.username = conn.User()
	h.user = h.snap.User(h.username)
	if h.user == nil {
		return auth.Denied(auth.KindUnknownUser, h.username)
	}

	h.chain = auth.NewChain(h.user)
	return nil
}

// fail records a credential failure against reputation and audit, then
// denies.
func (h *authHandler) fail(kind auth.ErrorKind) (*ssh.Permissions, error) {
	s := h.server
	s.counters.AuthFailure.Add(1)

	if banned := s.rep.Fail(h.ip, fmt.Sprintf("auth failure (%s)", kind)); banned {
		s.counters.Bans.Add(1)
		s.hook.Notify("ban", map[string]any{"ip": h.ip.String(), "reason": kind.String()})
	}

	s.auditor.Emit(audit.Event{
		Event: "auth_failure",
		User:  h.username,
		IP:    h.ip.String(),
		Error: kind.String(),
	})
	s.hook.Notify("auth_failure", map[string]any{"user": h.username, "ip": h.ip.String(), "reason": kind.String()})

	return nil, auth.Denied(kind, h.username)
}

// advance marks the current chain step satisfied and either finishes auth
// or hands the client the next required method via partial success.
func (h *authHandler) advance() (*ssh.Permissions, error) {
	if done := h.chain.Advance(); !done {
		next, _ := h.chain.Next()

		cbs := ssh.ServerAuthCallbacks{}
		switch next {
		case policy.MethodPassword:
			cbs.PasswordCallback = h.password
		case policy.MethodPublicKey, policy.MethodCert:
			cbs.PublicKeyCallback = h.publicKey
		case policy.MethodTOTP:
			cbs.KeyboardInteractiveCallback = h.keyboardInteractive
		}

		return nil, &ssh.PartialSuccessError{Next: cbs}
	}

	return h.finish()
}

// finish runs the post-credential denials: maintenance, per-user rate,
// expiry, source whitelist, login country, time window.
func (h *authHandler) finish() (*ssh.Permissions, error) {
	s := h.server

	if s.maintenance.Load() && !h.user.Admin() {
		msg := h.snap.Security.MaintenanceMsg
		if msg == "" {
			msg = "server is under maintenance"
		}
		log.Infof("rejecting %s during maintenance", h.username)
		return nil, fmt.Errorf("%s", msg)
	}

	if err := s.gate.TryAcquire("user:"+h.username, rategate.Limits(h.user.Limits.Rate)); err != nil {
		s.counters.RateLimited.Add(1)
		return nil, auth.Denied(auth.KindRateLimited, h.username)
	}

	if err := auth.PostCheck(h.user, h.ip, s.geo.Country, time.Now()); err != nil {
		var ae *auth.Error
		if errors.As(err, &ae) {
			return h.fail(ae.Kind)
		}
		return h.fail(auth.KindInternal)
	}

	s.rep.Success(h.ip)
	s.counters.AuthSuccess.Add(1)
	s.auditor.Emit(audit.Event{Event: "auth_success", User: h.username, IP: h.ip.String(), OK: true})
	s.hook.Notify("auth_success", map[string]any{"user": h.username, "ip": h.ip.String()})

	return &ssh.Permissions{Extensions: map[string]string{"sshwarden-user": h.username}}, nil
}

func (h *authHandler) expect(method policy.AuthMethod) error {
	next, ok := h.chain.Next()
	if !ok || next != method {
		return auth.Denied(auth.KindBadCredential, h.username)
	}
	return nil
}

func (h *authHandler) password(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if err := h.begin(conn); err != nil {
		auth.BurnPassword(password)
		_, e := h.fail(auth.KindUnknownUser)
		return nil, e
	}

	if err := h.expect(policy.MethodPassword); err != nil {
		auth.BurnPassword(password)
		return h.fail(auth.KindBadCredential)
	}

	if h.user.PasswordHash == "" {
		auth.BurnPassword(password)
		return h.fail(auth.KindBadCredential)
	}

	ok, err := auth.VerifyPassword(h.user.PasswordHash, password)
	if err != nil {
		log.Errorf("password verify for %s: %v", h.username, err)
		return h.fail(auth.KindInternal)
	}
	if !ok {
		return h.fail(auth.KindBadCredential)
	}

	return h.advance()
}

func (h *authHandler) publicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if err := h.begin(conn); err != nil {
		_, e := h.fail(auth.KindUnknownUser)
		return nil, e
	}

	// Query phase and signed phase both land here; replay the verdict
	// for the identical key so the chain advances exactly once.
	marshaled := key.Marshal()
	if h.lastKey != nil && bytes.Equal(h.lastKey, marshaled) {
		if h.lastNext != nil {
			return nil, h.lastNext
		}
		return h.lastPerms, h.lastVerdict
	}

	perms, err := h.verifyKey(key)

	h.lastKey = marshaled
	h.lastPerms, h.lastVerdict, h.lastNext = perms, err, nil
	var pse *ssh.PartialSuccessError
	if errors.As(err, &pse) {
		h.lastNext = pse
	}

	return perms, err
}

// verifyKey handles both plain keys and certificates. Mismatches deny
// without feeding reputation: clients probe every key on their ring
// before signing, and a user walking through their keychain must not
// ban themselves. Password and TOTP failures stay scored.
func (h *authHandler) verifyKey(key ssh.PublicKey) (*ssh.Permissions, error) {
	if cert, ok := key.(*ssh.Certificate); ok {
		if err := h.expect(policy.MethodCert); err != nil {
			return nil, err
		}

		if err := auth.VerifyCertificate(cert, h.user.TrustedCAs, h.username, h.ip, time.Now()); err != nil {
			log.Debugf("certificate rejected for %s: %v", h.username, err)
			return nil, auth.Denied(auth.KindBadCredential, h.username)
		}

		return h.advance()
	}

	if err := h.expect(policy.MethodPublicKey); err != nil {
		return nil, err
	}

	if !auth.MatchAuthorizedKey(h.user.AuthorizedKeys, key) {
		log.Debugf("unauthorized key offered for %s", h.username)
		return nil, auth.Denied(auth.KindBadCredential, h.username)
	}

	return h.advance()
}

func (h *authHandler) keyboardInteractive(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	if err := h.begin(conn); err != nil {
		_, e := h.fail(auth.KindUnknownUser)
		return nil, e
	}

	if err := h.expect(policy.MethodTOTP); err != nil {
		return h.fail(auth.KindBadCredential)
	}

	if h.user.TOTPSecret == "" {
		return h.fail(auth.KindTOTPRequired)
	}

	answers, err := client(h.username, "", []string{"Verification code: "}, []bool{false})
	if err != nil || len(answers) != 1 {
		return h.fail(auth.KindTOTPRequired)
	}

	if !auth.VerifyTOTP(h.user.TOTPSecret, answers[0], h.user.TOTPSkew, time.Now()) {
		return h.fail(auth.KindBadCredential)
	}

	return h.advance()
}

// handleSSHConn runs one TCP connection through the pre-auth gate, the
// SSH handshake (raced against the login grace time), and the channel
// loop.
func (s *Server) handleSSHConn(c net.Conn) {
	defer s.recoverPanic("ssh connection")
	defer c.Close()

	ip := remoteIP(c.RemoteAddr())
	snap := s.store.Current()

	if !ip.IsValid() {
		log.Debugf("cannot parse remote address %v", c.RemoteAddr())
		return
	}

	if !s.preAuthGate(snap, ip) {
		return
	}

	h := s.newAuthHandler(snap, ip)
	cfg := h.config()

	type result struct {
		conn  *ssh.ServerConn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	resc := make(chan result, 1)
	go func() {
		conn, chans, reqs, err := ssh.NewServerConn(c, cfg)
		resc <- result{conn, chans, reqs, err}
	}()

	var r result
	select {
	case r = <-resc:
	case <-time.After(snap.LoginGrace()):
		log.Debugf("login grace time exceeded for %v", c.RemoteAddr())
		return
	case <-s.rootCtx.Done():
		return
	}

	if r.err != nil {
		log.Debugf("handshake with %v failed: %v", c.RemoteAddr(), r.err)
		return
	}
	defer r.conn.Close()

	username := r.conn.Permissions.Extensions["sshwarden-user"]
	user := h.user
	if user == nil || user.Name != username {
		// cannot happen unless the handshake surface changed under us
		log.Errorf("session user mismatch for %v", c.RemoteAddr())
		return
	}

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

	// a cancelled session must unblock the channel loop
	stop := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer stop()

	sess.log.Info("ssh session established")

	go s.handleGlobalRequests(sess, r.reqs)

	for nc := range r.chans {
		switch nc.ChannelType() {
		case "direct-tcpip":
			s.wg.Add(1)
			go func(nc ssh.NewChannel) {
				defer s.wg.Done()
				defer s.recoverPanic("direct-tcpip channel")
				s.handleDirectTCPIP(sess, nc)
			}(nc)

		case "session":
			s.wg.Add(1)
			go func(nc ssh.NewChannel) {
				defer s.wg.Done()
				defer s.recoverPanic("session channel")
				s.handleSessionChannel(sess, nc)
			}(nc)

		default:
			sess.log.Debugf("rejecting channel type %q", nc.ChannelType())
			_ = nc.Reject(ssh.UnknownChannelType, "channel type not supported")
		}
	}

	sess.log.Debug("ssh session closed")
}

// handleGlobalRequests refuses everything: tcpip-forward (reverse
// forwarding) and unknown globals alike.
func (s *Server) handleGlobalRequests(sess *Session, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward", "cancel-tcpip-forward":
			sess.log.Debug("refusing reverse forwarding request")
			s.auditor.Emit(audit.Event{
				Event: "forward_refused", User: sess.username,
				IP: sess.remoteIP.String(), Error: req.Type,
			})
		case "keepalive@openssh.com":
			// fallthrough to reply(false); clients only want an answer
		default:
			sess.log.Debugf("refusing global request %q", req.Type)
		}

		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

type directTCPIPPayload struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

func (s *Server) handleDirectTCPIP(sess *Session, nc ssh.NewChannel) {
	var p directTCPIPPayload
	if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
		return
	}

	dec, conn, tok, err := s.authorizeAndConnect(sess, p.DestAddr, int(p.DestPort), egress.KindDirectTCPIP)
	if err != nil {
		s.rejectChannel(sess, nc, p.DestAddr, int(p.DestPort), egress.KindDirectTCPIP, err)
		return
	}

	ch, chReqs, err := nc.Accept()
	if err != nil {
		conn.Close()
		s.quota.Release(tok)
		return
	}
	go ssh.DiscardRequests(chReqs)

	s.proxyTo(sess, ch, conn, dec, tok, egress.KindDirectTCPIP)
}

func (s *Server) rejectChannel(sess *Session, nc ssh.NewChannel, host string, port int, kind egress.Kind, err error) {
	reason := ssh.ConnectionFailed
	if isPolicyDeny(err) {
		reason = ssh.Prohibited
	}

	_ = nc.Reject(reason, denyMessage(err))
	s.auditEgressFailure(sess, host, port, kind, err)
}

// isPolicyDeny distinguishes policy refusals (the request was understood
// and forbidden) from network failures.
func isPolicyDeny(err error) bool {
	return errors.Is(err, egress.ErrACLDenied) ||
		errors.Is(err, egress.ErrSSRFBlocked) ||
		errors.Is(err, egress.ErrGeoDenied) ||
		errors.Is(err, egress.ErrExpired) ||
		errors.Is(err, egress.ErrForwardingDisabled) ||
		errors.Is(err, egress.ErrTimeDenied) ||
		errors.Is(err, egress.ErrBadPort) ||
		isQuotaOrRate(err)
}

func isQuotaOrRate(err error) bool {
	var re *rategate.Error
	return quotaExhausted(err) || errors.As(err, &re)
}

func denyMessage(err error) string {
	switch {
	case errors.Is(err, egress.ErrACLDenied):
		return "administratively prohibited"
	case errors.Is(err, egress.ErrSSRFBlocked):
		return "destination not permitted"
	case quotaExhausted(err):
		return "quota exceeded"
	case errors.Is(err, egress.ErrDNSFailure):
		return "name resolution failed"
	}
	return "connect failed"
}
