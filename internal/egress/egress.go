// Package egress decides whether an authenticated user may open an
// outbound connection to a destination, and with what plan.
package egress

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sshwarden/sshwarden/internal/geoip"
	"github.com/sshwarden/sshwarden/internal/policy"
)

// Kind names how a request entered the server.
type Kind int

const (
	KindSSHShell Kind = iota
	KindDirectTCPIP
	KindDynamicSOCKS
	KindStandaloneSOCKS
)

func (k Kind) String() string {
	switch k {
	case KindSSHShell:
		return "ssh-shell"
	case KindDirectTCPIP:
		return "ssh-direct-tcpip"
	case KindDynamicSOCKS:
		return "ssh-dynamic-socks5"
	case KindStandaloneSOCKS:
		return "standalone-socks5"
	}
	return "unknown"
}

// Deny reasons; the proxy engine maps these onto SOCKS5/SSH replies.
var (
	ErrACLDenied          = errors.New("destination denied by acl")
	ErrSSRFBlocked        = errors.New("destination is a private address")
	ErrGeoDenied          = errors.New("destination country denied")
	ErrExpired            = errors.New("user account expired")
	ErrForwardingDisabled = errors.New("forwarding disabled for user")
	ErrTimeDenied         = errors.New("outside allowed time window")
	ErrBadPort            = errors.New("port out of range")
	ErrDNSFailure         = errors.New("name resolution failed")
)

// Plan tells the dialer how to reach the destination.
type Plan struct {
	// Upstream is a SOCKS5 proxy URL ("socks5://[user:pass@]host:port"
	// or bare "host:port"); empty means connect directly.
	Upstream string
	// PoolKey is non-empty when a pooled socket may be reused.
	PoolKey string
}

// Decision is a granted egress: the vetted address plus the remaining
// resolved candidates for dial fallthrough, all individually vetted.
type Decision struct {
	Host  string
	Port  uint16
	IP    netip.Addr
	Addrs []netip.Addr
	Plan  Plan
}

func (d *Decision) Dst() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

type Metrics interface {
	ACLBlocked()
	SSRFBlocked()
	GeoBlocked()
}

// Resolver is satisfied by dnscache.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

type Authorizer struct {
	resolver Resolver
	geo      *geoip.DB
	metrics  Metrics
	now      func() time.Time
}

func NewAuthorizer(resolver Resolver, geo *geoip.DB, m Metrics) *Authorizer {
	return &Authorizer{resolver: resolver, geo: geo, metrics: m, now: time.Now}
}

// Authorize runs the pipeline for (user, host, port): user state, port
// sanity, resolution, anti-SSRF, GeoIP, ACL against both the requested
// name and each candidate address. The first deny short-circuits; the
// surviving candidates are returned for the dialer, which never
// re-resolves (rebinding guard).
func (a *Authorizer) Authorize(ctx context.Context, snap *policy.Snapshot, user *policy.ResolvedUser, kind Kind, host string, port int) (*Decision, error) {
	now := a.now()

	if user.Expired(now) {
		return nil, ErrExpired
	}
	if kind == KindSSHShell {
		if !user.AllowShell {
			return nil, ErrForwardingDisabled
		}
	} else if !user.AllowForward {
		return nil, ErrForwardingDisabled
	}
	if user.Time != nil && !user.Time.Permits(now) {
		return nil, ErrTimeDenied
	}

	if port < 1 || port > 65535 {
		return nil, ErrBadPort
	}
	p16 := uint16(port)

	// The requested name itself must clear the ACL before we spend a
	// resolution on it.
	if policy.EvaluateACLHost(user.ACLRules, user.ACLDefault, host, p16) == policy.ActionDeny {
		if a.metrics != nil {
			a.metrics.ACLBlocked()
		}
		return nil, ErrACLDenied
	}

	addrs, err := a.resolver.Resolve(ctx, host)
	if err != nil {
		log.Debugf("resolve %s failed: %v", host, err)
		return nil, fmt.Errorf("%w: %v", ErrDNSFailure, err)
	}

	allowPrivate := user.Admin() && user.AllowPrivate

	var (
		vetted  []netip.Addr
		lastErr error
	)
	for _, ip := range addrs {
		if name := ClassifyDangerousIP(ip); name != "" && !allowPrivate {
			log.WithFields(log.Fields{"user": user.Name, "host": host, "ip": ip, "range": name}).
				Warn("blocked connection to private address")
			lastErr = ErrSSRFBlocked
			continue
		}

		if err := a.checkGeo(snap, ip); err != nil {
			lastErr = err
			continue
		}

		if policy.EvaluateACLIP(user.ACLRules, user.ACLDefault, ip, p16) == policy.ActionDeny {
			lastErr = ErrACLDenied
			continue
		}

		vetted = append(vetted, ip)
	}

	if len(vetted) == 0 {
		if lastErr == nil {
			lastErr = ErrDNSFailure
		}
		a.count(lastErr)
		return nil, lastErr
	}

	d := &Decision{
		Host:  host,
		Port:  p16,
		IP:    vetted[0],
		Addrs: vetted,
		Plan:  Plan{Upstream: user.Upstream},
	}

	if snap.Server.Pool.Enabled && d.Plan.Upstream == "" {
		d.Plan.PoolKey = d.Dst()
	}

	return d, nil
}

func (a *Authorizer) checkGeo(snap *policy.Snapshot, ip netip.Addr) error {
	cfg := snap.Security.GeoIP
	if len(cfg.Allow) == 0 && len(cfg.Deny) == 0 {
		return nil
	}

	cc := a.geo.Country(ip)

	for _, deny := range cfg.Deny {
		if cc == deny {
			return ErrGeoDenied
		}
	}

	if len(cfg.Allow) > 0 {
		for _, allow := range cfg.Allow {
			if cc == allow {
				return nil
			}
		}
		return ErrGeoDenied
	}

	return nil
}

func (a *Authorizer) count(err error) {
	if a.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrSSRFBlocked):
		a.metrics.SSRFBlocked()
	case errors.Is(err, ErrGeoDenied):
		a.metrics.GeoBlocked()
	case errors.Is(err, ErrACLDenied):
		a.metrics.ACLBlocked()
	}
}
