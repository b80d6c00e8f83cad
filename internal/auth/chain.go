package auth

import (
	"net/netip"
	"time"

	"github.com/sshwarden/sshwarden/internal/policy"
)

// Chain walks a user's required auth methods in declared order. Each
// offered credential either fails the whole chain or advances it; the
// chain succeeds only when every step has.
type Chain struct {
	user  *policy.ResolvedUser
	steps []policy.AuthMethod
	next  int
}

func NewChain(user *policy.ResolvedUser) *Chain {
	return &Chain{user: user, steps: user.AuthChain}
}

// Next returns the method the chain expects now; ok is false when the
// chain is complete.
func (c *Chain) Next() (policy.AuthMethod, bool) {
	if c.next >= len(c.steps) {
		return 0, false
	}
	return c.steps[c.next], true
}

// Advance marks the current step satisfied and reports whether the chain
// is now complete.
func (c *Chain) Advance() bool {
	c.next++
	return c.next >= len(c.steps)
}

// Remaining lists the methods still owed, in order.
func (c *Chain) Remaining() []policy.AuthMethod {
	return c.steps[c.next:]
}

// CountryFunc maps a source address to an ISO country code; "" is unknown.
type CountryFunc func(netip.Addr) string

// PostCheck runs the denials that can fire even after every credential
// succeeded: expiry, source-IP whitelist, login country, time access.
func PostCheck(user *policy.ResolvedUser, sourceIP netip.Addr, country CountryFunc, now time.Time) error {
	if user.Expired(now) {
		return Denied(KindExpired, user.Name)
	}

	if !user.SourceAllowed(sourceIP) {
		return Denied(KindIPDenied, user.Name)
	}

	if len(user.GeoAllow) > 0 && country != nil {
		cc := country(sourceIP)
		allowed := false
		for _, want := range user.GeoAllow {
			if cc == want {
				allowed = true
				break
			}
		}
		if !allowed {
			return Denied(KindGeoDenied, user.Name)
		}
	}

	if !user.Time.Permits(now) {
		return Denied(KindTimeDenied, user.Name)
	}

	return nil
}
