// Package metrics keeps the process-wide counters exposed to the
// dashboard boundary. Exposition formats live outside the core.
package metrics

import "sync/atomic"

type Counters struct {
	AuthSuccess    atomic.Int64
	AuthFailure    atomic.Int64
	PreAuthDropped atomic.Int64
	RateLimited    atomic.Int64
	BlockedByACL   atomic.Int64
	SSRFBlocked    atomic.Int64
	GeoBlocked     atomic.Int64
	QuotaDenied    atomic.Int64
	Bans           atomic.Int64
	ConnsOpened    atomic.Int64
	ConnsClosed    atomic.Int64
	BytesUp        atomic.Int64
	BytesDown      atomic.Int64
	DNSCacheHits   atomic.Int64
	DNSCacheMisses atomic.Int64
	DialRetries    atomic.Int64
	PoolHits       atomic.Int64
}

// Snapshot flattens the counters for the management surface.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"auth_success":     c.AuthSuccess.Load(),
		"auth_failure":     c.AuthFailure.Load(),
		"pre_auth_dropped": c.PreAuthDropped.Load(),
		"rate_limited":     c.RateLimited.Load(),
		"blocked_by_acl":   c.BlockedByACL.Load(),
		"ssrf_blocked":     c.SSRFBlocked.Load(),
		"geo_blocked":      c.GeoBlocked.Load(),
		"quota_denied":     c.QuotaDenied.Load(),
		"bans":             c.Bans.Load(),
		"conns_opened":     c.ConnsOpened.Load(),
		"conns_closed":     c.ConnsClosed.Load(),
		"bytes_up":         c.BytesUp.Load(),
		"bytes_down":       c.BytesDown.Load(),
		"dns_cache_hits":   c.DNSCacheHits.Load(),
		"dns_cache_misses": c.DNSCacheMisses.Load(),
		"dial_retries":     c.DialRetries.Load(),
		"pool_hits":        c.PoolHits.Load(),
	}
}
