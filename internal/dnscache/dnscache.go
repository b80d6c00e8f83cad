// Package dnscache resolves destination names through either the system
// resolver or configured upstream servers, caching results with native,
// fixed or disabled TTLs.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

type Mode int

const (
	// ModeNative respects the TTL carried by the DNS answer.
	ModeNative Mode = iota
	// ModeFixed caches every answer for a configured duration.
	ModeFixed
	// ModeDisabled resolves every time.
	ModeDisabled
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "native":
		return ModeNative, nil
	case "fixed":
		return ModeFixed, nil
	case "disabled", "off", "none":
		return ModeDisabled, nil
	}
	return ModeNative, fmt.Errorf("bad dns cache mode %q", s)
}

type Config struct {
	Mode     Mode
	FixedTTL time.Duration
	// Servers are upstream resolvers ("host:53"); empty uses the system
	// resolver, which cannot report native TTLs (fallback 60s).
	Servers []string
	Timeout time.Duration
}

type Metrics interface {
	CacheHit()
	CacheMiss()
}

type cached struct {
	addrs []netip.Addr
}

type Resolver struct {
	cfg     Config
	cache   *gocache.Cache
	client  *dns.Client
	metrics Metrics

	// lookup is swappable for tests.
	lookup func(ctx context.Context, host string) ([]netip.Addr, time.Duration, error)
}

const systemTTL = 60 * time.Second

func NewResolver(cfg Config, m Metrics) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FixedTTL <= 0 {
		cfg.FixedTTL = 5 * time.Minute
	}

	r := &Resolver{
		cfg:     cfg,
		cache:   gocache.New(cfg.FixedTTL, time.Minute),
		client:  &dns.Client{Timeout: cfg.Timeout},
		metrics: m,
	}

	if len(cfg.Servers) > 0 {
		r.lookup = r.lookupUpstream
	} else {
		r.lookup = r.lookupSystem
	}

	return r
}

// Resolve returns the addresses for host. IP literals short-circuit.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	key := strings.ToLower(strings.TrimSuffix(host, "."))

	if r.cfg.Mode != ModeDisabled {
		if v, ok := r.cache.Get(key); ok {
			if r.metrics != nil {
				r.metrics.CacheHit()
			}
			return v.(*cached).addrs, nil
		}
	}
	if r.metrics != nil {
		r.metrics.CacheMiss()
	}

	addrs, ttl, err := r.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}

	switch r.cfg.Mode {
	case ModeDisabled:
	case ModeFixed:
		r.cache.Set(key, &cached{addrs: addrs}, r.cfg.FixedTTL)
	case ModeNative:
		if ttl <= 0 {
			ttl = systemTTL
		}
		r.cache.Set(key, &cached{addrs: addrs}, ttl)
	}

	return addrs, nil
}

// Flush drops every cached record.
func (r *Resolver) Flush() {
	r.cache.Flush()
}

func (r *Resolver) lookupSystem(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, 0, err
	}

	addrs := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.Unmap())
	}
	return addrs, systemTTL, nil
}

// lookupUpstream queries configured servers for A and AAAA records,
// keeping the minimum answer TTL.
func (r *Resolver) lookupUpstream(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	fqdn := dns.Fqdn(host)

	var (
		addrs   []netip.Addr
		minTTL  uint32
		lastErr error
	)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)
		m.RecursionDesired = true

		for _, server := range r.cfg.Servers {
			in, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = err
				log.Debugf("dns query %s to %s failed: %v", host, server, err)
				continue
			}

			for _, rr := range in.Answer {
				var ip net.IP
				switch a := rr.(type) {
				case *dns.A:
					ip = a.A
				case *dns.AAAA:
					ip = a.AAAA
				default:
					continue
				}

				addr, ok := netip.AddrFromSlice(ip)
				if !ok {
					continue
				}
				addrs = append(addrs, addr.Unmap())

				if ttl := rr.Header().Ttl; minTTL == 0 || ttl < minTTL {
					minTTL = ttl
				}
			}
			break
		}
	}

	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, 0, lastErr
		}
		return nil, 0, fmt.Errorf("no addresses found for %s", host)
	}

	return addrs, time.Duration(minTTL) * time.Second, nil
}
