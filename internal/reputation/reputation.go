// Package reputation tracks per-IP auth failure scores with exponential
// decay and escalates repeat offenders into TTL bans.
package reputation

import (
	"context"
	"hash/fnv"
	"math"
	"net/netip"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	shardCount = 16 // power of two
	epsilon    = 0.01
)

type Config struct {
	FailWeight    float64
	SuccessWeight float64
	BanThreshold  float64
	BanDuration   time.Duration
	// Exponential doubles the ban duration on each repeat ban of the
	// same address.
	Exponential     bool
	HalfLife        time.Duration
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailWeight <= 0 {
		c.FailWeight = 1
	}
	if c.SuccessWeight <= 0 {
		c.SuccessWeight = 1
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = 5
	}
	if c.BanDuration <= 0 {
		c.BanDuration = 10 * time.Minute
	}
	if c.HalfLife <= 0 {
		c.HalfLife = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

type entry struct {
	score float64
	last  time.Time
	bans  int
}

// Ban is the public view of one active ban.
type Ban struct {
	IP        netip.Addr
	Reason    string
	ExpiresAt time.Time
	Score     float64
}

type shard struct {
	mu     sync.Mutex
	scores map[netip.Addr]*entry
	bans   map[netip.Addr]*Ban
}

type Registry struct {
	cfg    Config
	shards [shardCount]*shard
	now    func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{cfg: cfg.withDefaults(), now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{
			scores: map[netip.Addr]*entry{},
			bans:   map[netip.Addr]*Ban{},
		}
	}
	return r
}

func (r *Registry) shard(ip netip.Addr) *shard {
	h := fnv.New32a()
	b := ip.Unmap().As16()
	h.Write(b[:])
	return r.shards[h.Sum32()&(shardCount-1)]
}

// decayed recomputes an entry's score at read time: score * 2^(-dt/halfLife).
func (r *Registry) decayed(e *entry, now time.Time) float64 {
	dt := now.Sub(e.last)
	if dt <= 0 {
		return e.score
	}
	return e.score * math.Exp2(-dt.Seconds()/r.cfg.HalfLife.Seconds())
}

// Fail records an auth failure and returns true when the address just
// crossed the ban threshold.
func (r *Registry) Fail(ip netip.Addr, reason string) bool {
	ip = ip.Unmap()
	now := r.now()
	s := r.shard(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.scores[ip]
	if e == nil {
		e = &entry{}
		s.scores[ip] = e
	}

	e.score = r.decayed(e, now) + r.cfg.FailWeight
	e.last = now

	if e.score < r.cfg.BanThreshold {
		return false
	}

	if b, live := s.bans[ip]; live && b.ExpiresAt.After(now) {
		return false
	}

	dur := r.cfg.BanDuration
	if r.cfg.Exponential && e.bans > 0 {
		dur = time.Duration(float64(dur) * math.Exp2(float64(e.bans)))
	}
	e.bans++

	s.bans[ip] = &Ban{
		IP:        ip,
		Reason:    reason,
		ExpiresAt: now.Add(dur),
		Score:     e.score,
	}

	log.WithFields(log.Fields{"ip": ip, "score": e.score, "duration": dur}).
		Infof("banning %v: %v", ip, reason)

	return true
}

// Success credits a successful auth, flooring the score at zero.
func (r *Registry) Success(ip netip.Addr) {
	ip = ip.Unmap()
	now := r.now()
	s := r.shard(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.scores[ip]
	if e == nil {
		return
	}

	e.score = math.Max(0, r.decayed(e, now)-r.cfg.SuccessWeight)
	e.last = now
}

// Score returns the current decayed score for an address.
func (r *Registry) Score(ip netip.Addr) float64 {
	ip = ip.Unmap()
	s := r.shard(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.scores[ip]
	if e == nil {
		return 0
	}
	return r.decayed(e, r.now())
}

// IsBanned reports whether ip has a live ban; expired bans are dropped on
// lookup.
func (r *Registry) IsBanned(ip netip.Addr) (bool, string) {
	ip = ip.Unmap()
	now := r.now()
	s := r.shard(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bans[ip]
	if !ok {
		return false, ""
	}

	if !b.ExpiresAt.After(now) {
		delete(s.bans, ip)
		return false, ""
	}

	return true, b.Reason
}

// BanFor inserts an explicit ban (admin action, reload-induced).
func (r *Registry) BanFor(ip netip.Addr, reason string, d time.Duration) {
	ip = ip.Unmap()
	s := r.shard(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bans[ip] = &Ban{IP: ip, Reason: reason, ExpiresAt: r.now().Add(d)}
}

// Unban removes a ban and clears the score. Returns false when no ban
// existed.
func (r *Registry) Unban(ip netip.Addr) bool {
	ip = ip.Unmap()
	s := r.shard(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.bans[ip]
	delete(s.bans, ip)
	delete(s.scores, ip)
	return ok
}

// Banned lists active bans, sorted by address, for the dashboard boundary.
func (r *Registry) Banned() []Ban {
	now := r.now()
	var out []Ban

	for _, s := range r.shards {
		s.mu.Lock()
		for ip, b := range s.bans {
			if !b.ExpiresAt.After(now) {
				delete(s.bans, ip)
				continue
			}
			out = append(out, *b)
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// Sweep drops expired bans and entries decayed below epsilon.
func (r *Registry) Sweep() {
	now := r.now()
	for _, s := range r.shards {
		s.mu.Lock()
		for ip, b := range s.bans {
			if !b.ExpiresAt.After(now) {
				log.Debugf("ban expired for %v", ip)
				delete(s.bans, ip)
			}
		}
		for ip, e := range s.scores {
			if r.decayed(e, now) < epsilon && e.bans == 0 {
				delete(s.scores, ip)
			}
		}
		s.mu.Unlock()
	}
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}
