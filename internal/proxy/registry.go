package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sshwarden/sshwarden/internal/egress"
)

// connEntry is the registry's record of one live proxied connection.
type connEntry struct {
	id      uint64
	user    string
	ip      string
	kind    egress.Kind
	dst     string
	started time.Time

	up   atomic.Int64
	down atomic.Int64

	cancel context.CancelFunc
}

// ConnSnapshot is the read-only view handed to the dashboard boundary.
type ConnSnapshot struct {
	ID        uint64    `json:"id"`
	User      string    `json:"user"`
	IP        string    `json:"ip"`
	Kind      string    `json:"kind"`
	Dst       string    `json:"dst"`
	Started   time.Time `json:"started"`
	BytesUp   int64     `json:"bytes_up"`
	BytesDown int64     `json:"bytes_down"`
}

// Registry indexes live connections by id so that kick/shutdown/quota
// violations can cancel them without sessions holding pointers to each
// other. The hot path is insert/remove.
type Registry struct {
	mu    sync.Mutex
	conns map[uint64]*connEntry
	next  atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{conns: map[uint64]*connEntry{}}
}

func (r *Registry) add(e *connEntry) uint64 {
	e.id = r.next.Add(1)

	r.mu.Lock()
	r.conns[e.id] = e
	r.mu.Unlock()

	return e.id
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// CancelUser cancels every live connection belonging to user and returns
// how many were signalled.
func (r *Registry) CancelUser(user string) int {
	var cancels []context.CancelFunc

	r.mu.Lock()
	for _, e := range r.conns {
		if e.user == user {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// CancelAll signals every live connection; used by graceful shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.conns))
	for _, e := range r.conns {
		cancels = append(cancels, e.cancel)
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

// Snapshots lists live connections for the management surface.
func (r *Registry) Snapshots() []ConnSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ConnSnapshot, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, ConnSnapshot{
			ID:        e.id,
			User:      e.user,
			IP:        e.ip,
			Kind:      e.kind.String(),
			Dst:       e.dst,
			Started:   e.started,
			BytesUp:   e.up.Load(),
			BytesDown: e.down.Load(),
		})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
