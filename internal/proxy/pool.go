package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type pooledConn struct {
	conn    net.Conn
	lastUse time.Time
}

// Pool keeps idle outbound sockets keyed by destination for quick reuse.
// Entries are stacked LIFO so the warmest socket goes out first.
type Pool struct {
	mu          sync.Mutex
	idle        map[string][]pooledConn
	maxIdle     int
	idleTimeout time.Duration
	closed      bool
}

func NewPool(maxIdle int, idleTimeout time.Duration) *Pool {
	if maxIdle <= 0 {
		maxIdle = 4
	}
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Pool{
		idle:        map[string][]pooledConn{},
		maxIdle:     maxIdle,
		idleTimeout: idleTimeout,
	}
}

// Get pops the most recently parked socket for key, validating it is still
// alive: a read with an immediate deadline must time out rather than
// return data or EOF.
func (p *Pool) Get(key string) net.Conn {
	if p == nil {
		return nil
	}

	now := time.Now()

	for {
		p.mu.Lock()
		stack := p.idle[key]
		if len(stack) == 0 {
			p.mu.Unlock()
			return nil
		}
		pc := stack[len(stack)-1]
		p.idle[key] = stack[:len(stack)-1]
		p.mu.Unlock()

		if now.Sub(pc.lastUse) > p.idleTimeout {
			pc.conn.Close()
			continue
		}

		if !alive(pc.conn) {
			pc.conn.Close()
			continue
		}

		return pc.conn
	}
}

// alive performs the liveness probe. The remote having closed or sent
// unsolicited data both disqualify the socket.
func alive(c net.Conn) bool {
	if err := c.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}

	one := make([]byte, 1)
	_, err := c.Read(one)

	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		// nothing to read: still parked
		return c.SetReadDeadline(time.Time{}) == nil
	}
	return false
}

// Put parks a socket for reuse; the oldest entry is evicted at capacity.
func (p *Pool) Put(key string, c net.Conn) {
	if p == nil || key == "" {
		c.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		c.Close()
		return
	}

	stack := p.idle[key]
	if len(stack) >= p.maxIdle {
		stack[0].conn.Close()
		stack = stack[1:]
	}
	p.idle[key] = append(stack, pooledConn{conn: c, lastUse: time.Now()})
}

func (p *Pool) sweep() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, stack := range p.idle {
		kept := stack[:0]
		for _, pc := range stack {
			if now.Sub(pc.lastUse) > p.idleTimeout {
				pc.conn.Close()
				continue
			}
			kept = append(kept, pc)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
}

// Run sweeps idle sockets until ctx is done, then closes everything.
func (p *Pool) Run(ctx context.Context) {
	if p == nil {
		return
	}

	t := time.NewTicker(p.idleTimeout / 2)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return
		case <-t.C:
			p.sweep()
		}
	}
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	n := 0
	for _, stack := range p.idle {
		for _, pc := range stack {
			pc.conn.Close()
			n++
		}
	}
	p.idle = map[string][]pooledConn{}

	if n > 0 {
		log.Debugf("connection pool closed %d idle sockets", n)
	}
}
