package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sshwarden/sshwarden/internal/egress"
	"github.com/sshwarden/sshwarden/internal/metrics"
)

const (
	retryBase = 250 * time.Millisecond
	retryCap  = 10 * time.Second
)

// Dialer turns an egress decision into a connected socket, preferring a
// pooled socket, then dialing each vetted address with exponential-backoff
// retries.
type Dialer struct {
	timeout time.Duration
	retries int
	pool    *Pool
	counter *metrics.Counters

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	sleep func(ctx context.Context, d time.Duration) error
}

func NewDialer(timeout time.Duration, retries int, pool *Pool, c *metrics.Counters) *Dialer {
	d := &Dialer{
		timeout: timeout,
		retries: retries,
		pool:    pool,
		counter: c,
		sleep:   sleepCtx,
	}
	d.dial = d.dialTCP
	return d
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(60 * time.Second)
	}

	return conn, nil
}

// Connect executes the decision's plan. The returned bool reports whether
// the socket came from the pool (a pooled socket is returned to the pool
// by the caller when it survives the session).
func (d *Dialer) Connect(ctx context.Context, dec *egress.Decision) (net.Conn, bool, error) {
	if dec.Plan.Upstream != "" {
		conn, err := d.connectUpstream(ctx, dec)
		return conn, false, err
	}

	if dec.Plan.PoolKey != "" && d.pool != nil {
		if conn := d.pool.Get(dec.Plan.PoolKey); conn != nil {
			if d.counter != nil {
				d.counter.PoolHits.Add(1)
			}
			log.Debugf("reusing pooled socket for %s", dec.Plan.PoolKey)
			return conn, true, nil
		}
	}

	conn, err := d.connectDirect(ctx, dec)
	return conn, false, err
}

// connectDirect walks the vetted addresses; each gets up to 1+retries
// attempts with delay base*2^n capped at 10s before falling through to the
// next address.
func (d *Dialer) connectDirect(ctx context.Context, dec *egress.Decision) (net.Conn, error) {
	var lastErr error

	for _, ip := range dec.Addrs {
		addr := net.JoinHostPort(ip.String(), fmt.Sprint(dec.Port))

		for attempt := 0; ; attempt++ {
			conn, err := d.dial(ctx, addr)
			if err == nil {
				return conn, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= d.retries {
				log.Debugf("connect %s failed after %d attempts: %v", addr, attempt+1, err)
				break
			}

			if d.counter != nil {
				d.counter.DialRetries.Add(1)
			}

			delay := retryBase << uint(attempt)
			if delay > retryCap {
				delay = retryCap
			}
			if err := d.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses to dial for %s", dec.Dst())
	}
	return nil, lastErr
}

// connectUpstream dials the upstream SOCKS5 proxy and issues a CONNECT for
// the original destination name, keeping resolution at the upstream.
func (d *Dialer) connectUpstream(ctx context.Context, dec *egress.Decision) (net.Conn, error) {
	addr, user, pass, err := parseUpstream(dec.Plan.Upstream)
	if err != nil {
		return nil, err
	}

	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy %s: %w", addr, err)
	}

	if err := socks5ClientHandshake(conn, user, pass, dec.Host, dec.Port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy %s: %w", addr, err)
	}

	return conn, nil
}

func parseUpstream(raw string) (addr, user, pass string, err error) {
	if u, perr := url.Parse(raw); perr == nil && u.Scheme == "socks5" {
		addr = u.Host
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}
		return addr, user, pass, nil
	}

	if _, _, serr := net.SplitHostPort(raw); serr == nil {
		return raw, "", "", nil
	}

	return "", "", "", fmt.Errorf("bad upstream proxy %q", raw)
}

// ClassifyDialError maps a dial failure onto the coarse categories the
// ingress protocols can express.
func ClassifyDialError(err error) byte {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return socksReplyHostUnreachable
	case isTimeout(err):
		return socksReplyHostUnreachable
	case isRefused(err):
		return socksReplyRefused
	case isUnreachable(err):
		return socksReplyNetUnreachable
	}
	return socksReplyHostUnreachable
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isUnreachable(err error) bool {
	return errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH)
}
