package proxy

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sshwarden/sshwarden/internal/quota"
)

var errIdleTimeout = errors.New("idle timeout")

// pipeConfig shapes one relay: buffer size, throttles (nil entries are
// skipped), idle policy and the quota token to report into.
type pipeConfig struct {
	bufSize     int
	limiters    []*rate.Limiter
	idleTimeout time.Duration
	idleWarning time.Duration
	warn        func() // optional, fired once at idleWarning
	token       *quota.Token
	tracker     *quota.Tracker
	onBytes     func(up, down int64)
}

// relay pumps bytes both ways between client and target until EOF on
// either side, cancellation, an idle timeout, or a quota violation. It
// returns the totals and the terminating error (nil on clean EOF).
// Whichever half finishes first closes both legs so the other half
// cannot stay parked in a blocked read.
func relay(parent context.Context, client, target io.ReadWriteCloser, cfg pipeConfig) (up, down int64, err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if cfg.bufSize <= 0 {
		cfg.bufSize = 32 * 1024
	}

	var (
		upBytes    atomic.Int64
		downBytes  atomic.Int64
		lastActive atomic.Int64
		quotaErr   atomic.Value
		teardown   func()
	)
	lastActive.Store(time.Now().UnixNano())

	account := func(u, d int64) {
		lastActive.Store(time.Now().UnixNano())
		upBytes.Add(u)
		downBytes.Add(d)
		if cfg.onBytes != nil {
			cfg.onBytes(u, d)
		}
		if cfg.tracker != nil && cfg.token != nil {
			if qerr := cfg.tracker.RecordBytes(cfg.token, u, d); qerr != nil {
				quotaErr.Store(qerr)
				teardown()
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var (
		closeOnce sync.Once
		torn      atomic.Bool
	)
	teardown = func() {
		torn.Store(true)
		cancel()
		closeOnce.Do(func() {
			client.Close()
			target.Close()
		})
	}

	half := func(dst io.Writer, src io.Reader, report func(int64)) func() error {
		return func() error {
			err := pump(gctx, dst, src, cfg.bufSize, cfg.limiters, report)
			if torn.Load() {
				// the other half (or a policy signal) already tore the
				// relay down; this half's error is just the fallout
				err = nil
			}
			teardown()
			return err
		}
	}

	g.Go(half(target, client, func(n int64) { account(n, 0) }))
	g.Go(half(client, target, func(n int64) { account(0, n) }))

	var (
		idleErr error
		wg      sync.WaitGroup
	)
	if cfg.idleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idleErr = watchIdle(gctx, cfg, &lastActive, teardown)
		}()
	}

	werr := g.Wait()
	cancel()
	wg.Wait()

	up, down = upBytes.Load(), downBytes.Load()

	switch {
	case quotaErr.Load() != nil:
		return up, down, quotaErr.Load().(error)
	case idleErr != nil:
		return up, down, idleErr
	case werr != nil:
		return up, down, werr
	default:
		return up, down, parent.Err()
	}
}

// pump is one half-duplex copy: read up to bufSize, wait for throttle
// tokens, write, report. Cancellation is observed between operations.
func pump(ctx context.Context, dst io.Writer, src io.Reader, bufSize int, limiters []*rate.Limiter, report func(int64)) error {
	buf := make([]byte, bufSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			for _, l := range limiters {
				if l == nil {
					continue
				}
				if err := waitN(ctx, l, n); err != nil {
					return err
				}
			}

			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}

			report(int64(n))
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

// waitN waits for n tokens, splitting requests larger than the limiter's
// burst so arbitrary buffer sizes work with small caps.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	burst := l.Burst()
	if burst <= 0 {
		return nil
	}

	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := l.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func watchIdle(ctx context.Context, cfg pipeConfig, lastActive *atomic.Int64, teardown func()) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	warned := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			idle := time.Since(time.Unix(0, lastActive.Load()))

			if !warned && cfg.idleWarning > 0 && cfg.warn != nil && idle >= cfg.idleWarning {
				cfg.warn()
				warned = true
			}

			if idle >= cfg.idleTimeout {
				teardown()
				return errIdleTimeout
			}
		}
	}
}

// newLimiter builds a byte-per-second token bucket; zero or negative caps
// mean unlimited (nil limiter).
func newLimiter(bps int64) *rate.Limiter {
	if bps <= 0 {
		return nil
	}

	burst := int(bps)
	if burst < 32*1024 {
		burst = 32 * 1024
	}
	return rate.NewLimiter(rate.Limit(bps), burst)
}
