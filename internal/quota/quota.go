// Package quota enforces per-user bandwidth and connection budgets:
// concurrent connections, a rolling hour of bytes at minute granularity,
// and daily/monthly totals that reset at the user's local boundaries.
package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sshwarden/sshwarden/internal/policy"
)

// Reason identifies which budget a denial or violation hit.
type Reason string

const (
	ReasonConcurrent   Reason = "max_connections"
	ReasonHourlyBytes  Reason = "bytes_per_hour"
	ReasonDailyBytes   Reason = "daily_bytes"
	ReasonMonthlyBytes Reason = "monthly_bytes"
	ReasonMonthlyConns Reason = "monthly_connections"
)

// Error is returned by Reserve and RecordBytes on an exhausted budget.
type Error struct {
	User   string
	Reason Reason
}

func (e *Error) Error() string {
	return fmt.Sprintf("quota exhausted for %s: %s", e.User, e.Reason)
}

// IsExhausted reports whether err is a quota violation.
func IsExhausted(err error) bool {
	var qe *Error
	return errors.As(err, &qe)
}

type cell struct {
	mu sync.Mutex

	loc *time.Location

	concurrent int

	minBase int64 // unix minute of mins[minBase%60]
	mins    [60]int64

	dayKey     string
	dailyBytes int64

	monthKey     string
	monthlyBytes int64
	monthlyConns int64
}

func dayKey(t time.Time, loc *time.Location) string   { return t.In(loc).Format("2006-01-02") }
func monthKey(t time.Time, loc *time.Location) string { return t.In(loc).Format("2006-01") }

// roll switches window epochs when a boundary passed. Caller holds c.mu.
func (c *cell) roll(now time.Time) {
	min := now.Unix() / 60
	if c.minBase == 0 || min-c.minBase >= 60 {
		c.mins = [60]int64{}
		c.minBase = min
	}
	for c.minBase < min {
		c.minBase++
		c.mins[c.minBase%60] = 0
	}

	if dk := dayKey(now, c.loc); dk != c.dayKey {
		c.dayKey = dk
		c.dailyBytes = 0
	}
	if mk := monthKey(now, c.loc); mk != c.monthKey {
		c.monthKey = mk
		c.monthlyBytes = 0
		c.monthlyConns = 0
	}
}

func (c *cell) hourBytes() int64 {
	var sum int64
	for _, v := range c.mins {
		sum += v
	}
	return sum
}

// Token represents one reserved connection slot.
type Token struct {
	user   string
	cell   *cell
	limits policy.Limits

	mu       sync.Mutex
	released bool
}

// Usage is the snapshot handed to the dashboard boundary.
type Usage struct {
	User         string `json:"user"`
	Concurrent   int    `json:"concurrent"`
	HourBytes    int64  `json:"hour_bytes"`
	DailyBytes   int64  `json:"daily_bytes"`
	MonthlyBytes int64  `json:"monthly_bytes"`
	MonthlyConns int64  `json:"monthly_conns"`
}

// Tracker owns every user's counters.
type Tracker struct {
	mu    sync.Mutex
	cells map[string]*cell
	now   func() time.Time

	persist *persister
}

func NewTracker() *Tracker {
	return &Tracker{cells: map[string]*cell{}, now: time.Now}
}

func (t *Tracker) cell(user string, loc *time.Location) *cell {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.cells[user]
	if c == nil {
		if loc == nil {
			loc = time.UTC
		}
		c = &cell{loc: loc}
		t.cells[user] = c
	}
	return c
}

// Reserve admits a new connection for user or denies with the exhausted
// budget. On success the returned token must eventually be Released.
func (t *Tracker) Reserve(user *policy.ResolvedUser) (*Token, error) {
	c := t.cell(user.Name, user.Location())
	lim := user.Limits
	now := t.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// cells restored from a snapshot may predate knowing the user's zone
	c.loc = user.Location()
	c.roll(now)

	if lim.MaxConnections > 0 && c.concurrent >= lim.MaxConnections {
		return nil, &Error{User: user.Name, Reason: ReasonConcurrent}
	}
	if lim.MonthlyConns > 0 && c.monthlyConns >= lim.MonthlyConns {
		return nil, &Error{User: user.Name, Reason: ReasonMonthlyConns}
	}
	if lim.BytesPerHour > 0 && c.hourBytes() >= lim.BytesPerHour {
		return nil, &Error{User: user.Name, Reason: ReasonHourlyBytes}
	}
	if lim.DailyBytes > 0 && c.dailyBytes >= lim.DailyBytes {
		return nil, &Error{User: user.Name, Reason: ReasonDailyBytes}
	}
	if lim.MonthlyBytes > 0 && c.monthlyBytes >= lim.MonthlyBytes {
		return nil, &Error{User: user.Name, Reason: ReasonMonthlyBytes}
	}

	c.concurrent++
	c.monthlyConns++
	t.markDirty()

	return &Token{user: user.Name, cell: c, limits: lim}, nil
}

// RecordBytes commits transferred bytes against the token's budgets and
// reports a violation once a budget is exceeded. The caller must cancel
// the owning connection on violation.
func (t *Tracker) RecordBytes(tok *Token, up, down int64) error {
	n := up + down
	if n <= 0 {
		return nil
	}

	c := tok.cell
	now := t.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.roll(now)
	c.mins[c.minBase%60] += n
	c.dailyBytes += n
	c.monthlyBytes += n
	t.markDirty()

	lim := tok.limits
	switch {
	case lim.DailyBytes > 0 && c.dailyBytes > lim.DailyBytes:
		return &Error{User: tok.user, Reason: ReasonDailyBytes}
	case lim.MonthlyBytes > 0 && c.monthlyBytes > lim.MonthlyBytes:
		return &Error{User: tok.user, Reason: ReasonMonthlyBytes}
	case lim.BytesPerHour > 0 && c.hourBytes() > lim.BytesPerHour:
		return &Error{User: tok.user, Reason: ReasonHourlyBytes}
	}
	return nil
}

// Release frees the concurrent slot. Safe to call more than once.
func (t *Tracker) Release(tok *Token) {
	if tok == nil {
		return
	}

	tok.mu.Lock()
	if tok.released {
		tok.mu.Unlock()
		return
	}
	tok.released = true
	tok.mu.Unlock()

	tok.cell.mu.Lock()
	if tok.cell.concurrent > 0 {
		tok.cell.concurrent--
	}
	tok.cell.mu.Unlock()
}

// Snapshot returns current usage for one user.
func (t *Tracker) Snapshot(user string) Usage {
	t.mu.Lock()
	c := t.cells[user]
	t.mu.Unlock()

	if c == nil {
		return Usage{User: user}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.roll(t.now())
	return Usage{
		User:         user,
		Concurrent:   c.concurrent,
		HourBytes:    c.hourBytes(),
		DailyBytes:   c.dailyBytes,
		MonthlyBytes: c.monthlyBytes,
		MonthlyConns: c.monthlyConns,
	}
}

// Usages lists usage for every tracked user.
func (t *Tracker) Usages() []Usage {
	t.mu.Lock()
	users := make([]string, 0, len(t.cells))
	for u := range t.cells {
		users = append(users, u)
	}
	t.mu.Unlock()

	out := make([]Usage, 0, len(users))
	for _, u := range users {
		out = append(out, t.Snapshot(u))
	}
	return out
}

// Reset clears accumulated byte and connection counters for a user
// (admin action); concurrent count is left alone.
func (t *Tracker) Reset(user string) {
	t.mu.Lock()
	c := t.cells[user]
	t.mu.Unlock()

	if c == nil {
		return
	}

	c.mu.Lock()
	c.mins = [60]int64{}
	c.dailyBytes = 0
	c.monthlyBytes = 0
	c.monthlyConns = 0
	c.mu.Unlock()
	t.markDirty()
}
