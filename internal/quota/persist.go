package quota

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const snapshotVersion = 1

type persistEntry struct {
	User         string `json:"user"`
	DayKey       string `json:"day_key"`
	MonthKey     string `json:"month_key"`
	DailyBytes   int64  `json:"daily_bytes"`
	MonthlyBytes int64  `json:"monthly_bytes"`
	MonthlyConns int64  `json:"monthly_conns"`
}

type persistFile struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Entries []persistEntry `json:"entries"`
}

type persister struct {
	path     string
	interval time.Duration
	dirty    atomic.Bool
}

// EnablePersistence arms the write-behind snapshot and restores counters
// from a previous run. Persistence is best-effort; it never blocks the
// data path.
func (t *Tracker) EnablePersistence(path string, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t.persist = &persister{path: path, interval: interval}
	return t.restore()
}

func (t *Tracker) markDirty() {
	if t.persist != nil {
		t.persist.dirty.Store(true)
	}
}

func (t *Tracker) restore() error {
	data, err := os.ReadFile(t.persist.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var f persistFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Version != snapshotVersion {
		log.Warnf("ignoring quota snapshot with version %d", f.Version)
		return nil
	}

	now := t.now()
	for _, e := range f.Entries {
		c := t.cell(e.User, nil)

		c.mu.Lock()
		// Stale day/month keys mean the boundary passed while we were
		// down; those totals start fresh.
		if e.DayKey == dayKey(now, c.loc) {
			c.dayKey = e.DayKey
			c.dailyBytes = e.DailyBytes
		}
		if e.MonthKey == monthKey(now, c.loc) {
			c.monthKey = e.MonthKey
			c.monthlyBytes = e.MonthlyBytes
			c.monthlyConns = e.MonthlyConns
		}
		c.mu.Unlock()
	}

	log.Infof("restored quota snapshot: %d users", len(f.Entries))
	return nil
}

// Flush writes the snapshot atomically via temp-file + rename.
func (t *Tracker) Flush() error {
	if t.persist == nil {
		return nil
	}

	f := persistFile{Version: snapshotVersion, SavedAt: t.now()}

	t.mu.Lock()
	users := make(map[string]*cell, len(t.cells))
	for u, c := range t.cells {
		users[u] = c
	}
	t.mu.Unlock()

	for u, c := range users {
		c.mu.Lock()
		f.Entries = append(f.Entries, persistEntry{
			User:         u,
			DayKey:       c.dayKey,
			MonthKey:     c.monthKey,
			DailyBytes:   c.dailyBytes,
			MonthlyBytes: c.monthlyBytes,
			MonthlyConns: c.monthlyConns,
		})
		c.mu.Unlock()
	}

	data, err := json.Marshal(&f)
	if err != nil {
		return err
	}

	dir := filepath.Dir(t.persist.path)
	tmp, err := os.CreateTemp(dir, ".quota-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), t.persist.path)
}

// Run flushes dirty counters on the configured interval and once more on
// shutdown.
func (t *Tracker) Run(ctx context.Context) {
	if t.persist == nil {
		<-ctx.Done()
		return
	}

	tick := time.NewTicker(t.persist.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := t.Flush(); err != nil {
				log.Errorf("final quota flush failed: %v", err)
			}
			return
		case <-tick.C:
			if !t.persist.dirty.Swap(false) {
				continue
			}
			if err := t.Flush(); err != nil {
				log.Errorf("quota flush failed: %v", err)
			}
		}
	}
}
