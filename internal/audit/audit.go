// Package audit writes one JSON object per line for every security
// relevant event, rotating the file at a size threshold.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event is a single audit record. Field order in the encoded output
// follows struct order.
type Event struct {
	TS         time.Time `json:"ts"`
	Event      string    `json:"event"`
	User       string    `json:"user,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Dst        string    `json:"dst,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	BytesUp    int64     `json:"bytes_up,omitempty"`
	BytesDown  int64     `json:"bytes_down,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Session    string    `json:"session,omitempty"`
}

// Logger serializes events through a bounded buffer onto a rotating file.
// Emit never blocks the caller; under sustained overload events are
// dropped and counted.
type Logger struct {
	path     string
	maxBytes int64

	ch      chan Event
	dropped int64

	mu   sync.Mutex
	f    *os.File
	size int64

	done chan struct{}
}

func NewLogger(path string, maxBytes int64) (*Logger, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}

	l := &Logger{
		path:     path,
		maxBytes: maxBytes,
		ch:       make(chan Event, 1024),
		done:     make(chan struct{}),
	}

	if path != "" {
		if err := l.open(); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	l.f = f
	l.size = fi.Size()
	return nil
}

// Emit enqueues an event; the ts field is stamped here if unset.
func (l *Logger) Emit(e Event) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}

	select {
	case l.ch <- e:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	}
}

func (l *Logger) write(e Event) {
	data, err := json.Marshal(&e)
	if err != nil {
		log.Errorf("audit marshal: %v", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return
	}

	if l.size+int64(len(data)) > l.maxBytes {
		if err := l.rotateLocked(); err != nil {
			log.Errorf("audit rotate: %v", err)
		}
	}

	n, err := l.f.Write(data)
	if err != nil {
		log.Errorf("audit write: %v", err)
		return
	}
	l.size += int64(n)
}

func (l *Logger) rotateLocked() error {
	if err := l.f.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(l.path, rotated); err != nil {
		return err
	}

	return l.open()
}

// Run drains the buffer until ctx is done, then flushes what is queued.
func (l *Logger) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case e := <-l.ch:
			l.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-l.ch:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

// Close waits for the writer to stop and closes the file.
func (l *Logger) Close() error {
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dropped > 0 {
		log.Warnf("audit log dropped %d events under load", l.dropped)
	}

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
