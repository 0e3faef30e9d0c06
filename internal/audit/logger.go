// Package audit records key-lifecycle operations to an append-only trail.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcomes recorded on entries.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is what callers report.
type Event struct {
	Operation string
	KeyID     string
	Version   uint32
	Actor     string
	Peer      string
	Err       error
	Metadata  map[string]string
}

// Entry is a recorded event.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Operation string            `json:"operation"`
	KeyID     string            `json:"key_id,omitempty"`
	Version   uint32            `json:"version,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Peer      string            `json:"peer,omitempty"`
	Outcome   string            `json:"outcome"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	KeyID     string
	Operation string
	Actor     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f Filter) match(e Entry) bool {
	switch {
	case f.KeyID != "" && e.KeyID != f.KeyID:
		return false
	case f.Operation != "" && e.Operation != f.Operation:
		return false
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	}
	return true
}

// Subscriber receives entries as they are recorded.
type Subscriber struct {
	C  chan Entry
	id string
}

// Logger is an async audit trail. Log never blocks the caller; entries are
// written, retained and fanned out by a background goroutine.
type Logger struct {
	entries chan Entry
	out     io.Writer
	retain  int
	now     func() time.Time

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	store       []Entry
	closed      bool

	done chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithRetention caps how many entries are kept in memory for Query.
func WithRetention(n int) Option {
	return func(l *Logger) { l.retain = n }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a logger with the given buffer size. Entries are
// written as JSON lines to out when it is non-nil.
func NewLogger(bufferSize int, out io.Writer, opts ...Option) *Logger {
	l := &Logger{
		entries:     make(chan Entry, bufferSize),
		out:         out,
		retain:      10000,
		now:         time.Now,
		subscribers: make(map[string]*Subscriber),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.processLoop()
	return l
}

// Log queues ev. If the buffer is full the entry is dropped with a warning.
func (l *Logger) Log(ev Event) {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		Operation: ev.Operation,
		KeyID:     ev.KeyID,
		Version:   ev.Version,
		Actor:     ev.Actor,
		Peer:      ev.Peer,
		Outcome:   OutcomeSuccess,
		Metadata:  ev.Metadata,
	}
	if ev.Err != nil {
		entry.Outcome = OutcomeFailure
		entry.Error = ev.Err.Error()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.entries <- entry:
	default:
		slog.Warn("audit log buffer full, dropping entry", "operation", ev.Operation, "key_id", ev.KeyID)
	}
}

// Subscribe creates a subscriber with a buffered channel. Slow subscribers
// miss entries rather than stall the logger. The channel is closed by
// Unsubscribe or Close.
func (l *Logger) Subscribe() *Subscriber {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &Subscriber{
		C:  make(chan Entry, 64),
		id: uuid.NewString(),
	}
	if l.closed {
		close(sub.C)
		return sub
	}
	l.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (l *Logger) Unsubscribe(sub *Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subscribers[sub.id]; !ok {
		return
	}
	delete(l.subscribers, sub.id)
	close(sub.C)
}

// Query returns retained entries matching f, newest first.
func (l *Logger) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []Entry
	for i := len(l.store) - 1; i >= 0; i-- {
		if !f.match(l.store[i]) {
			continue
		}
		results = append(results, l.store[i])
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
	}
	return results
}

// Close drains queued entries, closes every subscriber channel and stops
// the logger. Entries logged after Close are discarded. Safe to call twice.
func (l *Logger) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.entries)
	}
	l.mu.Unlock()
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, sub := range l.subscribers {
		close(sub.C)
		delete(l.subscribers, id)
	}
}

func (l *Logger) processLoop() {
	defer close(l.done)

	for entry := range l.entries {
		l.mu.Lock()
		l.store = append(l.store, entry)
		if l.retain > 0 && len(l.store) > l.retain {
			l.store = append(l.store[:0:0], l.store[len(l.store)-l.retain:]...)
		}
		l.mu.Unlock()

		if l.out != nil {
			data, err := json.Marshal(entry)
			if err != nil {
				slog.Error("audit marshal", "error", err)
				continue
			}
			fmt.Fprintf(l.out, "%s\n", data)
		}

		l.mu.RLock()
		for _, sub := range l.subscribers {
			select {
			case sub.C <- entry:
			default:
			}
		}
		l.mu.RUnlock()
	}
}
