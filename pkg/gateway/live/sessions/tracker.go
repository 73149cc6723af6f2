// Package sessions tracks the interview sessions running in this process and
// bounds how many may run at once.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAtCapacity is returned by Admit when the concurrent-session bound is
// reached.
var ErrAtCapacity = errors.New("sessions: at capacity")

// Handle lets the tracker reach into a live session during shutdown.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
	// State reports the session's current lifecycle state name.
	State     func() string
	StartedAt time.Time
}

// Info is a point-in-time view of one tracked session.
type Info struct {
	SessionID string
	State     string
	StartedAt time.Time
}

type Tracker struct {
	slots *semaphore.Weighted
	max   int64

	mu       sync.Mutex
	sessions map[string]*trackedSession
	// idle is closed whenever no session is registered.
	idle chan struct{}
	// drain is set by BeginDrain; sessions registered afterwards are warned
	// on arrival. Once a draining Wait succeeds or CancelAll runs, late
	// sessions are cancelled instead.
	drain  *notice
	closed bool
}

type notice struct {
	code    string
	message string
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

// NewTracker returns a tracker admitting at most maxSessions concurrent
// sessions. maxSessions <= 0 disables the bound.
func NewTracker(maxSessions int) *Tracker {
	idle := make(chan struct{})
	close(idle)
	t := &Tracker{sessions: make(map[string]*trackedSession), idle: idle}
	if maxSessions > 0 {
		t.max = int64(maxSessions)
		t.slots = semaphore.NewWeighted(t.max)
	}
	return t
}

// Admit reserves a session slot without blocking. The returned release is
// safe to call more than once.
func (t *Tracker) Admit() (release func(), err error) {
	if t == nil || t.slots == nil {
		return func() {}, nil
	}
	if !t.slots.TryAcquire(1) {
		return nil, ErrAtCapacity
	}
	var once sync.Once
	return func() { once.Do(func() { t.slots.Release(1) }) }, nil
}

// Capacity returns the concurrent-session bound, or 0 when unbounded.
func (t *Tracker) Capacity() int {
	if t == nil {
		return 0
	}
	return int(t.max)
}

func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	old := t.sessions[sessionID]
	if len(t.sessions) == 0 {
		t.idle = make(chan struct{})
	}
	t.sessions[sessionID] = entry
	drain, closed := t.drain, t.closed
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	switch {
	case closed && h.Cancel != nil:
		h.Cancel()
	case drain != nil && h.Warn != nil:
		_ = h.Warn(drain.code, drain.message)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
			if len(t.sessions) == 0 {
				close(t.idle)
			}
		}
		t.mu.Unlock()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot lists tracked sessions, oldest first.
func (t *Tracker) Snapshot() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	states := make([]func() string, 0, len(t.sessions))
	for id, entry := range t.sessions {
		out = append(out, Info{SessionID: id, StartedAt: entry.handle.StartedAt})
		states = append(states, entry.handle.State)
	}
	t.mu.Unlock()

	for i, state := range states {
		if state != nil {
			out[i].State = state()
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry.handle.Warn != nil {
			warns = append(warns, entry.handle.Warn)
		}
	}
	t.mu.Unlock()

	for _, warn := range warns {
		if warn(code, message) == nil {
			sent++
		}
	}
	return sent
}

// BeginDrain warns every live session and every session registered from
// now on with code and message.
func (t *Tracker) BeginDrain(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	t.drain = &notice{code: code, message: message}
	t.mu.Unlock()
	return t.WarnAll(code, message)
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	if t.drain != nil {
		t.closed = true
	}
	for _, entry := range t.sessions {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
// It reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}

	for {
		t.mu.Lock()
		if len(t.sessions) == 0 {
			if t.drain != nil {
				t.closed = true
			}
			t.mu.Unlock()
			return true
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return false
		}
	}
}
