package app

import (
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/domain"
)

// TimerKind separates the per-session timer families. A session has at
// most one pending timer of each kind.
type TimerKind int

const (
	TimerRecovery TimerKind = iota
	TimerBroadcast
	TimerVoiceRelease
)

type timerKey struct {
	sid  domain.SessionID
	kind TimerKind
}

// TimerRegistry centralizes every per-session scheduled task so the
// "at most one pending timer per session and kind" invariant holds in one
// place instead of across ad hoc fields.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{timers: make(map[timerKey]*time.Timer)}
}

// Arm schedules fn after d unless a timer of this kind is already pending
// for the session; re-arming while pending is a no-op and reports false.
// The entry is cleared before fn runs, so fn may re-arm.
func (r *TimerRegistry) Arm(sid domain.SessionID, kind TimerKind, d time.Duration, fn func()) bool {
	key := timerKey{sid: sid, kind: kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[key]; ok {
		return false
	}
	r.timers[key] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, key)
		r.mu.Unlock()
		fn()
	})
	return true
}

// Reset is the cancel-and-replace variant used for trailing debounces:
// the delay restarts on every call.
func (r *TimerRegistry) Reset(sid domain.SessionID, kind TimerKind, d time.Duration, fn func()) {
	key := timerKey{sid: sid, kind: kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, key)
		r.mu.Unlock()
		fn()
	})
}

// Pending reports whether a timer of the given kind is armed for the session.
func (r *TimerRegistry) Pending(sid domain.SessionID, kind TimerKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[timerKey{sid: sid, kind: kind}]
	return ok
}

func (r *TimerRegistry) Cancel(sid domain.SessionID, kind TimerKind) {
	key := timerKey{sid: sid, kind: kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

// CancelSession drops every pending timer belonging to the session.
func (r *TimerRegistry) CancelSession(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.timers {
		if key.sid == sid {
			t.Stop()
			delete(r.timers, key)
		}
	}
}

// CancelAll drops every pending timer. Used on full call teardown.
func (r *TimerRegistry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
}
