// Package countdown provides the per-user countdown registry that bounds a
// paid dialogue. At most one countdown is in flight per user.
package countdown

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrTimerExists is returned by Start when the user already has a countdown.
var ErrTimerExists = errors.New("countdown already running for user")

// ExpireFunc is invoked on its own goroutine when a countdown fires. The
// callee must pass gen to Claim while holding its per-user lock; a false
// result means the countdown was cancelled first and the expiry is void.
type ExpireFunc func(userID string, gen uint64)

// entry tracks one in-flight countdown
type entry struct {
	timer     *time.Timer
	startedAt time.Time
	expiresAt time.Time
	gen       uint64
}

// Info describes an in-flight countdown.
type Info struct {
	UserID    string        `json:"user_id"`
	StartedAt time.Time     `json:"started_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Remaining time.Duration `json:"remaining"`
}

// Registry holds the in-memory countdowns keyed by user id.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	slog.Debug("Creating countdown Registry")
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Start begins a countdown of d for the user.
func (r *Registry) Start(userID string, d time.Duration, onExpire ExpireFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[userID]; exists {
		slog.Error("Registry.Start: countdown already running", "user", userID)
		return ErrTimerExists
	}
	r.nextGen++
	gen := r.nextGen
	now := r.now()
	e := &entry{startedAt: now, expiresAt: now.Add(d), gen: gen}
	e.timer = time.AfterFunc(d, func() {
		slog.Debug("Registry: countdown fired", "user", userID, "gen", gen)
		onExpire(userID, gen)
	})
	r.entries[userID] = e
	slog.Debug("Registry.Start succeeded", "user", userID, "duration", d, "gen", gen)
	return nil
}

// Remaining returns the time left for the user, or 0 when no countdown is
// in flight or it has already fired.
func (r *Registry) Remaining(userID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return 0
	}
	return r.remainingLocked(e)
}

// Has reports whether a countdown entry exists for the user.
func (r *Registry) Has(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[userID]
	return ok
}

// Cancel stops the user's countdown and returns the time that was left.
// Cancelling an unknown or already-fired countdown returns 0.
func (r *Registry) Cancel(userID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		slog.Debug("Registry.Cancel: no countdown", "user", userID)
		return 0
	}
	e.timer.Stop()
	delete(r.entries, userID)
	remaining := r.remainingLocked(e)
	slog.Debug("Registry.Cancel succeeded", "user", userID, "remaining", remaining)
	return remaining
}

// Claim removes the entry for a fired countdown if it is still current.
func (r *Registry) Claim(userID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.gen != gen {
		slog.Debug("Registry.Claim: stale expiry discarded", "user", userID, "gen", gen)
		return false
	}
	delete(r.entries, userID)
	return true
}

// StopAll cancels every countdown and returns how many were stopped.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	for _, e := range r.entries {
		e.timer.Stop()
	}
	r.entries = make(map[string]*entry)
	slog.Info("Registry stopped all countdowns", "count", n)
	return n
}

// Active lists in-flight countdowns ordered by expiry.
func (r *Registry) Active() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Info{
			UserID:    id,
			StartedAt: e.startedAt,
			ExpiresAt: e.expiresAt,
			Remaining: r.remainingLocked(e),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

func (r *Registry) remainingLocked(e *entry) time.Duration {
	rem := e.expiresAt.Sub(r.now())
	if rem < 0 {
		return 0
	}
	return rem
}

// MenuBucket maps remaining time to the whole-minute bucket shown in the
// remaining-time menu. Anything at or above an hour collapses into one bucket.
func MenuBucket(remaining time.Duration) (minutes int, over bool) {
	m := int(remaining / time.Minute)
	if m >= 60 {
		return 60, true
	}
	if m < 0 {
		m = 0
	}
	return m, false
}

// SplitMinutes splits seconds into whole minutes and leftover seconds.
func SplitMinutes(seconds int) (minutes, secs int) {
	if seconds < 0 {
		seconds = 0
	}
	return seconds / 60, seconds % 60
}
