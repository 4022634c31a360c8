// Package throttle implements the temporal admission gate: a sliding window
// of timestamps of admitted impactful actions. It prevents an agent from
// firing a burst of global changes faster than a human can react.
package throttle

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAdmissionDenied is returned by outer surfaces (HTTP, CLI) when the
// window is full. The caller must back off or ask for human review.
var ErrAdmissionDenied = errors.New("admission denied: rate limit exceeded")

// Config bounds admissions to MaxActions per Window.
type Config struct {
	MaxActions int
	Window     time.Duration
}

// Throttle is safe for concurrent use. Timestamps are kept oldest first and
// evicted lazily on each Admit.
type Throttle struct {
	cfg Config

	mu         sync.Mutex
	timestamps []time.Time

	logger *slog.Logger
}

// New creates a Throttle. A negative MaxActions is treated as zero, which
// denies everything.
func New(cfg Config, logger *slog.Logger) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxActions < 0 {
		cfg.MaxActions = 0
	}
	return &Throttle{
		cfg:        cfg,
		timestamps: make([]time.Time, 0, cfg.MaxActions),
		logger:     logger.With("component", "throttle.Throttle"),
	}
}

// Config returns the immutable configuration.
func (t *Throttle) Config() Config { return t.cfg }

// Admit decides whether the action may proceed at now. The window is the
// half-open interval (now-Window, now]: an entry exactly Window old has
// expired. A denied request records nothing.
func (t *Throttle) Admit(now time.Time, action string) bool {
	_, ok := t.AdmitCount(now, action)
	return ok
}

// AdmitCount is Admit that also reports the number of entries in the window
// at decision time, including the new one when admitted.
func (t *Throttle) AdmitCount(now time.Time, action string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A caller that read the clock before losing the race for the lock may
	// hand us a time older than the newest entry; keep the slice sorted.
	if n := len(t.timestamps); n > 0 && now.Before(t.timestamps[n-1]) {
		now = t.timestamps[n-1]
	}

	t.evictLocked(now)

	count := len(t.timestamps)
	if count >= t.cfg.MaxActions {
		t.logger.Warn("TEMPORAL BLOCK: agent attempting too many changes",
			"action", action,
			"in_window", count,
			"max_actions", t.cfg.MaxActions,
			"window", t.cfg.Window.String(),
		)
		return count, false
	}

	t.timestamps = append(t.timestamps, now)
	t.logger.Info("action permitted",
		"action", action,
		"in_window", count+1,
		"max_actions", t.cfg.MaxActions,
	)
	return count + 1, true
}

// InWindow reports how many admitted actions fall inside the window ending at
// now, evicting expired entries.
func (t *Throttle) InWindow(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked(now)
	return len(t.timestamps)
}

// Snapshot returns a copy of the retained timestamps, oldest first.
func (t *Throttle) Snapshot() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, len(t.timestamps))
	copy(out, t.timestamps)
	return out
}

// evictLocked drops every entry at or before now-Window. Must be called
// with t.mu held.
func (t *Throttle) evictLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.Window)
	i := 0
	for i < len(t.timestamps) && !t.timestamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	// Shift left in place, reusing the backing array.
	n := copy(t.timestamps, t.timestamps[i:])
	clear(t.timestamps[n:])
	t.timestamps = t.timestamps[:n]
}
