// Package escalation owns the supervised session's safety state and the
// interventions issued when it rises. The state only moves upward:
// nominal, throttled, isolated, terminated. Terminated is absorbing.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sentinelguard/sentinel/internal/event"
	"github.com/sentinelguard/sentinel/internal/vitals"
)

var (
	// ErrIsolationFailed wraps a NetworkIsolator error. Non-fatal: the state
	// remains isolated.
	ErrIsolationFailed = errors.New("network isolation failed")

	// ErrTerminationFailed wraps a ProcessTerminator error.
	ErrTerminationFailed = errors.New("process termination failed")

	// ErrNoTarget is reported when termination is required before any pid
	// has been attached.
	ErrNoTarget = errors.New("no target process attached")
)

// State is the session's escalation level.
type State int

const (
	Nominal State = iota
	Throttled
	Isolated
	Terminated
)

func (s State) String() string {
	switch s {
	case Nominal:
		return "nominal"
	case Throttled:
		return "throttled"
	case Isolated:
		return "isolated"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NetworkIsolator cuts the agent off from the network.
type NetworkIsolator interface {
	Isolate(ctx context.Context) error
}

// ProcessTerminator stops the agent process. ForceKill is the harsher
// retry used when Terminate fails.
type ProcessTerminator interface {
	Terminate(ctx context.Context, pid int32) error
	ForceKill(ctx context.Context, pid int32) error
}

// Controller serializes every escalation trigger behind one mutex. State
// changes and their events are committed under the lock; isolation and
// termination calls run after it is released.
type Controller struct {
	isolator   NetworkIsolator
	terminator ProcessTerminator
	sink       event.Sink
	logger     *slog.Logger

	mu              sync.Mutex
	state           State
	pid             int32
	attached        bool
	isolateIssued   bool
	terminateIssued bool
	reason          string

	done chan struct{}
}

// New creates a Controller in the nominal state. A nil isolator or
// terminator makes the corresponding intervention a no-op; a nil sink
// discards events.
func New(isolator NetworkIsolator, terminator ProcessTerminator, sink event.Sink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = event.Discard
	}
	return &Controller{
		isolator:   isolator,
		terminator: terminator,
		sink:       sink,
		logger:     logger.With("component", "escalation.Controller"),
		done:       make(chan struct{}),
	}
}

// Attach sets the pid that termination targets.
func (c *Controller) Attach(pid int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pid = pid
	c.attached = true
	c.logger.Info("target attached", "pid", pid)
}

// Pid returns the attached pid, or 0.
func (c *Controller) Pid() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns the reason recorded with the most recent transition.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed once the session is terminated and the termination
// attempt has finished.
func (c *Controller) Done() <-chan struct{} { return c.done }

// OnActionAdmitted records an admission for audit. It never changes state.
func (c *Controller) OnActionAdmitted(action string, inWindow, maxActions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink.Emit(event.Event{
		Kind:     event.KindActionAdmitted,
		Severity: event.SeverityInfo,
		Reason:   fmt.Sprintf("action permitted (%d/%d)", inWindow, maxActions),
		Action:   action,
		Fields: map[string]any{
			"in_window":   inWindow,
			"max_actions": maxActions,
		},
	})
}

// OnThrottleDenied records a denial and moves nominal to throttled.
func (c *Controller) OnThrottleDenied(action string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sink.Emit(event.Event{
		Kind:     event.KindActionDenied,
		Severity: event.SeverityWarning,
		Reason:   "rate limit exceeded; cool-down enforced to prevent cascading failure",
		Action:   action,
	})
	if c.state == Nominal {
		c.transitionLocked(Throttled, "TEMPORAL BLOCK: agent attempting too many changes", "")
	}
	return c.state
}

// OnVitalsVerdict escalates on an unsafe verdict. A network violation
// isolates; every other violation terminates. Safe verdicts never lower the
// state.
func (c *Controller) OnVitalsVerdict(ctx context.Context, v vitals.Verdict) State {
	if v.IsSafe() {
		return c.State()
	}

	c.mu.Lock()
	if c.state == Terminated {
		state := c.state
		c.mu.Unlock()
		return state
	}

	sev := event.SeverityCritical
	if v.Dimension == vitals.DimensionNetwork {
		sev = event.SeverityWarning
	}
	c.sink.Emit(event.Event{
		Kind:      event.KindVerdict,
		Severity:  sev,
		Reason:    v.Detail,
		Dimension: string(v.Dimension),
	})

	if v.Dimension == vitals.DimensionNetwork {
		if c.state >= Isolated {
			state := c.state
			c.mu.Unlock()
			return state
		}
		c.transitionLocked(Isolated, v.Detail, string(v.Dimension))
		first := !c.isolateIssued
		c.isolateIssued = true
		c.mu.Unlock()

		if first {
			c.isolate(ctx, v.Detail)
		}
		return Isolated
	}

	return c.terminateLocked(ctx, v.Detail, string(v.Dimension))
}

// OnOperatorKill terminates the session at an operator's request.
func (c *Controller) OnOperatorKill(ctx context.Context, reason, source string) State {
	c.mu.Lock()
	if c.state == Terminated {
		c.mu.Unlock()
		return Terminated
	}
	c.sink.Emit(event.Event{
		Kind:     event.KindKillSwitch,
		Severity: event.SeverityCritical,
		Reason:   reason,
		Fields:   map[string]any{"source": source},
	})
	return c.terminateLocked(ctx, "operator kill switch: "+reason, "")
}

// terminateLocked commits the terminated state and releases c.mu before
// issuing the termination. c.mu must be held on entry.
func (c *Controller) terminateLocked(ctx context.Context, reason, dimension string) State {
	c.transitionLocked(Terminated, reason, dimension)
	first := !c.terminateIssued
	c.terminateIssued = true
	pid, attached := c.pid, c.attached
	c.mu.Unlock()

	if first {
		c.terminate(context.WithoutCancel(ctx), pid, attached, reason)
		close(c.done)
	}
	return Terminated
}

func (c *Controller) transitionLocked(to State, reason, dimension string) {
	from := c.state
	c.state = to
	c.reason = reason

	sev := event.SeverityWarning
	if to == Terminated {
		sev = event.SeverityCritical
	}
	c.sink.Emit(event.Event{
		Kind:      event.KindTransition,
		Severity:  sev,
		Reason:    reason,
		From:      from.String(),
		To:        to.String(),
		Dimension: dimension,
	})
}

func (c *Controller) isolate(ctx context.Context, reason string) {
	if c.isolator == nil {
		return
	}
	if err := c.isolator.Isolate(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrIsolationFailed, err)
		c.sink.Emit(event.Event{
			Kind:     event.KindInterventionFailed,
			Severity: event.SeverityWarning,
			Reason:   err.Error(),
			Fields:   map[string]any{"intervention": "isolate"},
		})
		return
	}
	c.sink.Emit(event.Event{
		Kind:     event.KindIsolate,
		Severity: event.SeverityWarning,
		Reason:   "NETWORK ISOLATION TRIGGERED: " + reason,
	})
}

func (c *Controller) terminate(ctx context.Context, pid int32, attached bool, reason string) {
	if c.terminator == nil {
		return
	}
	if !attached {
		c.sink.Emit(event.Event{
			Kind:     event.KindInterventionFailed,
			Severity: event.SeverityCritical,
			Reason:   fmt.Errorf("%w: %w", ErrTerminationFailed, ErrNoTarget).Error(),
			Fields:   map[string]any{"intervention": "terminate"},
		})
		return
	}

	err := c.terminator.Terminate(ctx, pid)
	if err == nil || errors.Is(err, vitals.ErrProcessNotFound) {
		c.terminated(pid, reason, false)
		return
	}

	c.sink.Emit(event.Event{
		Kind:     event.KindInterventionFailed,
		Severity: event.SeverityCritical,
		Reason:   fmt.Errorf("%w: %w", ErrTerminationFailed, err).Error(),
		Fields:   map[string]any{"intervention": "terminate", "pid": pid},
	})

	err = c.terminator.ForceKill(ctx, pid)
	if err == nil || errors.Is(err, vitals.ErrProcessNotFound) {
		c.terminated(pid, reason, true)
		return
	}
	c.sink.Emit(event.Event{
		Kind:     event.KindInterventionFailed,
		Severity: event.SeverityCritical,
		Reason:   fmt.Errorf("%w after force kill: %w", ErrTerminationFailed, err).Error(),
		Fields:   map[string]any{"intervention": "force_kill", "pid": pid},
	})
}

func (c *Controller) terminated(pid int32, reason string, forced bool) {
	c.sink.Emit(event.Event{
		Kind:     event.KindTerminate,
		Severity: event.SeverityCritical,
		Reason:   "SYSTEM KILL-SWITCH ACTIVATED: " + reason,
		Fields:   map[string]any{"pid": pid, "forced": forced},
	})
}
