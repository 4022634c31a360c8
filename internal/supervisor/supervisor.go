// Package supervisor composes the temporal throttle, the vitals evaluator and
// the escalation controller into the sidecar that guards one agent process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelguard/sentinel/internal/clock"
	"github.com/sentinelguard/sentinel/internal/escalation"
	"github.com/sentinelguard/sentinel/internal/policy"
	"github.com/sentinelguard/sentinel/internal/throttle"
	"github.com/sentinelguard/sentinel/internal/vitals"
)

// ErrAlreadyRunning is returned by RunSidecar when a poll loop is active.
var ErrAlreadyRunning = errors.New("supervisor: sidecar already running")

// Config controls the poll loop.
type Config struct {
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns a 1s cadence with a 750ms probe budget.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		ProbeTimeout: 750 * time.Millisecond,
	}
}

// ProbeObserver receives the wall-clock duration of every metrics probe.
type ProbeObserver interface {
	ObserveProbe(d time.Duration)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithClassifier routes only impactful actions through the throttle.
func WithClassifier(c *policy.Classifier) Option {
	return func(s *Supervisor) { s.classifier = c }
}

// WithProbeObserver reports probe latency, typically to Prometheus.
func WithProbeObserver(o ProbeObserver) Option {
	return func(s *Supervisor) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// Status is a point-in-time view for the status API.
type Status struct {
	State        string           `json:"state"`
	Reason       string           `json:"reason,omitempty"`
	Pid          int32            `json:"pid"`
	Running      bool             `json:"running"`
	InWindow     int              `json:"in_window"`
	MaxActions   int              `json:"max_actions"`
	Window       string           `json:"window"`
	LastVerdict  vitals.Verdict   `json:"last_verdict"`
	LastSnapshot *vitals.Snapshot `json:"last_snapshot,omitempty"`
	LastPoll     time.Time        `json:"last_poll,omitempty"`
	Polls        uint64           `json:"polls"`
}

// Supervisor is safe for concurrent use: any number of goroutines may call
// RequestAction while one RunSidecar loop polls.
type Supervisor struct {
	cfg        Config
	clock      clock.Clock
	throttle   *throttle.Throttle
	evaluator  *vitals.Evaluator
	provider   vitals.Provider
	controller *escalation.Controller
	classifier *policy.Classifier
	observer   ProbeObserver
	logger     *slog.Logger

	running atomic.Bool
	polls   atomic.Uint64

	mu           sync.RWMutex
	lastVerdict  vitals.Verdict
	lastSnapshot *vitals.Snapshot
	lastPoll     time.Time
}

// New creates a Supervisor. Non-positive durations in cfg fall back to
// DefaultConfig.
func New(cfg Config, th *throttle.Throttle, ev *vitals.Evaluator, provider vitals.Provider, ctrl *escalation.Controller, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	s := &Supervisor{
		cfg:        cfg,
		clock:      clock.System{},
		throttle:   th,
		evaluator:  ev,
		provider:   provider,
		controller: ctrl,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor.Supervisor")
	return s
}

// Controller returns the escalation controller.
func (s *Supervisor) Controller() *escalation.Controller { return s.controller }

// RequestAction asks permission for an impactful action. An empty name is
// treated as policy.DefaultAction. After termination every request is
// denied.
func (s *Supervisor) RequestAction(action string) bool {
	return s.Request(action) == nil
}

// Request is RequestAction returning throttle.ErrAdmissionDenied on denial.
func (s *Supervisor) Request(action string) error {
	if action == "" {
		action = policy.DefaultAction
	}

	if s.controller.State() == escalation.Terminated {
		s.logger.Warn("action denied: session terminated", "action", action)
		return fmt.Errorf("%w: session terminated", throttle.ErrAdmissionDenied)
	}

	if s.classifier != nil && !s.classifier.IsImpactful(action) {
		s.logger.Debug("action not impactful, bypassing throttle", "action", action)
		return nil
	}

	inWindow, ok := s.throttle.AdmitCount(s.clock.Now(), action)
	if !ok {
		s.controller.OnThrottleDenied(action)
		return fmt.Errorf("%w: cool-down enforced to prevent cascading failure", throttle.ErrAdmissionDenied)
	}
	s.controller.OnActionAdmitted(action, inWindow, s.throttle.Config().MaxActions)
	return nil
}

// RunSidecar attaches to pid and polls its vitals until the session is
// terminated and the termination attempt has finished (returns nil) or ctx
// is canceled (returns ctx.Err()).
// Cancellation never terminates the agent.
func (s *Supervisor) RunSidecar(ctx context.Context, pid int32) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.controller.Attach(pid)
	s.logger.Info("sidecar started",
		"pid", pid,
		"poll_interval", s.cfg.PollInterval.String(),
		"probe_timeout", s.cfg.ProbeTimeout.String(),
	)

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if s.controller.State() == escalation.Terminated {
			// Another goroutine may still be issuing the termination.
			select {
			case <-s.controller.Done():
			case <-ctx.Done():
				s.logger.Info("sidecar stopped: context canceled during termination")
				return ctx.Err()
			}
			s.logger.Info("sidecar stopped: session terminated", "reason", s.controller.Reason())
			return nil
		}

		s.PollOnce(ctx)
		if s.controller.State() == escalation.Terminated {
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sidecar stopped: context canceled")
			return ctx.Err()
		case <-s.controller.Done():
		case <-ticker.C():
		}
	}
}

// PollOnce samples, evaluates and reports one verdict. A canceled ctx skips
// the report and returns Safe.
func (s *Supervisor) PollOnce(ctx context.Context) vitals.Verdict {
	if ctx.Err() != nil {
		return vitals.Safe
	}

	pid := s.controller.Pid()
	start := time.Now()
	snap, err := s.sample(ctx, pid)
	if s.observer != nil {
		s.observer.ObserveProbe(time.Since(start))
	}
	if ctx.Err() != nil {
		return vitals.Safe
	}

	var v vitals.Verdict
	if err != nil {
		if !errors.Is(err, vitals.ErrProcessNotFound) && !errors.Is(err, vitals.ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %w", vitals.ErrProviderUnavailable, err)
		}
		v = vitals.FromError(err)
		s.logger.Error("metrics probe failed", "pid", pid, "error", err)
	} else {
		v = s.evaluator.Evaluate(snap)
	}

	s.polls.Add(1)
	s.mu.Lock()
	s.lastVerdict = v
	s.lastSnapshot = snap
	s.lastPoll = s.clock.Now()
	s.mu.Unlock()

	if !v.IsSafe() {
		s.logger.Warn("unsafe vitals", "pid", pid, "dimension", string(v.Dimension), "detail", v.Detail)
	}
	s.controller.OnVitalsVerdict(ctx, v)
	return v
}

type sampleResult struct {
	snap *vitals.Snapshot
	err  error
}

// sample bounds the provider by the probe timeout even if it ignores ctx.
func (s *Supervisor) sample(ctx context.Context, pid int32) (*vitals.Snapshot, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	ch := make(chan sampleResult, 1)
	go func() {
		snap, err := s.provider.Sample(pctx, pid)
		ch <- sampleResult{snap, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.snap == nil {
			return nil, vitals.ErrProcessNotFound
		}
		return r.snap, r.err
	case <-pctx.Done():
		return nil, fmt.Errorf("%w: %w", vitals.ErrProviderUnavailable, pctx.Err())
	}
}

// Status reports the current state, throttle usage and last verdict.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	v, snap, last := s.lastVerdict, s.lastSnapshot, s.lastPoll
	s.mu.RUnlock()

	tcfg := s.throttle.Config()
	return Status{
		State:        s.controller.State().String(),
		Reason:       s.controller.Reason(),
		Pid:          s.controller.Pid(),
		Running:      s.running.Load(),
		InWindow:     s.throttle.InWindow(s.clock.Now()),
		MaxActions:   tcfg.MaxActions,
		Window:       tcfg.Window.String(),
		LastVerdict:  v,
		LastSnapshot: snap,
		LastPoll:     last,
		Polls:        s.polls.Load(),
	}
}
