// Package event defines the structured observations the supervisor emits for
// every admission decision, verdict, state transition and intervention, and
// the sinks that consume them.
package event

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity grades an event by the risk it represents.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind names what happened.
type Kind string

const (
	KindActionAdmitted     Kind = "action.admitted"
	KindActionDenied       Kind = "action.denied"
	KindVerdict            Kind = "vitals.verdict"
	KindTransition         Kind = "state.transition"
	KindIsolate            Kind = "intervention.isolate"
	KindTerminate          Kind = "intervention.terminate"
	KindInterventionFailed Kind = "intervention.failed"
	KindKillSwitch         Kind = "killswitch.triggered"
)

// Event is a single observation. From/To are set on transitions, Dimension on
// verdicts, Action on admission decisions.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Reason    string         `json:"reason"`
	Action    string         `json:"action,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Dimension string         `json:"dimension,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink consumes events. Emit must not block the caller for long: the
// escalation controller emits while deciding.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout delivers each event to every sink in registration order.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFanout returns a Fanout over the given sinks; nil entries are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add registers another sink.
func (f *Fanout) Add(s Sink) {
	if s == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

func (f *Fanout) Emit(e Event) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(e)
	}
}

// Recorder stamps events with an ID, the session ID and a timestamp before
// handing them to the underlying sink.
type Recorder struct {
	sessionID string
	now       func() time.Time
	sink      Sink
}

// NewRecorder creates a Recorder. A nil now uses time.Now; a nil sink
// discards.
func NewRecorder(sessionID string, now func() time.Time, sink Sink) *Recorder {
	if now == nil {
		now = time.Now
	}
	if sink == nil {
		sink = Discard
	}
	return &Recorder{sessionID: sessionID, now: now, sink: sink}
}

// NewSessionID returns a fresh ULID-based session identifier.
func NewSessionID() string {
	return "ses_" + ulid.Make().String()
}

// SessionID returns the session this recorder stamps.
func (r *Recorder) SessionID() string { return r.sessionID }

func (r *Recorder) Emit(e Event) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.SessionID == "" {
		e.SessionID = r.sessionID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	r.sink.Emit(e)
}

// LevelCritical sits above slog.LevelError so critical events survive any
// level filter that keeps errors.
const LevelCritical = slog.LevelError + 4

// Level maps a severity to its slog level.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityCritical:
		return LevelCritical
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// ReplaceLevel renders LevelCritical as "CRITICAL". Use it as
// slog.HandlerOptions.ReplaceAttr.
func ReplaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

// LogSink writes events to a slog.Logger at the level matching their
// severity.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "event.LogSink")}
}

func (l *LogSink) Emit(e Event) {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("event_id", e.ID),
	}
	if e.Action != "" {
		attrs = append(attrs, slog.String("action", e.Action))
	}
	if e.From != "" || e.To != "" {
		attrs = append(attrs, slog.String("from", e.From), slog.String("to", e.To))
	}
	if e.Dimension != "" {
		attrs = append(attrs, slog.String("dimension", e.Dimension))
	}
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		attrs = append(attrs, slog.Any(k, e.Fields[k]))
	}
	l.logger.LogAttrs(context.Background(), e.Severity.Level(), e.Reason, attrs...)
}
