// Package vitals evaluates a point-in-time snapshot of the agent's resource
// footprint against configured limits and names the most severe violation.
package vitals

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProcessNotFound is returned by a Provider when the agent process no
	// longer exists.
	ErrProcessNotFound = errors.New("agent process not found")

	// ErrProviderUnavailable wraps any other acquisition failure, including
	// probe timeouts. It is evaluated exactly like a lost process.
	ErrProviderUnavailable = errors.New("metrics provider unavailable")
)

// Provider acquires a snapshot for the given process. Implementations may
// block on slow sensors; callers bound them with ctx.
type Provider interface {
	Sample(ctx context.Context, pid int32) (*Snapshot, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, pid int32) (*Snapshot, error)

func (f ProviderFunc) Sample(ctx context.Context, pid int32) (*Snapshot, error) {
	return f(ctx, pid)
}

// Snapshot is a single poll's worth of readings. TemperatureCelsius is nil
// when no sensor is exposed.
type Snapshot struct {
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryBytes        uint64    `json:"memory_bytes"`
	TemperatureCelsius *float64  `json:"temperature_celsius,omitempty"`
	NetworkBytesPerSec float64   `json:"network_bytes_per_sec"`
	Timestamp          time.Time `json:"timestamp"`
}

// Celsius returns a pointer to c, for building snapshots.
func Celsius(c float64) *float64 { return &c }

// Config holds the safe limits. Every limit is strict: a reading equal to
// its limit is safe.
type Config struct {
	CPULimitPercent     float64 `json:"cpu_limit_percent"`
	MemLimitBytes       uint64  `json:"mem_limit_bytes"`
	NetLimitBytesPerSec float64 `json:"net_limit_bytes_per_sec"`
	TempLimitCelsius    float64 `json:"temp_limit_celsius"`

	// FailOpenOnMissingSensor skips the thermal check when the snapshot has
	// no temperature. When false a missing reading is a thermal violation.
	FailOpenOnMissingSensor bool `json:"fail_open_on_missing_sensor"`
}

// Dimension names the class of a violation.
type Dimension string

const (
	DimensionNone        Dimension = ""
	DimensionProcessLost Dimension = "process_lost"
	DimensionThermal     Dimension = "thermal"
	DimensionResource    Dimension = "resource"
	DimensionNetwork     Dimension = "network"
)

// Verdict is the outcome of one evaluation. The zero value is Safe.
type Verdict struct {
	Dimension Dimension `json:"dimension,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Safe is the verdict for a snapshot within every limit.
var Safe = Verdict{}

// Unsafe builds a violating verdict.
func Unsafe(d Dimension, detail string) Verdict {
	return Verdict{Dimension: d, Detail: detail}
}

// IsSafe reports whether no limit was violated.
func (v Verdict) IsSafe() bool { return v.Dimension == DimensionNone }

func (v Verdict) String() string {
	if v.IsSafe() {
		return "safe"
	}
	return fmt.Sprintf("unsafe(%s): %s", v.Dimension, v.Detail)
}

// Evaluator applies a fixed Config. It holds no mutable state and is safe
// for concurrent use.
type Evaluator struct {
	cfg Config
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Config returns the limits in force.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate reports the first violation in severity order: a lost process,
// then thermal, then CPU/memory, then network.
func (e *Evaluator) Evaluate(s *Snapshot) Verdict {
	return Evaluate(s, e.cfg)
}

// Evaluate is the stateless form of Evaluator.Evaluate.
func Evaluate(s *Snapshot, cfg Config) Verdict {
	if s == nil {
		return Unsafe(DimensionProcessLost, "Agent Process Lost")
	}

	switch {
	case s.TemperatureCelsius != nil:
		if *s.TemperatureCelsius > cfg.TempLimitCelsius {
			return Unsafe(DimensionThermal, fmt.Sprintf("Hardware Thermal Critical: %.1f°C exceeds %.1f°C",
				*s.TemperatureCelsius, cfg.TempLimitCelsius))
		}
	case !cfg.FailOpenOnMissingSensor:
		return Unsafe(DimensionThermal, "Hardware Thermal Unknown: no temperature reading and fail-open is disabled")
	}

	if s.CPUPercent > cfg.CPULimitPercent {
		return Unsafe(DimensionResource, fmt.Sprintf("Resource Exhaustion: CPU %.1f%% exceeds %.1f%%",
			s.CPUPercent, cfg.CPULimitPercent))
	}
	if s.MemoryBytes > cfg.MemLimitBytes {
		return Unsafe(DimensionResource, fmt.Sprintf("Resource Exhaustion: memory %d bytes exceeds %d bytes",
			s.MemoryBytes, cfg.MemLimitBytes))
	}

	if s.NetworkBytesPerSec > cfg.NetLimitBytesPerSec {
		return Unsafe(DimensionNetwork, fmt.Sprintf("Network Saturation: %.0f B/s exceeds %.0f B/s",
			s.NetworkBytesPerSec, cfg.NetLimitBytesPerSec))
	}

	return Safe
}

// FromError maps a provider error to its verdict. Every error fails closed.
func FromError(err error) Verdict {
	switch {
	case err == nil:
		return Safe
	case errors.Is(err, ErrProcessNotFound):
		return Unsafe(DimensionProcessLost, "Agent Process Lost")
	case errors.Is(err, context.DeadlineExceeded):
		return Unsafe(DimensionProcessLost, "metrics probe timed out")
	default:
		return Unsafe(DimensionProcessLost, fmt.Sprintf("metrics provider unavailable: %v", err))
	}
}
