// Package probe samples a live process and the host with gopsutil and
// produces vitals snapshots.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/sentinelguard/sentinel/internal/vitals"
)

// DefaultThermalSensor matches Intel package and core sensors on Linux.
const DefaultThermalSensor = "coretemp"

// Config tunes the probe.
type Config struct {
	// ThermalSensor is a substring matched against sensor keys. The highest
	// matching reading wins. Empty matches every sensor.
	ThermalSensor string

	// CPUSampleInterval is the blocking interval used for the first CPU
	// sample after attaching. Later samples measure since the previous poll.
	CPUSampleInterval time.Duration
}

// DefaultConfig returns the coretemp sensor and a 100ms first sample.
func DefaultConfig() Config {
	return Config{
		ThermalSensor:     DefaultThermalSensor,
		CPUSampleInterval: 100 * time.Millisecond,
	}
}

// processHandle is the subset of *process.Process the probe reads.
type processHandle interface {
	PercentWithContext(ctx context.Context, interval time.Duration) (float64, error)
	MemoryInfoWithContext(ctx context.Context) (*process.MemoryInfoStat, error)
}

// Provider implements vitals.Provider. It keeps the process handle and the
// previous network counters between polls, so it serves one target at a
// time; attaching to a new pid resets both.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pid     int32
	proc    processHandle
	netLast uint64
	netAt   time.Time
	netSeen bool

	newProcess   func(ctx context.Context, pid int32) (processHandle, error)
	pidExists    func(ctx context.Context, pid int32) (bool, error)
	temperatures func(ctx context.Context) ([]sensors.TemperatureStat, error)
	netCounters  func(ctx context.Context) (uint64, error)
	now          func() time.Time
}

// New creates a Provider backed by gopsutil.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CPUSampleInterval <= 0 {
		cfg.CPUSampleInterval = DefaultConfig().CPUSampleInterval
	}
	return &Provider{
		cfg:    cfg,
		logger: logger.With("component", "probe.Provider"),
		newProcess: func(ctx context.Context, pid int32) (processHandle, error) {
			return process.NewProcessWithContext(ctx, pid)
		},
		pidExists:    process.PidExistsWithContext,
		temperatures: sensors.TemperaturesWithContext,
		netCounters:  hostNetBytes,
		now:          time.Now,
	}
}

var _ vitals.Provider = (*Provider)(nil)

// hostNetBytes sums bytes sent and received across all interfaces.
func hostNetBytes(ctx context.Context) (uint64, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(counters) == 0 {
		return 0, errors.New("no network counters")
	}
	return counters[0].BytesSent + counters[0].BytesRecv, nil
}

// Sample reads CPU, RSS, temperature and host network throughput.
func (p *Provider) Sample(ctx context.Context, pid int32) (*vitals.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	interval := time.Duration(0)
	if p.proc == nil || p.pid != pid {
		h, err := p.newProcess(ctx, pid)
		if err != nil {
			if errors.Is(err, process.ErrorProcessNotRunning) {
				return nil, fmt.Errorf("pid %d: %w", pid, vitals.ErrProcessNotFound)
			}
			return nil, fmt.Errorf("%w: open pid %d: %w", vitals.ErrProviderUnavailable, pid, err)
		}
		p.proc, p.pid = h, pid
		p.netSeen = false
		interval = p.cfg.CPUSampleInterval
	}

	cpu, err := p.proc.PercentWithContext(ctx, interval)
	if err != nil {
		return nil, p.processError(ctx, pid, "cpu", err)
	}
	mem, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, p.processError(ctx, pid, "memory", err)
	}

	now := p.now()
	return &vitals.Snapshot{
		CPUPercent:         cpu,
		MemoryBytes:        mem.RSS,
		TemperatureCelsius: p.temperature(ctx),
		NetworkBytesPerSec: p.networkRate(ctx, now),
		Timestamp:          now,
	}, nil
}

// processError distinguishes a vanished process from a failed read and
// drops the cached handle in either case.
func (p *Provider) processError(ctx context.Context, pid int32, what string, err error) error {
	p.proc = nil
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", vitals.ErrProviderUnavailable, what, ctx.Err())
	}
	if exists, xerr := p.pidExists(ctx, pid); xerr == nil && !exists {
		return fmt.Errorf("pid %d: %w", pid, vitals.ErrProcessNotFound)
	}
	return fmt.Errorf("%w: %s for pid %d: %w", vitals.ErrProviderUnavailable, what, pid, err)
}

// temperature returns the highest matching sensor reading, or nil. Partial
// sensor results are used even when the call also reports warnings.
func (p *Provider) temperature(ctx context.Context) *float64 {
	temps, err := p.temperatures(ctx)
	if err != nil && len(temps) == 0 {
		p.logger.Debug("no temperature sensors", "error", err)
		return nil
	}

	var (
		best  float64
		found bool
	)
	for _, t := range temps {
		if !strings.Contains(t.SensorKey, p.cfg.ThermalSensor) {
			continue
		}
		if !found || t.Temperature > best {
			best, found = t.Temperature, true
		}
	}
	if !found {
		return nil
	}
	return vitals.Celsius(best)
}

// networkRate turns the cumulative host counter into bytes per second since
// the previous sample. The first sample, and any counter reset, reports 0.
func (p *Provider) networkRate(ctx context.Context, now time.Time) float64 {
	total, err := p.netCounters(ctx)
	if err != nil {
		p.logger.Debug("network counters unavailable", "error", err)
		return 0
	}

	prev, prevAt, seen := p.netLast, p.netAt, p.netSeen
	p.netLast, p.netAt, p.netSeen = total, now, true

	if !seen || total < prev {
		return 0
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-prev) / elapsed
}
