package config

import (
	"time"

	"github.com/sentinelguard/sentinel/internal/probe"
	"github.com/sentinelguard/sentinel/internal/supervisor"
	"github.com/sentinelguard/sentinel/internal/throttle"
	"github.com/sentinelguard/sentinel/internal/vitals"
)

// Config is the top-level Sentinel configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Vitals      VitalsConfig      `yaml:"vitals"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	KillSwitch  KillSwitchConfig  `yaml:"killswitch"`
	Ledger      LedgerConfig      `yaml:"ledger"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	Bind      string `yaml:"bind"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text, json
	Metrics   bool   `yaml:"metrics"`
}

type ThrottleConfig struct {
	MaxActions int           `yaml:"max_actions"`
	Window     time.Duration `yaml:"window"`

	// ImpactfulWhen is an optional CEL expression over action.name. Actions
	// for which it is false bypass the throttle.
	ImpactfulWhen string `yaml:"impactful_when"`
}

type VitalsConfig struct {
	CPULimitPercent         float64 `yaml:"cpu_limit_percent"`
	MemLimitBytes           uint64  `yaml:"mem_limit_bytes"`
	NetLimitBytesPerSec     float64 `yaml:"net_limit_bytes_per_sec"`
	TempLimitCelsius        float64 `yaml:"temp_limit_celsius"`
	FailOpenOnMissingSensor bool    `yaml:"fail_open_on_missing_sensor"`
	ThermalSensor           string  `yaml:"thermal_sensor"`
}

type SupervisorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type EnforcementConfig struct {
	DryRun         bool          `yaml:"dry_run"`
	IsolateCommand []string      `yaml:"isolate_command"`
	IsolateTimeout time.Duration `yaml:"isolate_timeout"`
}

type KillSwitchConfig struct {
	File string `yaml:"file"`
}

type LedgerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
	Buffer    int           `yaml:"buffer"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      6790,
			Bind:      "127.0.0.1",
			LogLevel:  "info",
			LogFormat: "text",
			Metrics:   true,
		},
		Throttle: ThrottleConfig{
			MaxActions: 3,
			Window:     300 * time.Second,
		},
		Vitals: VitalsConfig{
			CPULimitPercent:         80,
			MemLimitBytes:           1 << 30,
			NetLimitBytesPerSec:     12_500_000,
			TempLimitCelsius:        75,
			FailOpenOnMissingSensor: true,
			ThermalSensor:           probe.DefaultThermalSensor,
		},
		Supervisor: SupervisorConfig{
			PollInterval: time.Second,
			ProbeTimeout: 750 * time.Millisecond,
		},
		Enforcement: EnforcementConfig{
			IsolateTimeout: 10 * time.Second,
		},
		Ledger: LedgerConfig{
			Path:      "./sentinel.db",
			Retention: 30 * 24 * time.Hour,
			Buffer:    256,
		},
	}
}

// Limits converts to the throttle's runtime config.
func (t ThrottleConfig) Limits() throttle.Config {
	return throttle.Config{MaxActions: t.MaxActions, Window: t.Window}
}

// Limits converts to the evaluator's runtime config.
func (v VitalsConfig) Limits() vitals.Config {
	return vitals.Config{
		CPULimitPercent:         v.CPULimitPercent,
		MemLimitBytes:           v.MemLimitBytes,
		NetLimitBytesPerSec:     v.NetLimitBytesPerSec,
		TempLimitCelsius:        v.TempLimitCelsius,
		FailOpenOnMissingSensor: v.FailOpenOnMissingSensor,
	}
}

// Probe converts to the gopsutil probe config.
func (v VitalsConfig) Probe() probe.Config {
	cfg := probe.DefaultConfig()
	cfg.ThermalSensor = v.ThermalSensor
	return cfg
}

// Runtime converts to the poll loop config.
func (s SupervisorConfig) Runtime() supervisor.Config {
	return supervisor.Config{PollInterval: s.PollInterval, ProbeTimeout: s.ProbeTimeout}
}
