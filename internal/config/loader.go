// Package config loads the sentinel.yaml file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sentinelguard/sentinel/internal/policy"
)

// EnvConfigPath names the config file when no path is given.
const EnvConfigPath = "SENTINEL_CONFIG"

// Loader reads, validates and holds the active configuration.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader returns a Loader holding DefaultConfig.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Get returns the active configuration. Callers must not modify it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the last successful Load, or "".
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Load reads path over the defaults, expands ${VAR} and ${VAR:-default}
// references, and validates the result. On any error the active config is
// unchanged.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file from the last successful Load.
func (l *Loader) Reload() error {
	path := l.FilePath()
	if path == "" {
		return errors.New("no config file loaded")
	}
	return l.Load(path)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR} with the variable's value and
// ${VAR:-default} with the default when VAR is unset or empty.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envVarPattern.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// FindConfigFile returns the first existing file among $SENTINEL_CONFIG,
// ./sentinel.yaml, ./sentinel.yml and ~/.sentinel/sentinel.yaml, or "".
func FindConfigFile() string {
	candidates := []string{os.Getenv(EnvConfigPath), "sentinel.yaml", "sentinel.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".sentinel", "sentinel.yaml"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// Validate reports every problem in cfg, joined.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port %d out of range", cfg.Server.Port)
	}
	switch cfg.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("server.log_level %q must be debug, info, warn or error", cfg.Server.LogLevel)
	}
	switch cfg.Server.LogFormat {
	case "text", "json":
	default:
		add("server.log_format %q must be text or json", cfg.Server.LogFormat)
	}

	if cfg.Throttle.MaxActions < 0 {
		add("throttle.max_actions must not be negative")
	}
	if cfg.Throttle.Window <= 0 {
		add("throttle.window must be positive")
	}
	if err := policy.Validate(cfg.Throttle.ImpactfulWhen); err != nil {
		add("throttle.impactful_when: %w", err)
	}

	if cfg.Vitals.CPULimitPercent <= 0 {
		add("vitals.cpu_limit_percent must be positive")
	}
	if cfg.Vitals.MemLimitBytes == 0 {
		add("vitals.mem_limit_bytes must be positive")
	}
	if cfg.Vitals.NetLimitBytesPerSec <= 0 {
		add("vitals.net_limit_bytes_per_sec must be positive")
	}
	if cfg.Vitals.TempLimitCelsius <= 0 {
		add("vitals.temp_limit_celsius must be positive")
	}

	if cfg.Supervisor.PollInterval <= 0 {
		add("supervisor.poll_interval must be positive")
	}
	if cfg.Supervisor.ProbeTimeout <= 0 {
		add("supervisor.probe_timeout must be positive")
	} else if cfg.Supervisor.PollInterval > 0 && cfg.Supervisor.ProbeTimeout > cfg.Supervisor.PollInterval {
		add("supervisor.probe_timeout %s exceeds poll_interval %s",
			cfg.Supervisor.ProbeTimeout, cfg.Supervisor.PollInterval)
	}

	if cfg.Enforcement.IsolateTimeout < 0 {
		add("enforcement.isolate_timeout must not be negative")
	}

	if cfg.Ledger.Enabled && cfg.Ledger.Path == "" {
		add("ledger.path is required when the ledger is enabled")
	}
	if cfg.Ledger.Buffer < 0 {
		add("ledger.buffer must not be negative")
	}

	return errors.Join(errs...)
}

// Watch reloads the config whenever its file is written and passes the new
// config to onReload. A reload that fails is logged and the previous config
// stays active. Call StopWatch to clean up.
func (l *Loader) Watch(onReload func(*Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config.Loader")

	path := l.FilePath()
	if path == "" {
		return errors.New("no config file loaded")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory rather than the file to catch editor
	// rename-and-replace saves.
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		_ = w.Close()
		return errors.New("config watcher already running")
	}
	done := make(chan struct{})
	l.watcher, l.watchDone = w, done
	l.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				absEvent, _ := filepath.Abs(ev.Name)
				if absEvent != absPath || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if err := l.Reload(); err != nil {
					logger.Error("config reload failed, keeping previous config", "path", absPath, "error", err)
					continue
				}
				logger.Info("config reloaded", "path", absPath)
				if onReload != nil {
					onReload(l.Get())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	logger.Info("watching config for changes", "path", absPath)
	return nil
}

// StopWatch stops the config watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	w, done := l.watcher, l.watchDone
	l.watcher, l.watchDone = nil, nil
	l.mu.Unlock()

	if w == nil {
		return
	}
	_ = w.Close()
	<-done
}

const defaultConfigYAML = `# Sentinel configuration.
# Durations use Go syntax (300s, 1m, 750ms). Values may reference
# environment variables as ${VAR} or ${VAR:-default}.

server:
  port: 6790
  bind: 127.0.0.1
  log_level: info
  log_format: text      # text or json
  metrics: true         # expose /metrics

# Temporal admission gate: at most max_actions impactful actions per window.
throttle:
  max_actions: 3
  window: 300s
  # Optional CEL rule over action.name; empty means every action counts.
  impactful_when: ""

# Vitals limits. A reading equal to its limit is safe.
vitals:
  cpu_limit_percent: 80
  mem_limit_bytes: 1073741824        # 1 GiB
  net_limit_bytes_per_sec: 12500000  # 100 Mbps
  temp_limit_celsius: 75
  fail_open_on_missing_sensor: true
  thermal_sensor: coretemp

supervisor:
  poll_interval: 1s
  probe_timeout: 750ms

enforcement:
  dry_run: false
  # Command run on network saturation; empty simulates isolation.
  isolate_command: []
  isolate_timeout: 10s

killswitch:
  file: ""   # default ~/.sentinel/KILL

ledger:
  enabled: false
  path: ./sentinel.db
  retention: 720h
  buffer: 256
`

// GenerateDefault writes a commented starter config to path. It refuses to
// overwrite an existing file.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
