package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "sentinel.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoader_LoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), `
server:
  port: 8080
  log_level: debug
  log_format: json

throttle:
  max_actions: 5
  window: 120s
  impactful_when: 'action.name.startsWith("BGP_")'

vitals:
  cpu_limit_percent: 90
  mem_limit_bytes: 2147483648
  temp_limit_celsius: 85
  fail_open_on_missing_sensor: false

supervisor:
  poll_interval: 2s
  probe_timeout: 1s

enforcement:
  isolate_command: ["nft", "add", "table", "inet", "sentinel"]
  isolate_timeout: 5s

ledger:
  enabled: true
  path: ./test.db
`)

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg := loader.Get()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.LogFormat != "json" {
		t.Errorf("Server.LogFormat = %q, want json", cfg.Server.LogFormat)
	}
	if cfg.Throttle.MaxActions != 5 || cfg.Throttle.Window != 120*time.Second {
		t.Errorf("Throttle = %+v", cfg.Throttle)
	}
	if cfg.Vitals.MemLimitBytes != 2<<30 {
		t.Errorf("Vitals.MemLimitBytes = %d", cfg.Vitals.MemLimitBytes)
	}
	if cfg.Vitals.FailOpenOnMissingSensor {
		t.Error("Vitals.FailOpenOnMissingSensor = true, want false")
	}
	if cfg.Supervisor.PollInterval != 2*time.Second {
		t.Errorf("Supervisor.PollInterval = %s", cfg.Supervisor.PollInterval)
	}
	if len(cfg.Enforcement.IsolateCommand) != 5 || cfg.Enforcement.IsolateCommand[0] != "nft" {
		t.Errorf("Enforcement.IsolateCommand = %v", cfg.Enforcement.IsolateCommand)
	}
	if !cfg.Ledger.Enabled || cfg.Ledger.Path != "./test.db" {
		t.Errorf("Ledger = %+v", cfg.Ledger)
	}

	// Unset keys keep their defaults.
	if cfg.Vitals.NetLimitBytesPerSec != 12_500_000 {
		t.Errorf("Vitals.NetLimitBytesPerSec = %f, want default", cfg.Vitals.NetLimitBytesPerSec)
	}
	if cfg.Vitals.ThermalSensor != "coretemp" {
		t.Errorf("Vitals.ThermalSensor = %q, want coretemp", cfg.Vitals.ThermalSensor)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	cfg := NewLoader().Get()

	if cfg.Server.Port != 6790 {
		t.Errorf("default Server.Port = %d, want 6790", cfg.Server.Port)
	}
	if cfg.Throttle.MaxActions != 3 || cfg.Throttle.Window != 300*time.Second {
		t.Errorf("default Throttle = %+v", cfg.Throttle)
	}
	if cfg.Vitals.CPULimitPercent != 80 || cfg.Vitals.MemLimitBytes != 1<<30 || cfg.Vitals.TempLimitCelsius != 75 {
		t.Errorf("default Vitals = %+v", cfg.Vitals)
	}
	if !cfg.Vitals.FailOpenOnMissingSensor {
		t.Error("default FailOpenOnMissingSensor = false, want true")
	}
	if cfg.Supervisor.PollInterval != time.Second || cfg.Supervisor.ProbeTimeout != 750*time.Millisecond {
		t.Errorf("default Supervisor = %+v", cfg.Supervisor)
	}
	if cfg.Ledger.Enabled {
		t.Error("ledger should be disabled by default")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestConfig_Conversions(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.Throttle.Limits(); got.MaxActions != 3 || got.Window != 300*time.Second {
		t.Errorf("throttle limits = %+v", got)
	}
	if got := cfg.Vitals.Limits(); got.NetLimitBytesPerSec != 12_500_000 || !got.FailOpenOnMissingSensor {
		t.Errorf("vitals limits = %+v", got)
	}
	if got := cfg.Vitals.Probe(); got.ThermalSensor != "coretemp" || got.CPUSampleInterval <= 0 {
		t.Errorf("probe config = %+v", got)
	}
	if got := cfg.Supervisor.Runtime(); got.PollInterval != time.Second {
		t.Errorf("supervisor config = %+v", got)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	if err := loader.Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	if err := NewLoader().Load(configPath); err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_InvalidConfigKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "server:\n  port: 8080\n")

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	writeConfig(t, dir, "throttle:\n  window: 0s\n")
	if err := loader.Reload(); err == nil {
		t.Fatal("Reload() with zero window should fail")
	}
	if loader.Get().Server.Port != 8080 {
		t.Errorf("port after failed reload = %d, want 8080", loader.Get().Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{"defaults", func(*Config) {}, nil},
		{"zero max actions is allowed", func(c *Config) { c.Throttle.MaxActions = 0 }, nil},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, []string{"server.port"}},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "trace" }, []string{"server.log_level"}},
		{"bad log format", func(c *Config) { c.Server.LogFormat = "xml" }, []string{"server.log_format"}},
		{"negative max actions", func(c *Config) { c.Throttle.MaxActions = -1 }, []string{"throttle.max_actions"}},
		{"bad rule", func(c *Config) { c.Throttle.ImpactfulWhen = "action.name +" }, []string{"throttle.impactful_when"}},
		{"zero limits", func(c *Config) {
			c.Vitals.CPULimitPercent = 0
			c.Vitals.MemLimitBytes = 0
		}, []string{"vitals.cpu_limit_percent", "vitals.mem_limit_bytes"}},
		{"probe slower than poll", func(c *Config) { c.Supervisor.ProbeTimeout = 2 * time.Second }, []string{"probe_timeout"}},
		{"ledger without path", func(c *Config) {
			c.Ledger.Enabled = true
			c.Ledger.Path = ""
		}, []string{"ledger.path"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestLoader_FilePath(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "server:\n  port: 9999\n")

	loader := NewLoader()
	if loader.FilePath() != "" {
		t.Errorf("FilePath() before Load() = %q, want empty", loader.FilePath())
	}
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "server:\n  port: 8080\n")

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loader.Get().Server.Port != 8080 {
		t.Errorf("initial port = %d, want 8080", loader.Get().Server.Port)
	}

	writeConfig(t, dir, "server:\n  port: 9999\n")
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if loader.Get().Server.Port != 9999 {
		t.Errorf("reloaded port = %d, want 9999", loader.Get().Server.Port)
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	if err := NewLoader().Reload(); err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestLoader_WatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "throttle:\n  max_actions: 3\n")

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	reloaded := make(chan *Config, 4)
	if err := loader.Watch(func(c *Config) { reloaded <- c }, nil); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer loader.StopWatch()

	if err := loader.Watch(nil, nil); err == nil {
		t.Error("second Watch() should fail")
	}

	writeConfig(t, dir, "throttle:\n  max_actions: 7\n  impactful_when: 'action.name == \"x\"'\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Throttle.MaxActions == 7 {
				if c.Throttle.ImpactfulWhen == "" {
					t.Error("impactful_when not reloaded")
				}
				return
			}
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}

func TestLoader_WatchWithoutLoad(t *testing.T) {
	if err := NewLoader().Watch(nil, nil); err == nil {
		t.Error("Watch() without prior Load() should return error")
	}
	NewLoader().StopWatch()
}

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("TEST_SENTINEL_PORT", "9999")
	os.Setenv("TEST_SENTINEL_CMD", "nft")
	defer os.Unsetenv("TEST_SENTINEL_PORT")
	defer os.Unsetenv("TEST_SENTINEL_CMD")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "port: ${TEST_SENTINEL_PORT}", "port: 9999"},
		{"multiple substitutions", "port: ${TEST_SENTINEL_PORT}\ncmd: ${TEST_SENTINEL_CMD}", "port: 9999\ncmd: nft"},
		{"undefined variable", "value: ${UNDEFINED_TEST_VAR_XYZ}", "value: "},
		{"default value syntax", "value: ${UNDEFINED_TEST_VAR_XYZ:-default-val}", "value: default-val"},
		{"default value not used when env var set", "port: ${TEST_SENTINEL_PORT:-1234}", "port: 9999"},
		{"no env vars", "port: 8080", "port: 8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSubstituteEnvVars_InConfigLoad(t *testing.T) {
	os.Setenv("TEST_SENTINEL_CFG_PORT", "7777")
	defer os.Unsetenv("TEST_SENTINEL_CFG_PORT")

	configPath := writeConfig(t, t.TempDir(), "server:\n  port: ${TEST_SENTINEL_CFG_PORT}\n  log_level: info\n")

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loader.Get().Server.Port != 7777 {
		t.Errorf("Server.Port with env var = %d, want 7777", loader.Get().Server.Port)
	}
}

func TestFindConfigFile_Env(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "server:\n  port: 8080\n")
	t.Setenv(EnvConfigPath, configPath)

	if got := FindConfigFile(); got != configPath {
		t.Errorf("FindConfigFile() = %q, want %q", got, configPath)
	}
}

func TestGenerateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "sentinel.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read generated config: %v", err)
	}
	if len(data) == 0 {
		t.Error("generated config is empty")
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	cfg := loader.Get()
	if cfg.Server.Port != 6790 {
		t.Errorf("generated config port = %d, want 6790", cfg.Server.Port)
	}
	if cfg.Ledger.Retention != 720*time.Hour {
		t.Errorf("generated retention = %s, want 720h", cfg.Ledger.Retention)
	}

	if err := GenerateDefault(configPath); err == nil {
		t.Error("GenerateDefault() should refuse to overwrite")
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Throttle.Window = 0

	err := Validate(cfg)
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Errorf("Validate() = %v, want two joined errors", err)
	}
}
