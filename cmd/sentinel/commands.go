package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sentinelguard/sentinel/internal/config"
	"github.com/sentinelguard/sentinel/internal/killswitch"
	"github.com/sentinelguard/sentinel/internal/ledger"
)

const defaultPort = 6790

var httpClient = &http.Client{Timeout: 30 * time.Second}

// ─── Config Commands ───

func runInit(configFile string) error {
	path := configFile
	if path == "" {
		path = "sentinel.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", path)
		return nil
	}
	if err := config.GenerateDefault(path); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", path)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    sentinel validate                 # Check the config")
	fmt.Println("    sentinel run -- <agent command>   # Supervise an agent")
	return nil
}

func runValidate(configFile string) error {
	path := configFile
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return errors.New("no config file found, run 'sentinel init' to create one")
	}

	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		fmt.Printf("✗ Invalid config: %s\n", err)
		return err
	}

	cfg := loader.Get()
	fmt.Printf("✓ Config file valid: %s\n", path)
	fmt.Printf("  Throttle:  %d actions / %s\n", cfg.Throttle.MaxActions, cfg.Throttle.Window)
	if cfg.Throttle.ImpactfulWhen != "" {
		fmt.Printf("  Rule:      %s\n", cfg.Throttle.ImpactfulWhen)
	} else {
		fmt.Println("  Rule:      every action is impactful")
	}
	fmt.Printf("  Limits:    cpu %.0f%%, mem %d bytes, net %.0f B/s, temp %.0f°C\n",
		cfg.Vitals.CPULimitPercent, cfg.Vitals.MemLimitBytes,
		cfg.Vitals.NetLimitBytesPerSec, cfg.Vitals.TempLimitCelsius)
	fmt.Printf("  Poll:      every %s (probe timeout %s)\n", cfg.Supervisor.PollInterval, cfg.Supervisor.ProbeTimeout)
	fmt.Printf("  Port:      %d\n", cfg.Server.Port)
	if len(cfg.Enforcement.IsolateCommand) == 0 {
		fmt.Println("  ⚠ No isolate_command: network isolation is simulated")
	}
	return nil
}

// ─── API Client Commands ───

func runStatus(port int) error {
	resp, err := httpClient.Get(apiURL(port, "/api/status"))
	if err != nil {
		fmt.Printf("Sentinel is not running on port %d\n", port)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var status struct {
		SessionID  string `json:"session_id"`
		Supervisor struct {
			State       string `json:"state"`
			Reason      string `json:"reason"`
			Pid         int32  `json:"pid"`
			Running     bool   `json:"running"`
			InWindow    int    `json:"in_window"`
			MaxActions  int    `json:"max_actions"`
			Window      string `json:"window"`
			Polls       uint64 `json:"polls"`
			LastVerdict struct {
				Dimension string `json:"dimension"`
				Detail    string `json:"detail"`
			} `json:"last_verdict"`
		} `json:"supervisor"`
		KillSwitch killswitch.Status `json:"killswitch"`
	}
	if err := decodeJSON(resp, &status); err != nil {
		return err
	}

	sup := status.Supervisor
	verdict := "safe"
	if sup.LastVerdict.Dimension != "" {
		verdict = sup.LastVerdict.Dimension + ": " + sup.LastVerdict.Detail
	}

	fmt.Println("Sentinel Status")
	fmt.Println("───────────────")
	fmt.Printf("  %-14s %s\n", "Session:", status.SessionID)
	fmt.Printf("  %-14s %s\n", "State:", strings.ToUpper(sup.State))
	if sup.Reason != "" {
		fmt.Printf("  %-14s %s\n", "Reason:", sup.Reason)
	}
	fmt.Printf("  %-14s %d (polling: %v, %d polls)\n", "Agent pid:", sup.Pid, sup.Running, sup.Polls)
	fmt.Printf("  %-14s %d / %d in %s\n", "Throttle:", sup.InWindow, sup.MaxActions, sup.Window)
	fmt.Printf("  %-14s %s\n", "Last verdict:", verdict)
	fmt.Printf("  %-14s triggered=%v watching=%v\n", "Kill switch:", status.KillSwitch.Triggered, status.KillSwitch.Watching)
	return nil
}

func runRequest(port int, action string) error {
	body, _ := json.Marshal(map[string]string{"action": action})
	resp, err := httpClient.Post(apiURL(port, "/api/actions"), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to Sentinel: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Admitted bool   `json:"admitted"`
		Action   string `json:"action"`
		Error    string `json:"error"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Printf("✓ %s admitted\n", result.Action)
		return nil
	case http.StatusTooManyRequests:
		return &exitCodeError{code: 2, msg: fmt.Sprintf("✗ %s denied: %s", result.Action, result.Error)}
	default:
		return fmt.Errorf("request failed (HTTP %d): %s", resp.StatusCode, result.Error)
	}
}

func runKill(port int, reason string) error {
	body, _ := json.Marshal(map[string]string{"reason": reason, "source": killswitch.SourceCLI})
	resp, err := httpClient.Post(apiURL(port, "/api/killswitch/trigger"), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to Sentinel: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kill switch failed (HTTP %d)", resp.StatusCode)
	}
	var result struct {
		Fired bool `json:"fired"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if result.Fired {
		fmt.Println("✓ Kill switch triggered; agent terminated")
	} else {
		fmt.Println("⚠ Kill switch was already triggered")
	}
	return nil
}

// ─── Ledger Commands ───

func openLedger(configFile, dbPath string) (*ledger.Store, error) {
	if dbPath == "" {
		loader := config.NewLoader()
		path := configFile
		if path == "" {
			path = config.FindConfigFile()
		}
		if path != "" {
			if err := loader.Load(path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
		dbPath = loader.Get().Ledger.Path
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("ledger %s not found: %w", dbPath, err)
	}
	return openStore(dbPath)
}

func runLedgerVerify(configFile, dbPath, sessionID string) error {
	store, err := openLedger(configFile, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ids := []string{sessionID}
	if sessionID == "" {
		sessions, err := store.Sessions()
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, s := range sessions {
			ids = append(ids, s.SessionID)
		}
	}

	broken := 0
	for _, id := range ids {
		res, err := store.Verify(id)
		switch {
		case errors.Is(err, ledger.ErrChainBroken):
			broken++
			fmt.Printf("  ✗ %s: chain broken at entry %d of %d\n", id, res.BrokenAt, res.Entries)
		case err != nil:
			return err
		default:
			fmt.Printf("  ✓ %s: %d entries intact\n", id, res.Entries)
		}
	}
	if broken > 0 {
		return fmt.Errorf("%d session(s) failed verification", broken)
	}
	return nil
}

func runLedgerSessions(configFile, dbPath string) error {
	store, err := openLedger(configFile, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	fmt.Printf("%-32s %-8s %-20s %s\n", "SESSION", "EVENTS", "FIRST", "LAST")
	fmt.Println(strings.Repeat("─", 80))
	for _, s := range sessions {
		fmt.Printf("%-32s %-8d %-20s %s\n", s.SessionID, s.Entries,
			s.FirstAt.Local().Format(time.DateTime), s.LastAt.Local().Format(time.DateTime))
	}
	return nil
}

func runLedgerPrune(configFile, dbPath string, olderThan time.Duration) error {
	if olderThan <= 0 {
		loader := config.NewLoader()
		path := configFile
		if path == "" {
			path = config.FindConfigFile()
		}
		if path != "" {
			if err := loader.Load(path); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
		}
		olderThan = loader.Get().Ledger.Retention
	}
	if olderThan <= 0 {
		return errors.New("no retention configured; pass --older-than")
	}

	store, err := openLedger(configFile, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.Prune(time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("✓ Pruned %d entries older than %s\n", n, olderThan)
	return nil
}

// ─── Helpers ───

func resolvePort(port int) int {
	if port == 0 {
		return defaultPort
	}
	return port
}

func apiURL(port int, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
