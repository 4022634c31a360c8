package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sentinelguard/sentinel/internal/api"
	"github.com/sentinelguard/sentinel/internal/clock"
	"github.com/sentinelguard/sentinel/internal/config"
	"github.com/sentinelguard/sentinel/internal/enforce"
	"github.com/sentinelguard/sentinel/internal/escalation"
	"github.com/sentinelguard/sentinel/internal/event"
	"github.com/sentinelguard/sentinel/internal/killswitch"
	"github.com/sentinelguard/sentinel/internal/ledger"
	"github.com/sentinelguard/sentinel/internal/metrics"
	"github.com/sentinelguard/sentinel/internal/policy"
	"github.com/sentinelguard/sentinel/internal/probe"
	"github.com/sentinelguard/sentinel/internal/supervisor"
	"github.com/sentinelguard/sentinel/internal/throttle"
	"github.com/sentinelguard/sentinel/internal/vitals"
)

type runOptions struct {
	configFile string
	port       int
	pid        int32
	dev        bool
	logFormat  string
	dryRun     bool
}

func runSupervise(parent context.Context, opts runOptions, args []string) error {
	if opts.pid > 0 && len(args) > 0 {
		return errors.New("use either --pid or a command, not both")
	}
	if opts.pid <= 0 && len(args) == 0 {
		return errors.New("nothing to supervise: pass --pid N or -- command [args...]")
	}

	// Load config
	cfgLoader := config.NewLoader()
	configFile := opts.configFile
	if configFile == "" {
		configFile = config.FindConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := cfgLoader.Get()

	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.dev {
		cfg.Server.LogLevel = "debug"
	}
	if opts.logFormat != "" {
		cfg.Server.LogFormat = opts.logFormat
	}
	if opts.dryRun {
		cfg.Enforcement.DryRun = true
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(os.Stdout, cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	sessionID := event.NewSessionID()
	logger = logger.With("session_id", sessionID)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	fanout := event.NewFanout(event.NewLogSink(logger), collector)

	// Ledger
	if cfg.Ledger.Enabled {
		store, err := openStore(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if cfg.Ledger.Retention > 0 {
			if n, err := store.Prune(time.Now().Add(-cfg.Ledger.Retention)); err != nil {
				logger.Warn("ledger prune failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned expired ledger entries", "rows", n)
			}
		}

		sink := ledger.NewSink(store, cfg.Ledger.Buffer, logger)
		defer sink.Close()
		fanout.Add(sink)
	}

	recorder := event.NewRecorder(sessionID, nil, fanout)

	// Enforcement
	isolator := enforce.NewIsolator(cfg.Enforcement.IsolateCommand, cfg.Enforcement.IsolateTimeout, logger)
	terminator := enforce.NewTerminator(cfg.Enforcement.DryRun, logger)
	controller := escalation.New(isolator, terminator, recorder, logger)

	// Admission
	classifier, err := policy.NewClassifier(cfg.Throttle.ImpactfulWhen, logger)
	if err != nil {
		return fmt.Errorf("invalid impactful_when rule: %w", err)
	}
	th := throttle.New(cfg.Throttle.Limits(), logger)

	// Vitals
	evaluator := vitals.NewEvaluator(cfg.Vitals.Limits())
	provider := probe.New(cfg.Vitals.Probe(), logger)

	sup := supervisor.New(cfg.Supervisor.Runtime(), th, evaluator, provider, controller,
		supervisor.WithClock(clock.System{}),
		supervisor.WithClassifier(classifier),
		supervisor.WithProbeObserver(collector),
		supervisor.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Kill switch
	ksPath := cfg.KillSwitch.File
	if ksPath == "" {
		ksPath = killswitch.DefaultFilePath()
	}
	ks := killswitch.New(ksPath, func(r killswitch.TriggerRecord) {
		controller.OnOperatorKill(context.Background(), r.Reason, r.Source)
	}, logger)

	// Target
	pid := opts.pid
	if pid <= 0 {
		child, err := launch(args, logger)
		if err != nil {
			return err
		}
		pid = int32(child.Process.Pid)
	}
	// Attach before watching so a KILL file present at startup has a target.
	controller.Attach(pid)

	if err := ks.Watch(); err != nil {
		logger.Warn("kill switch file watcher unavailable", "path", ksPath, "error", err)
	}
	defer ks.Stop()

	// Hot-reload the impactful_when rule
	if cfgLoader.FilePath() != "" {
		err := cfgLoader.Watch(func(c *config.Config) {
			if err := classifier.SetExpression(c.Throttle.ImpactfulWhen); err != nil {
				logger.Error("impactful_when reload failed, keeping previous rule", "error", err)
				return
			}
			logger.Info("impactful_when reloaded; other settings apply on restart",
				"expression", c.Throttle.ImpactfulWhen)
		}, logger)
		if err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	// Control API
	srv := api.NewServer(cfg.Server, sup, ks, sessionID, reg, logger)
	fanout.Add(srv.Hub())
	addr := api.Addr(cfg.Server.Bind, cfg.Server.Port)
	go func() {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control API error", "addr", addr, "error", err)
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	printBanner(cfg, addr, sessionID, pid, ksPath)

	err = sup.RunSidecar(ctx, pid)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("shutting down; agent left running", "pid", pid, "state", controller.State().String())
		return nil
	case err != nil:
		return err
	}

	logger.Info("supervision ended", "pid", pid, "state", controller.State().String(), "reason", controller.Reason())
	return nil
}

// launch starts the agent with inherited stdio and reaps it in the
// background so a finished agent is observed as lost, not as a zombie.
func launch(args []string, logger *slog.Logger) (*exec.Cmd, error) {
	child := exec.Command(args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", args[0], err)
	}
	logger.Info("agent started", "pid", child.Process.Pid, "command", strings.Join(args, " "))

	go func() {
		err := child.Wait()
		logger.Info("agent exited", "pid", child.Process.Pid, "state", child.ProcessState.String(), "error", err)
	}()
	return child, nil
}

func openStore(path string) (*ledger.Store, error) {
	store, err := ledger.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := store.Initialize(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	return store, nil
}

// newLogger builds the process logger. Critical events render as CRITICAL.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: event.ReplaceLevel,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printBanner(cfg *config.Config, addr, sessionID string, pid int32, ksPath string) {
	fmt.Println()
	fmt.Println("  Sentinel " + version + " - runtime safety supervisor")
	fmt.Println()
	fmt.Printf("  → Agent pid:   %d\n", pid)
	fmt.Printf("  → Session:     %s\n", sessionID)
	fmt.Printf("  → API:         http://%s/api\n", addr)
	if cfg.Server.Metrics {
		fmt.Printf("  → Metrics:     http://%s/metrics\n", addr)
	}
	fmt.Printf("  → Throttle:    %d actions / %s\n", cfg.Throttle.MaxActions, cfg.Throttle.Window)
	fmt.Printf("  → Kill switch: touch %s\n", ksPath)
	if cfg.Ledger.Enabled {
		fmt.Printf("  → Ledger:      %s\n", cfg.Ledger.Path)
	}
	if cfg.Enforcement.DryRun {
		fmt.Println("  → Dry run:     terminations are logged only")
	}
	fmt.Println()
}
