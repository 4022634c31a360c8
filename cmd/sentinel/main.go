package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// exitCodeError makes the process exit with code after printing msg.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			fmt.Fprintln(os.Stderr, ec.msg)
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Runtime safety supervisor for autonomous agents",
		Long: "Sentinel throttles an agent's impactful actions, watches its resource vitals,\n" +
			"and escalates from throttling to network isolation to termination.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configFile string
	var port int
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: sentinel.yaml)")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Control API port (default: 6790)")

	// ─── run ───
	var runOpts runOptions
	runCmd := &cobra.Command{
		Use:   "run [--pid N | -- command [args...]]",
		Short: "Supervise an agent process",
		Long: "Start the agent as a child process and supervise it, or attach to an\n" +
			"existing process with --pid.",
		Example: "  sentinel run -- python agent.py\n  sentinel run --pid 4242",
		RunE: func(cmd *cobra.Command, args []string) error {
			runOpts.configFile = configFile
			runOpts.port = port
			return runSupervise(cmd.Context(), runOpts, args)
		},
	}
	runCmd.Flags().Int32Var(&runOpts.pid, "pid", 0, "Attach to an existing process instead of launching one")
	runCmd.Flags().BoolVar(&runOpts.dev, "dev", false, "Dev mode: debug logs")
	runCmd.Flags().StringVar(&runOpts.logFormat, "log-format", "", "Log format: text or json (overrides config)")
	runCmd.Flags().BoolVar(&runOpts.dryRun, "dry-run", false, "Log terminations instead of signalling the agent")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter sentinel.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(configFile)
		},
	}

	// ─── validate ───
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file, including the impactful_when rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(configFile)
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running supervisor's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(resolvePort(port))
		},
	}

	// ─── request ───
	requestCmd := &cobra.Command{
		Use:   "request [action]",
		Short: "Ask the running supervisor to admit an impactful action",
		Long: "Ask the running supervisor to admit an action. Exits 0 when admitted and\n" +
			"2 when denied, so shell agents can branch into human review.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := ""
			if len(args) == 1 {
				action = args[0]
			}
			return runRequest(resolvePort(port), action)
		},
	}

	// ─── kill ───
	killCmd := &cobra.Command{
		Use:   "kill [reason]",
		Short: "Trigger the operator kill switch on the running supervisor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := ""
			if len(args) == 1 {
				reason = args[0]
			}
			return runKill(resolvePort(port), reason)
		},
	}

	// ─── ledger ───
	var dbPath string
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the hash-chained event ledger",
	}
	ledgerCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Ledger database (default: ledger.path from config)")

	ledgerVerifyCmd := &cobra.Command{
		Use:   "verify [session-id]",
		Short: "Verify the hash chain of one session, or of every session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := ""
			if len(args) == 1 {
				sessionID = args[0]
			}
			return runLedgerVerify(configFile, dbPath, sessionID)
		},
	}

	ledgerSessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerSessions(configFile, dbPath)
		},
	}

	var olderThan time.Duration
	ledgerPruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerPrune(configFile, dbPath, olderThan)
		},
	}
	ledgerPruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention cutoff (default: ledger.retention from config)")

	ledgerCmd.AddCommand(ledgerVerifyCmd, ledgerSessionsCmd, ledgerPruneCmd)

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sentinel %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(runCmd, initCmd, validateCmd, statusCmd, requestCmd, killCmd, ledgerCmd, versionCmd)
	return rootCmd
}
