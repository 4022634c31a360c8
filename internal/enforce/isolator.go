package enforce

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/sentinelguard/sentinel/internal/event"
)

// DefaultIsolateTimeout bounds the isolation command.
const DefaultIsolateTimeout = 10 * time.Second

// Isolator runs a configured command to cut network access, for example
// ["ip", "link", "set", "eth0", "down"]. With no command it only logs the
// isolation it would have performed. It implements
// escalation.NetworkIsolator.
type Isolator struct {
	command []string
	timeout time.Duration
	logger  *slog.Logger
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewIsolator creates an Isolator. A non-positive timeout uses
// DefaultIsolateTimeout.
func NewIsolator(command []string, timeout time.Duration, logger *slog.Logger) *Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultIsolateTimeout
	}
	return &Isolator{
		command: append([]string(nil), command...),
		timeout: timeout,
		logger:  logger.With("component", "enforce.Isolator"),
		run:     runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Simulated reports whether no isolation command is configured.
func (i *Isolator) Simulated() bool { return len(i.command) == 0 }

// Isolate runs the isolation command.
func (i *Isolator) Isolate(ctx context.Context) error {
	if i.Simulated() {
		i.logger.Log(ctx, event.LevelCritical,
			"NETWORK ISOLATION TRIGGERED: simulated isolation, no isolate_command configured")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	out, err := i.run(ctx, i.command[0], i.command[1:]...)
	if err != nil {
		return fmt.Errorf("isolate command %q: %w: %s",
			strings.Join(i.command, " "), err, strings.TrimSpace(string(out)))
	}
	i.logger.Log(ctx, event.LevelCritical, "NETWORK ISOLATION TRIGGERED",
		"command", strings.Join(i.command, " "))
	return nil
}
