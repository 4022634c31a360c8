// Package enforce holds the OS-level interventions: killing the agent process
// and cutting its network access.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/sentinelguard/sentinel/internal/vitals"
)

// node is the subset of a process the terminator acts on.
type node interface {
	Pid() int32
	Kill(ctx context.Context) error
	Children(ctx context.Context) ([]node, error)
}

type gopsNode struct{ p *process.Process }

func (n gopsNode) Pid() int32 { return n.p.Pid }

func (n gopsNode) Kill(ctx context.Context) error { return n.p.KillWithContext(ctx) }

func (n gopsNode) Children(ctx context.Context) ([]node, error) {
	children, err := n.p.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]node, len(children))
	for i, c := range children {
		out[i] = gopsNode{c}
	}
	return out, nil
}

// Terminator sends SIGKILL to the agent. It implements
// escalation.ProcessTerminator.
type Terminator struct {
	dryRun bool
	logger *slog.Logger
	open   func(ctx context.Context, pid int32) (node, error)
}

// NewTerminator creates a Terminator. With dryRun set it logs the kill it
// would have sent and reports success.
func NewTerminator(dryRun bool, logger *slog.Logger) *Terminator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Terminator{
		dryRun: dryRun,
		logger: logger.With("component", "enforce.Terminator"),
		open: func(ctx context.Context, pid int32) (node, error) {
			p, err := process.NewProcessWithContext(ctx, pid)
			if err != nil {
				return nil, err
			}
			return gopsNode{p}, nil
		},
	}
}

// Terminate kills pid.
func (t *Terminator) Terminate(ctx context.Context, pid int32) error {
	if t.dryRun {
		t.logger.Warn("dry run: would send SIGKILL", "pid", pid)
		return nil
	}
	n, err := t.open(ctx, pid)
	if err != nil {
		return classify(pid, err)
	}
	if err := n.Kill(ctx); err != nil {
		return classify(pid, err)
	}
	t.logger.Info("sent SIGKILL", "pid", pid)
	return nil
}

// ForceKill kills the whole process tree rooted at pid, children first.
// Descendants that already exited are ignored.
func (t *Terminator) ForceKill(ctx context.Context, pid int32) error {
	if t.dryRun {
		t.logger.Warn("dry run: would kill process tree", "pid", pid)
		return nil
	}
	root, err := t.open(ctx, pid)
	if err != nil {
		return classify(pid, err)
	}

	var errs []error
	killed := 0
	t.killTree(ctx, root, &killed, &errs)
	t.logger.Info("killed process tree", "pid", pid, "killed", killed, "errors", len(errs))
	return errors.Join(errs...)
}

func (t *Terminator) killTree(ctx context.Context, n node, killed *int, errs *[]error) {
	children, err := n.Children(ctx)
	if err != nil {
		t.logger.Warn("listing children failed", "pid", n.Pid(), "error", err)
	}
	for _, c := range children {
		t.killTree(ctx, c, killed, errs)
	}

	if err := n.Kill(ctx); err != nil {
		if cerr := classify(n.Pid(), err); !errors.Is(cerr, vitals.ErrProcessNotFound) {
			*errs = append(*errs, cerr)
		}
		return
	}
	*killed++
}

// classify maps "no such process" to vitals.ErrProcessNotFound.
func classify(pid int32, err error) error {
	if errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("pid %d: %w", pid, vitals.ErrProcessNotFound)
	}
	return fmt.Errorf("kill pid %d: %w", pid, err)
}
