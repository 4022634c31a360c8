// Package killswitch is the operator's emergency stop. It works outside the
// agent entirely: a KILL sentinel file on disk, or a trigger from the API or
// CLI, terminates the supervised session.
package killswitch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Trigger sources.
const (
	SourceFile = "file"
	SourceAPI  = "api"
	SourceCLI  = "cli"
)

// TriggerRecord logs who or what triggered the kill switch and when.
type TriggerRecord struct {
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // api, cli, file
	Timestamp time.Time `json:"timestamp"`
}

// Status is the kill switch state for the status API.
type Status struct {
	Triggered bool            `json:"triggered"`
	FilePath  string          `json:"file_path,omitempty"`
	Watching  bool            `json:"watching"`
	History   []TriggerRecord `json:"history"`
}

// KillSwitch fires its callback at most once. Later triggers are still
// recorded in the history for audit.
type KillSwitch struct {
	mu        sync.RWMutex
	triggered bool
	history   []TriggerRecord

	filePath  string
	onTrigger func(TriggerRecord)

	watcher   *fsnotify.Watcher
	watchDone chan struct{}

	logger *slog.Logger
}

// DefaultFilePath returns ~/.sentinel/KILL.
func DefaultFilePath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sentinel", "KILL")
}

// New creates a KillSwitch. An empty filePath disables the file trigger.
func New(filePath string, onTrigger func(TriggerRecord), logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	return &KillSwitch{
		filePath:  filePath,
		onTrigger: onTrigger,
		logger:    logger.With("component", "killswitch.KillSwitch"),
	}
}

// Trigger activates the kill switch. It reports whether this call was the
// one that fired the callback.
func (ks *KillSwitch) Trigger(reason, source string) bool {
	if reason == "" {
		reason = "operator kill switch"
	}
	record := TriggerRecord{
		Reason:    reason,
		Source:    source,
		Timestamp: time.Now(),
	}

	ks.mu.Lock()
	first := !ks.triggered
	ks.triggered = true
	ks.history = append(ks.history, record)
	ks.mu.Unlock()

	ks.logger.Error("KILL SWITCH TRIGGERED",
		"reason", reason,
		"source", source,
		"first", first,
	)

	if first && ks.onTrigger != nil {
		ks.onTrigger(record)
	}
	return first
}

// Triggered reports whether the kill switch has fired.
func (ks *KillSwitch) Triggered() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.triggered
}

// History returns every trigger for audit purposes.
func (ks *KillSwitch) History() []TriggerRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]TriggerRecord, len(ks.history))
	copy(out, ks.history)
	return out
}

// Status returns the current state.
func (ks *KillSwitch) Status() Status {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	history := make([]TriggerRecord, len(ks.history))
	copy(history, ks.history)
	return Status{
		Triggered: ks.triggered,
		FilePath:  ks.filePath,
		Watching:  ks.watcher != nil,
		History:   history,
	}
}

// FilePath returns the watched sentinel path.
func (ks *KillSwitch) FilePath() string { return ks.filePath }

// CheckFile triggers if the KILL file exists. Its contents, if any, become
// the reason. It reports whether the file was found.
func (ks *KillSwitch) CheckFile() bool {
	if ks.filePath == "" {
		return false
	}
	data, err := os.ReadFile(ks.filePath)
	if err != nil {
		return false
	}
	if ks.Triggered() {
		return true
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "KILL sentinel file detected"
	}
	ks.Trigger(reason, SourceFile)
	return true
}

// Watch checks for an existing KILL file, then watches its directory with
// fsnotify so that creating the file triggers immediately. Call Stop to
// release the watcher.
func (ks *KillSwitch) Watch() error {
	if ks.filePath == "" {
		return nil
	}

	absPath, err := filepath.Abs(ks.filePath)
	if err != nil {
		return fmt.Errorf("failed to resolve kill file path: %w", err)
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create kill file directory %s: %w", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory rather than the file: the file does not exist yet.
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	ks.mu.Lock()
	if ks.watcher != nil {
		ks.mu.Unlock()
		_ = w.Close()
		return nil
	}
	done := make(chan struct{})
	ks.watcher = w
	ks.watchDone = done
	ks.mu.Unlock()

	go ks.watchLoop(w, absPath, done)
	ks.logger.Info("watching for kill file", "path", absPath)

	ks.CheckFile()
	return nil
}

func (ks *KillSwitch) watchLoop(w *fsnotify.Watcher, target string, done chan struct{}) {
	defer close(done)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(ev.Name)
			if absEvent != target {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				ks.CheckFile()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			ks.logger.Error("fsnotify error", "error", err)
		}
	}
}

// Stop releases the file watcher, if running.
func (ks *KillSwitch) Stop() {
	ks.mu.Lock()
	w, done := ks.watcher, ks.watchDone
	ks.watcher, ks.watchDone = nil, nil
	ks.mu.Unlock()

	if w == nil {
		return
	}
	_ = w.Close()
	<-done
}
