package ledger

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sentinelguard/sentinel/internal/event"
)

// DefaultBuffer is the writer queue length.
const DefaultBuffer = 256

// appender is satisfied by *Store.
type appender interface {
	Append(e event.Event) (*Entry, error)
}

// Sink is an event.Sink that writes through a single background goroutine.
// Emit never blocks: when the queue is full the event is dropped.
type Sink struct {
	store  appender
	ch     chan event.Event
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewSink starts the writer. A non-positive buffer uses DefaultBuffer.
func NewSink(store appender, buffer int, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Sink{
		store:  store,
		ch:     make(chan event.Event, buffer),
		done:   make(chan struct{}),
		logger: logger.With("component", "ledger.Sink"),
	}
	go s.run()
	return s
}

func (s *Sink) Emit(e event.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
		s.logger.Warn("ledger queue full, event dropped", "event_id", e.ID, "kind", string(e.Kind))
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.ch {
		if _, err := s.store.Append(e); err != nil {
			s.failed.Add(1)
			s.logger.Error("ledger append failed", "event_id", e.ID, "error", err)
			continue
		}
		s.written.Add(1)
	}
}

// Close stops accepting events and waits for the queue to drain.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}

// Stats reports written, dropped and failed counts.
func (s *Sink) Stats() (written, dropped, failed uint64) {
	return s.written.Load(), s.dropped.Load(), s.failed.Load()
}
