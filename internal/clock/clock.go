// Package clock supplies the time source used by the throttle and the
// supervisor's poll loop. Production code uses System; tests use Manual to
// drive the window and the ticker deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time and creates tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the poll loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the wall clock. time.Now carries a monotonic reading, so
// comparisons between two System.Now values are immune to clock steps.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// Manual is a clock that only moves when Advance or Set is called. Tickers
// created from it fire during Advance for every period boundary crossed;
// like time.Ticker, a tick is dropped if the previous one was not consumed.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		clock:  m,
		period: d,
		next:   m.now.Add(d),
		ch:     make(chan time.Time, 1),
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock forward by d and fires due tickers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	tickers := append([]*manualTicker(nil), m.tickers...)
	m.mu.Unlock()

	for _, t := range tickers {
		t.fire(now)
	}
}

// Set jumps the clock to t without firing tickers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// TickerCount reports how many tickers are active. Tests use it to wait
// until a poll loop has started.
func (m *Manual) TickerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickers)
}

func (m *Manual) remove(t *manualTicker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.tickers {
		if other == t {
			m.tickers = append(m.tickers[:i], m.tickers[i+1:]...)
			return
		}
	}
}

type manualTicker struct {
	clock  *Manual
	period time.Duration

	mu      sync.Mutex
	next    time.Time
	stopped bool
	ch      chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	already := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if !already {
		t.clock.remove(t)
	}
}

func (t *manualTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.period)
	}
}
