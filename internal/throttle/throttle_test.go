package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var epoch = time.Unix(1_700_000_000, 0)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

func TestThrottle_SlidingWindowScenario(t *testing.T) {
	th := New(Config{MaxActions: 3, Window: 60 * time.Second}, nil)

	steps := []struct {
		sec  int
		want bool
	}{
		{0, true},
		{10, true},
		{20, true},
		{25, false}, // three already in window
		{61, true},  // t=0 evicted, window holds 10, 20
	}
	for _, s := range steps {
		if got := th.Admit(at(s.sec), "Global_Config_Change"); got != s.want {
			t.Errorf("Admit(t=%d) = %v, want %v", s.sec, got, s.want)
		}
	}

	got := th.Snapshot()
	want := []time.Time{at(10), at(20), at(61)}
	if len(got) != len(want) {
		t.Fatalf("retained %d timestamps, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("timestamps[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestThrottle_BoundaryIsHalfOpen(t *testing.T) {
	th := New(Config{MaxActions: 1, Window: 60 * time.Second}, nil)

	if !th.Admit(at(0), "a") {
		t.Fatal("first request should be admitted")
	}
	if th.Admit(at(59), "a") {
		t.Fatal("request inside the window should be denied")
	}
	// Exactly Window later the old entry has expired.
	if !th.Admit(at(60), "a") {
		t.Fatal("request at exactly the window boundary should evict the old entry")
	}
	if n := th.InWindow(at(60)); n != 1 {
		t.Errorf("InWindow = %d, want 1", n)
	}
}

func TestThrottle_ZeroMaxAlwaysDenies(t *testing.T) {
	for _, max := range []int{0, -3} {
		th := New(Config{MaxActions: max, Window: time.Minute}, nil)
		for i := 0; i < 5; i++ {
			if th.Admit(at(i*1000), "a") {
				t.Fatalf("MaxActions=%d admitted request %d", max, i)
			}
		}
		if n := len(th.Snapshot()); n != 0 {
			t.Errorf("MaxActions=%d recorded %d timestamps, want 0", max, n)
		}
	}
}

func TestThrottle_DenialRecordsNothing(t *testing.T) {
	th := New(Config{MaxActions: 2, Window: time.Minute}, nil)
	th.Admit(at(0), "a")
	th.Admit(at(1), "a")
	for i := 2; i < 10; i++ {
		th.Admit(at(i), "a")
	}
	if n := len(th.Snapshot()); n != 2 {
		t.Errorf("retained %d timestamps after denials, want 2", n)
	}
	// Denials must not extend the window: both entries expire at t=60/61.
	if !th.Admit(at(61), "a") {
		t.Error("expected admission once the first entries expired")
	}
}

func TestThrottle_AdmitCountReportsDecisionCount(t *testing.T) {
	th := New(Config{MaxActions: 2, Window: 60 * time.Second}, nil)

	steps := []struct {
		sec       int
		wantCount int
		wantOK    bool
	}{
		{0, 1, true},
		{10, 2, true},
		{20, 2, false},
		{61, 2, true}, // t=0 evicted
	}
	for _, s := range steps {
		n, ok := th.AdmitCount(at(s.sec), "a")
		if n != s.wantCount || ok != s.wantOK {
			t.Errorf("AdmitCount(t=%d) = (%d, %v), want (%d, %v)", s.sec, n, ok, s.wantCount, s.wantOK)
		}
	}
}

func TestThrottle_ClampsStaleNow(t *testing.T) {
	th := New(Config{MaxActions: 5, Window: time.Minute}, nil)
	th.Admit(at(30), "a")
	th.Admit(at(10), "a") // stale reading from a slower caller

	ts := th.Snapshot()
	for i := 1; i < len(ts); i++ {
		if ts[i].Before(ts[i-1]) {
			t.Fatalf("timestamps not sorted: %v", ts)
		}
	}
}

func TestThrottle_ConcurrentRequestsAdmitExactlyMax(t *testing.T) {
	const (
		max     = 4
		callers = 64
	)
	th := New(Config{MaxActions: max, Window: time.Hour}, nil)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if th.Admit(epoch.Add(time.Duration(i)*time.Millisecond), "concurrent") {
				admitted.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := admitted.Load(); got != max {
		t.Errorf("admitted %d of %d concurrent requests, want %d", got, callers, max)
	}
}

// The number of admitted timestamps in any trailing window never exceeds
// MaxActions at the moment of an admission, and every decision matches a
// straightforward reference count.
func TestThrottle_WindowNeverExceedsMax(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("admissions bounded by max_actions per window", prop.ForAll(
		func(gaps []int, max int, windowSec int) bool {
			window := time.Duration(windowSec) * time.Second
			th := New(Config{MaxActions: max, Window: window}, nil)

			var admitted []time.Time
			now := epoch
			for _, gap := range gaps {
				now = now.Add(time.Duration(gap) * time.Second)

				inWindow := 0
				for _, ts := range admitted {
					if ts.After(now.Add(-window)) {
						inWindow++
					}
				}
				want := inWindow < max

				if got := th.Admit(now, "prop"); got != want {
					return false
				}
				if want {
					admitted = append(admitted, now)
					if inWindow+1 > max {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 40)),
		gen.IntRange(0, 6),
		gen.IntRange(1, 120),
	))

	properties.TestingRun(t)
}
