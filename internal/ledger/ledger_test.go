package ledger

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sentinelguard/sentinel/internal/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(id, session string, ts time.Time) event.Event {
	return event.Event{
		ID:        id,
		SessionID: session,
		Kind:      event.KindTransition,
		Severity:  event.SeverityCritical,
		Reason:    "Resource Exhaustion",
		From:      "nominal",
		To:        "terminated",
		Dimension: "resource",
		Fields:    map[string]any{"pid": 42},
		Timestamp: ts,
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	e := &Entry{ID: "evt-1", SessionID: "ses_1", Kind: "state.transition", PrevHash: ComputeSessionSeed("ses_1")}
	h1, h2 := ComputeHash(e), ComputeHash(e)
	if h1 != h2 {
		t.Errorf("ComputeHash is not deterministic: %q != %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}

	other := *e
	other.Reason = "tampered"
	if ComputeHash(&other) == h1 {
		t.Error("reason change should change the hash")
	}
}

func TestVerifyChain(t *testing.T) {
	build := func(n int) []*Entry {
		var out []*Entry
		prev := ComputeSessionSeed("ses_x")
		for i := 0; i < n; i++ {
			e := &Entry{ID: string(rune('a' + i)), SessionID: "ses_x", Kind: "k", PrevHash: prev}
			e.Hash = ComputeHash(e)
			prev = e.Hash
			out = append(out, e)
		}
		return out
	}

	if ok, idx := VerifyChain(build(4)); !ok || idx != -1 {
		t.Errorf("intact chain = (%v, %d)", ok, idx)
	}
	if ok, _ := VerifyChain(nil); !ok {
		t.Error("empty chain should be valid")
	}

	tampered := build(4)
	tampered[2].Reason = "edited"
	if ok, idx := VerifyChain(tampered); ok || idx != 2 {
		t.Errorf("tampered chain = (%v, %d), want (false, 2)", ok, idx)
	}

	relinked := build(3)
	relinked[0].PrevHash = "bogus"
	relinked[0].Hash = ComputeHash(relinked[0])
	if ok, idx := VerifyChain(relinked); ok || idx != 0 {
		t.Errorf("bad seed = (%v, %d), want (false, 0)", ok, idx)
	}
}

func TestStore_AppendListVerify(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"e1", "e2", "e3"} {
		if _, err := s.Append(testEvent(id, "ses_a", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
	if _, err := s.Append(testEvent("other", "ses_b", base)); err != nil {
		t.Fatal(err)
	}

	entries, err := s.List("ses_a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].PrevHash != ComputeSessionSeed("ses_a") {
		t.Error("first entry not seeded from the session ID")
	}
	if entries[1].PrevHash != entries[0].Hash {
		t.Error("entries not chained")
	}
	if string(entries[0].Fields) != `{"pid":42}` {
		t.Errorf("fields = %s", entries[0].Fields)
	}
	if !entries[2].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("timestamp = %v", entries[2].Timestamp)
	}

	res, err := s.Verify("ses_a")
	if err != nil || !res.Valid || res.Entries != 3 {
		t.Errorf("Verify = %+v, %v", res, err)
	}

	if limited, _ := s.List("ses_a", 2); len(limited) != 2 {
		t.Errorf("limited list = %d, want 2", len(limited))
	}
}

func TestStore_ChainSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Initialize(); err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Append(testEvent("e1", "ses_r", time.Now())); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if _, err := s2.Append(testEvent("e2", "ses_r", time.Now())); err != nil {
		t.Fatal(err)
	}
	if res, err := s2.Verify("ses_r"); err != nil || !res.Valid {
		t.Errorf("Verify after reopen = %+v, %v", res, err)
	}
}

func TestStore_VerifyDetectsTampering(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"e1", "e2", "e3"} {
		if _, err := s.Append(testEvent(id, "ses_t", time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.db.Exec(`UPDATE events SET reason = 'nothing to see' WHERE id = 'e2'`); err != nil {
		t.Fatal(err)
	}

	res, err := s.Verify("ses_t")
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify error = %v, want ErrChainBroken", err)
	}
	if res.Valid || res.BrokenAt != 1 {
		t.Errorf("result = %+v, want broken at 1", res)
	}
}

func TestStore_SessionsAndPrune(t *testing.T) {
	s := openTestStore(t)
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	s.Append(testEvent("o1", "ses_old", old))
	s.Append(testEvent("o2", "ses_old", old.Add(time.Minute)))
	s.Append(testEvent("n1", "ses_new", recent))

	sessions, err := s.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != "ses_new" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if sessions[1].Entries != 2 || !sessions[1].LastAt.Equal(old.Add(time.Minute)) {
		t.Errorf("old session summary = %+v", sessions[1])
	}

	n, err := s.Prune(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows, want 2", n)
	}
	if left, _ := s.List("ses_new", 0); len(left) != 1 {
		t.Errorf("recent session lost entries: %d", len(left))
	}
}

func TestStore_AppendInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT hash FROM events").
		WithArgs("ses_m").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(errors.New("database is locked"))

	s := NewStore(db)
	if _, err := s.Append(testEvent("e1", "ses_m", time.Now())); err == nil {
		t.Fatal("expected insert error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_AppendChainHeadFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT hash FROM events").
		WillReturnError(errors.New("disk I/O error"))

	s := NewStore(db)
	if _, err := s.Append(testEvent("e1", "ses_m", time.Now())); err == nil {
		t.Fatal("expected chain head error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_PruneFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM events").
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(errors.New("readonly database"))

	if _, err := NewStore(db).Prune(time.Now()); err == nil {
		t.Fatal("expected prune error")
	}
}

type fakeAppender struct {
	mu      sync.Mutex
	got     []string
	err     error
	release chan struct{}
}

func (f *fakeAppender) Append(e event.Event) (*Entry, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, e.ID)
	return &Entry{ID: e.ID}, f.err
}

func TestSink_WritesInOrder(t *testing.T) {
	app := &fakeAppender{}
	sink := NewSink(app, 8, nil)
	for _, id := range []string{"a", "b", "c"} {
		sink.Emit(event.Event{ID: id})
	}
	sink.Close()

	if len(app.got) != 3 || app.got[0] != "a" || app.got[2] != "c" {
		t.Errorf("appended %v", app.got)
	}
	if w, d, f := sink.Stats(); w != 3 || d != 0 || f != 0 {
		t.Errorf("stats = %d/%d/%d", w, d, f)
	}
}

func TestSink_DropsWhenFull(t *testing.T) {
	app := &fakeAppender{release: make(chan struct{})}
	sink := NewSink(app, 1, nil)

	// The writer holds one event while blocked; the queue holds one more.
	for i := 0; i < 10; i++ {
		sink.Emit(event.Event{ID: "x"})
	}
	close(app.release)
	sink.Close()

	written, dropped, _ := sink.Stats()
	if written+dropped != 10 {
		t.Errorf("written %d + dropped %d != 10", written, dropped)
	}
	if dropped < 8 {
		t.Errorf("dropped = %d, want at least 8", dropped)
	}
}

func TestSink_CountsFailuresAndIgnoresEmitAfterClose(t *testing.T) {
	app := &fakeAppender{err: errors.New("boom")}
	sink := NewSink(app, 4, nil)
	sink.Emit(event.Event{ID: "a"})
	sink.Close()
	sink.Close()
	sink.Emit(event.Event{ID: "late"})

	if _, _, failed := sink.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if len(app.got) != 1 {
		t.Errorf("appended %v after close", app.got)
	}
}

func TestSink_WithStore(t *testing.T) {
	s := openTestStore(t)
	sink := NewSink(s, 16, nil)
	rec := event.NewRecorder("ses_sink", nil, sink)

	rec.Emit(event.Event{Kind: event.KindActionDenied, Severity: event.SeverityWarning, Reason: "TEMPORAL BLOCK"})
	rec.Emit(event.Event{Kind: event.KindTransition, Severity: event.SeverityWarning, From: "nominal", To: "throttled"})
	sink.Close()

	res, err := s.Verify("ses_sink")
	if err != nil || res.Entries != 2 {
		t.Errorf("Verify = %+v, %v", res, err)
	}
}
