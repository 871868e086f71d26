package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tickvault/internal/domain"
	"tickvault/internal/fetch"
	"tickvault/internal/registry"
	"tickvault/internal/store"
	"tickvault/internal/util"
)

// fakeClient scripts FetchRange responses per symbol and call count.
type fakeClient struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(symbol string, call int, from, to time.Time) ([]domain.Bar, error)
}

func (f *fakeClient) FetchRange(_ context.Context, symbol string, _ domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[symbol]++
	call := f.calls[symbol]
	f.mu.Unlock()
	return f.fn(symbol, call, from, to)
}

func (f *fakeClient) callCount(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

func dailyBars(from time.Time, n int) []domain.Bar {
	var bars []domain.Bar
	for i := 0; i < n; i++ {
		ts := from.AddDate(0, 0, i)
		bars = append(bars, domain.Bar{
			Timestamp: ts, Open: 10, High: 12, Low: 9, Close: 11, Volume: 100,
		})
	}
	return bars
}

type fixture struct {
	reg    *registry.Registry
	store  *store.ParquetStore
	report string
}

func newFixture(t *testing.T, symbols []string) fixture {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	if _, err := reg.Generate(context.Background(),
		map[string][]string{"nifty50": symbols},
		[]domain.Timeframe{domain.TF1Day}); err != nil {
		t.Fatal(err)
	}

	return fixture{
		reg:    reg,
		store:  store.NewParquetStore(filepath.Join(dir, "data")),
		report: dir,
	}
}

func testOptions(report string) Options {
	return Options{
		Workers:     2,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Cooldown:    10 * time.Millisecond,
		StaleClaim:  time.Hour,
		StartDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ReportDir:   report,
	}
}

func TestRunCompletesAllTasks(t *testing.T) {
	fx := newFixture(t, []string{"AAA", "BBB"})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	client := &fakeClient{fn: func(_ string, _ int, from, _ time.Time) ([]domain.Bar, error) {
		return dailyBars(from, 5), nil
	}}

	o := New(fx.reg, fx.store, client, testOptions(fx.report))
	stats, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Total != 2 || stats.Completed != 2 || stats.Failed != 0 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}

	bars, err := fx.store.ReadRange(context.Background(), "nifty50", "AAA", domain.TF1Day, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 5 {
		t.Errorf("stored %d bars for AAA, want 5", len(bars))
	}
	if !bars[0].Timestamp.Equal(start) {
		t.Errorf("first bar at %v, want %v", bars[0].Timestamp, start)
	}
}

func TestRunRetriesTransient(t *testing.T) {
	fx := newFixture(t, []string{"AAA"})

	client := &fakeClient{fn: func(_ string, call int, from, _ time.Time) ([]domain.Bar, error) {
		if call < 3 {
			return nil, &fetch.TransientError{Err: errors.New("flaky")}
		}
		return dailyBars(from, 2), nil
	}}

	o := New(fx.reg, fx.store, client, testOptions(fx.report))
	stats, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("stats = %+v, want 1 completed", stats)
	}
	if n := client.callCount("AAA"); n != 3 {
		t.Errorf("client called %d times, want 3", n)
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	fx := newFixture(t, []string{"AAA", "BBB"})

	client := &fakeClient{fn: func(symbol string, _ int, from, _ time.Time) ([]domain.Bar, error) {
		if symbol == "AAA" {
			return nil, &fetch.TransientError{Err: errors.New("down")}
		}
		return dailyBars(from, 2), nil
	}}

	o := New(fx.reg, fx.store, client, testOptions(fx.report))
	stats, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// One task fails after MaxAttempts, the other still completes.
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if n := client.callCount("AAA"); n != 3 {
		t.Errorf("failing task attempted %d times, want 3", n)
	}

	byClass, err := fx.reg.FailedByClass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if byClass[fetch.ClassTransient] != 1 {
		t.Errorf("FailedByClass = %v", byClass)
	}
}

func TestRunStopsOnAuthError(t *testing.T) {
	fx := newFixture(t, []string{"AAA", "BBB", "CCC", "DDD"})

	client := &fakeClient{fn: func(string, int, time.Time, time.Time) ([]domain.Bar, error) {
		return nil, &fetch.AuthError{Err: errors.New("key revoked")}
	}}

	opts := testOptions(fx.report)
	opts.Workers = 1
	o := New(fx.reg, fx.store, client, opts)

	stats, err := o.Run(context.Background())
	var auth *fetch.AuthError
	if !errors.As(err, &auth) {
		t.Fatalf("Run error = %v, want AuthError", err)
	}
	// The first claimed task fails fatally; the rest are never dispatched.
	if stats.Failed != 1 || stats.Pending != 3 {
		t.Errorf("stats = %+v", stats)
	}

	byClass, _ := fx.reg.FailedByClass(context.Background())
	if byClass[fetch.ClassAuth] != 1 {
		t.Errorf("FailedByClass = %v", byClass)
	}
}

func TestRunPausesOnRateLimit(t *testing.T) {
	fx := newFixture(t, []string{"AAA"})

	client := &fakeClient{fn: func(_ string, call int, from, _ time.Time) ([]domain.Bar, error) {
		if call == 1 {
			return nil, &fetch.RateLimitError{Err: errors.New("429 too many requests")}
		}
		return dailyBars(from, 3), nil
	}}

	opts := testOptions(fx.report)
	opts.Cooldown = 60 * time.Millisecond
	o := New(fx.reg, fx.store, client, opts)

	start := time.Now()
	stats, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want the rate-limited task to complete", stats)
	}
	// One rejected call, one successful retry after the cooldown elapsed.
	if n := client.callCount("AAA"); n != 2 {
		t.Errorf("client called %d times, want 2", n)
	}
	if elapsed := time.Since(start); elapsed < opts.Cooldown {
		t.Errorf("run finished in %v, dispatch should have paused for %v", elapsed, opts.Cooldown)
	}
}

func TestRunSkipsIntegrityFailures(t *testing.T) {
	fx := newFixture(t, []string{"AAA"})

	client := &fakeClient{fn: func(_ string, _ int, from, _ time.Time) ([]domain.Bar, error) {
		bars := dailyBars(from, 3)
		bars[1].Low = bars[1].High + 1 // corrupt
		return bars, nil
	}}

	o := New(fx.reg, fx.store, client, testOptions(fx.report))
	stats, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	// Integrity failures are not retried and never written.
	if n := client.callCount("AAA"); n != 1 {
		t.Errorf("client called %d times, want 1", n)
	}
	bars, _ := fx.store.ReadRange(context.Background(), "nifty50", "AAA", domain.TF1Day, time.Time{}, time.Time{})
	if len(bars) != 0 {
		t.Errorf("%d bars written despite integrity failure", len(bars))
	}
}

func TestRunEmptyResultCompletes(t *testing.T) {
	fx := newFixture(t, []string{"AAA"})

	client := &fakeClient{fn: func(string, int, time.Time, time.Time) ([]domain.Bar, error) {
		return nil, nil
	}}

	o := New(fx.reg, fx.store, client, testOptions(fx.report))
	stats, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("stats = %+v, empty window should complete the task", stats)
	}
}

func TestResumeProducesCompleteStore(t *testing.T) {
	fx := newFixture(t, []string{"AAA", "BBB"})
	ctx := context.Background()

	// First run: BBB keeps failing.
	failing := &fakeClient{fn: func(symbol string, _ int, from, _ time.Time) ([]domain.Bar, error) {
		if symbol == "BBB" {
			return nil, &fetch.TransientError{Err: errors.New("outage")}
		}
		return dailyBars(from, 4), nil
	}}
	o := New(fx.reg, fx.store, failing, testOptions(fx.report))
	if _, err := o.Run(ctx); err != nil {
		t.Fatal(err)
	}

	s, _ := fx.reg.Stats(ctx)
	if s.Completed != 1 || s.Failed != 1 {
		t.Fatalf("after partial run stats = %+v", s)
	}

	// Resume and rerun with the outage fixed.
	if _, err := fx.reg.ResumeFailed(ctx); err != nil {
		t.Fatal(err)
	}
	healthy := &fakeClient{fn: func(_ string, _ int, from, _ time.Time) ([]domain.Bar, error) {
		return dailyBars(from, 4), nil
	}}
	o2 := New(fx.reg, fx.store, healthy, testOptions(fx.report))
	stats, err := o2.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 2 || stats.Failed != 0 {
		t.Errorf("after resume stats = %+v", stats)
	}

	// AAA was already complete: the second run fetched only the gap, and the
	// store holds no duplicate timestamps.
	for _, sym := range []string{"AAA", "BBB"} {
		report, err := fx.store.Validate(ctx, "nifty50", sym, domain.TF1Day)
		if err != nil {
			t.Fatalf("Validate %s: %v", sym, err)
		}
		if !report.Valid() {
			t.Errorf("%s store invalid after resume: %+v", sym, report)
		}
	}
}

func TestRunWritesReport(t *testing.T) {
	fx := newFixture(t, []string{"AAA", "BBB"})

	client := &fakeClient{fn: func(symbol string, _ int, from, _ time.Time) ([]domain.Bar, error) {
		if symbol == "BBB" {
			return nil, &fetch.TransientError{Err: errors.New("down")}
		}
		return dailyBars(from, 2), nil
	}}

	o := New(fx.reg, fx.store, client, testOptions(fx.report))
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(fx.report, ".lastrun.json"))
	if err != nil {
		t.Fatalf("reading run report: %v", err)
	}
	var report RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("parsing run report: %v", err)
	}
	if report.RunID != fx.reg.RunID() {
		t.Errorf("report run_id = %q", report.RunID)
	}
	if report.Completed != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.FailedTasks) != 1 || report.FailedTasks[0].Task != "nifty50/BBB/1D" {
		t.Errorf("failed tasks = %+v", report.FailedTasks)
	}
	if report.FailedByClass[fetch.ClassTransient] != 1 {
		t.Errorf("failed by class = %+v", report.FailedByClass)
	}
}

func TestFailPersistErrorIsLogged(t *testing.T) {
	fx := newFixture(t, []string{"AAA"})
	ctx := context.Background()

	task, err := fx.reg.ClaimNext(ctx)
	if err != nil || task == nil {
		t.Fatalf("ClaimNext: task=%v err=%v", task, err)
	}

	client := &fakeClient{fn: func(string, int, time.Time, time.Time) ([]domain.Bar, error) {
		return nil, &fetch.AuthError{Err: errors.New("key revoked")}
	}}
	o := New(fx.reg, fx.store, client, testOptions(fx.report))

	var buf bytes.Buffer
	log := util.NewLogger(&buf, "debug", "text")

	// A closed registry makes the failure record unpersistable. The error
	// must still propagate and the persist failure must leave a trace.
	fx.reg.Close()
	perr := o.process(ctx, log, task)

	var auth *fetch.AuthError
	if !errors.As(perr, &auth) {
		t.Fatalf("process error = %v, want AuthError", perr)
	}
	if !strings.Contains(buf.String(), "recording task failure") {
		t.Errorf("persist failure not logged:\n%s", buf.String())
	}
}

func TestCooldownGate(t *testing.T) {
	var g cooldownGate

	// Untripped gate doesn't block.
	start := time.Now()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("untripped gate should not block")
	}

	g.Trip(30 * time.Millisecond)
	start = time.Now()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("tripped gate should block for the cooldown")
	}

	// Cancellation unblocks a tripped gate.
	g.Trip(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		t.Error("expected context error from cancelled Wait")
	}
}
