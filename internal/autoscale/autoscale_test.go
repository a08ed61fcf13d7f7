package autoscale

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rorqualx/crawlpool/internal/crawlerrors"
	"github.com/Rorqualx/crawlpool/internal/status"
)

// fakeStatus lets tests flip current/historical idleness independently.
type fakeStatus struct {
	mu         sync.Mutex
	current    bool
	historical bool
}

func (f *fakeStatus) setCurrent(idle bool) {
	f.mu.Lock()
	f.current = idle
	f.mu.Unlock()
}

func (f *fakeStatus) setHistorical(idle bool) {
	f.mu.Lock()
	f.historical = idle
	f.mu.Unlock()
}

func (f *fakeStatus) GetCurrentStatus() status.SystemInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return status.SystemInfo{IsIdle: f.current}
}

func (f *fakeStatus) GetHistoricalStatus() status.SystemInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return status.SystemInfo{IsIdle: f.historical}
}

func alwaysIdle() *fakeStatus { return &fakeStatus{current: true, historical: true} }

// countingWork runs a fixed number of near-instant tasks, then reports
// finished. Safe for concurrent use from multiple in-flight tasks.
type countingWork struct {
	remaining   atomic.Int64
	ran         atomic.Int64
	taskErr     error
	readyErr    error
	finishedErr error
	taskDelay   time.Duration
}

func newCountingWork(n int64) *countingWork {
	w := &countingWork{}
	w.remaining.Store(n)
	return w
}

// RunTask ignores ctx entirely: per the scheduler's model there is no
// task-cancellation primitive, so a task that does not poll ctx itself
// simply runs to completion regardless of what Run or Abort do.
func (w *countingWork) RunTask(ctx context.Context) error {
	if w.taskDelay > 0 {
		time.Sleep(w.taskDelay)
	}
	w.ran.Add(1)
	return w.taskErr
}

func (w *countingWork) IsTaskReady(ctx context.Context) (bool, error) {
	if w.readyErr != nil {
		return false, w.readyErr
	}
	return w.remaining.Add(-1) >= 0, nil
}

func (w *countingWork) IsFinished(ctx context.Context) (bool, error) {
	if w.finishedErr != nil {
		return false, w.finishedErr
	}
	return w.remaining.Load() < 0, nil
}

func fastOpts() Options {
	return Options{
		MinConcurrency:    1,
		MaxConcurrency:    10,
		MaybeRunInterval:  2 * time.Millisecond,
		AutoscaleInterval: time.Hour,
		Logger:            zerolog.Nop(),
	}
}

func TestRunDrainsAllReadyTasksThenFinishes(t *testing.T) {
	work := newCountingWork(5)
	p, err := New(work, alwaysIdle(), fastOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if work.ran.Load() != 5 {
		t.Errorf("expected 5 tasks run, got %d", work.ran.Load())
	}
	if p.CurrentConcurrency() != 0 {
		t.Errorf("expected zero concurrency after Run completes, got %d", p.CurrentConcurrency())
	}
}

func TestRunPropagatesFirstTaskError(t *testing.T) {
	work := newCountingWork(5)
	work.taskErr = errors.New("boom")
	p, err := New(work, alwaysIdle(), fastOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = p.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to return the task error")
	}
}

// TestAbortNeverFails verifies I6/S6: Abort resolves Run within roughly
// one scheduler tick regardless of tasks still in flight. work.RunTask
// sleeps for an hour and ignores ctx, so the only way this test passes
// in under a second is if Run does not wait on that goroutine.
func TestAbortNeverFails(t *testing.T) {
	work := newCountingWork(1000)
	work.taskDelay = time.Hour // tasks never complete on their own
	p, err := New(work, alwaysIdle(), fastOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	p.Abort()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Abort must resolve Run without an error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Abort, even though the in-flight task is still running in the background")
	}
}

func TestConcurrencyNeverExceedsDesired(t *testing.T) {
	var peak atomic.Int64
	var inFlight atomic.Int64

	work := &trackingWork{n: 50, inFlight: &inFlight, peak: &peak, delay: 3 * time.Millisecond}
	opts := fastOpts()
	opts.DesiredConcurrency = 4
	opts.MaxConcurrency = 4

	p, err := New(work, alwaysIdle(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak.Load() > 4 {
		t.Errorf("observed concurrency %d exceeds desiredConcurrency 4", peak.Load())
	}
}

type trackingWork struct {
	n        int64
	inFlight *atomic.Int64
	peak     *atomic.Int64
	delay    time.Duration
}

func (w *trackingWork) RunTask(ctx context.Context) error {
	cur := w.inFlight.Add(1)
	for {
		p := w.peak.Load()
		if cur <= p || w.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	time.Sleep(w.delay)
	w.inFlight.Add(-1)
	return nil
}

func (w *trackingWork) IsTaskReady(ctx context.Context) (bool, error) {
	return atomic.AddInt64(&w.n, -1) >= 0, nil
}

func (w *trackingWork) IsFinished(ctx context.Context) (bool, error) {
	return atomic.LoadInt64(&w.n) < 0, nil
}

func TestBelowMinConcurrencyRunsWhileOverloaded(t *testing.T) {
	work := newCountingWork(3)
	st := &fakeStatus{current: false, historical: false} // system overloaded throughout
	opts := fastOpts()
	opts.MinConcurrency = 2
	opts.DesiredConcurrency = 2

	p, err := New(work, st, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if work.ran.Load() != 3 {
		t.Errorf("expected tasks to run below minConcurrency despite overload, got %d", work.ran.Load())
	}
}

func TestAtOrAboveMinConcurrencyBlocksWhileOverloaded(t *testing.T) {
	var peak, inFlight atomic.Int64
	work := &trackingWork{n: 1000, inFlight: &inFlight, peak: &peak, delay: 5 * time.Millisecond}
	st := &fakeStatus{current: false, historical: false}
	opts := fastOpts()
	opts.MinConcurrency = 1
	opts.DesiredConcurrency = 5

	p, err := New(work, st, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	if peak.Load() > 1 {
		t.Errorf("expected admission to never exceed minConcurrency (1) under sustained overload, observed peak %d", peak.Load())
	}
}

func TestAutoscaleUpRequiresCurrentNearDesired(t *testing.T) {
	p := &Pool{
		opts:   Options{DesiredConcurrencyRatio: 0.9, ScaleUpStepRatio: 0.05, ScaleDownStepRatio: 0.05},
		status: &fakeStatus{historical: true},
		logger: zerolog.Nop(),
	}
	p.st = poolState{minConcurrency: 1, maxConcurrency: 100, desiredConcurrency: 10, currentConcurrency: 5}

	p.autoscale(context.Background())

	if p.st.desiredConcurrency != 10 {
		t.Errorf("must not scale up when current (5) is far below desired*ratio (9), got desired=%d", p.st.desiredConcurrency)
	}
}

func TestAutoscaleUpStepsByRatioWithMinimumOne(t *testing.T) {
	p := &Pool{
		opts:   Options{DesiredConcurrencyRatio: 0.9, ScaleUpStepRatio: 0.05, ScaleDownStepRatio: 0.05},
		status: &fakeStatus{historical: true},
		logger: zerolog.Nop(),
	}
	p.st = poolState{minConcurrency: 1, maxConcurrency: 100, desiredConcurrency: 10, currentConcurrency: 10}

	p.autoscale(context.Background())

	if p.st.desiredConcurrency != 11 {
		t.Errorf("expected desiredConcurrency to step up by ceil(10*0.05)=1, got %d", p.st.desiredConcurrency)
	}
}

func TestAutoscaleDownUsesScaleDownStepRatioNotScaleUp(t *testing.T) {
	// Regression test for the documented upstream bug: scale-down must use
	// ScaleDownStepRatio, never ScaleUpStepRatio.
	p := &Pool{
		opts:   Options{DesiredConcurrencyRatio: 0.9, ScaleUpStepRatio: 0.5, ScaleDownStepRatio: 0.1},
		status: &fakeStatus{historical: false},
		logger: zerolog.Nop(),
	}
	p.st = poolState{minConcurrency: 1, maxConcurrency: 100, desiredConcurrency: 20, currentConcurrency: 20}

	p.autoscale(context.Background())

	if p.st.desiredConcurrency != 18 {
		t.Errorf("expected step of ceil(20*0.1)=2 using ScaleDownStepRatio, got desired=%d (would be 10 if ScaleUpStepRatio leaked in)", p.st.desiredConcurrency)
	}
}

func TestAutoscaleNeverCrossesBounds(t *testing.T) {
	p := &Pool{
		opts:   Options{DesiredConcurrencyRatio: 0.9, ScaleUpStepRatio: 1, ScaleDownStepRatio: 1},
		status: &fakeStatus{historical: true},
		logger: zerolog.Nop(),
	}
	p.st = poolState{minConcurrency: 1, maxConcurrency: 10, desiredConcurrency: 10, currentConcurrency: 10}
	p.autoscale(context.Background())
	if p.st.desiredConcurrency != 10 {
		t.Errorf("must clamp at maxConcurrency, got %d", p.st.desiredConcurrency)
	}

	p.status = &fakeStatus{historical: false}
	p.st.desiredConcurrency = 1
	p.autoscale(context.Background())
	if p.st.desiredConcurrency != 1 {
		t.Errorf("must clamp at minConcurrency, got %d", p.st.desiredConcurrency)
	}
}

func TestPauseWaitsForZeroConcurrencyThenResume(t *testing.T) {
	work := newCountingWork(2)
	work.taskDelay = 10 * time.Millisecond
	p, err := New(work, alwaysIdle(), fastOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	if err := p.Pause(time.Second); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if p.CurrentConcurrency() != 0 {
		t.Errorf("Pause must only return once concurrency is zero, got %d", p.CurrentConcurrency())
	}

	p.Resume()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not complete after Resume")
	}
}

func TestPauseTimesOutIfConcurrencyNeverDrains(t *testing.T) {
	work := newCountingWork(1000)
	work.taskDelay = time.Hour
	p, err := New(work, alwaysIdle(), fastOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go p.Run(context.Background())
	time.Sleep(10 * time.Millisecond)

	err = p.Pause(10 * time.Millisecond)
	if err == nil {
		t.Fatal("expected Pause to time out while a task is permanently in flight")
	}
	p.Abort()
}

func TestSetBoundsClampsDesiredConcurrency(t *testing.T) {
	p, err := New(newCountingWork(0), alwaysIdle(), Options{
		MinConcurrency:     1,
		MaxConcurrency:     10,
		DesiredConcurrency: 8,
		Logger:             zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.SetBounds(2, 5); err != nil {
		t.Fatalf("SetBounds: %v", err)
	}
	if got := p.DesiredConcurrency(); got != 5 {
		t.Errorf("desiredConcurrency after narrowing bounds: got %d, want 5 (clamped to new max)", got)
	}

	if err := p.SetBounds(6, 6); err != nil {
		t.Fatalf("SetBounds: %v", err)
	}
	if got := p.DesiredConcurrency(); got != 6 {
		t.Errorf("desiredConcurrency after raising min above current desired: got %d, want 6", got)
	}

	if err := p.SetBounds(10, 1); err == nil {
		t.Fatal("expected SetBounds to reject min > max")
	}
}

// predicateRaceWork tracks how many IsTaskReady calls are in flight at
// once, widening the window inside the call so a non-atomic guard would
// let a second caller in.
type predicateRaceWork struct {
	n        int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (w *predicateRaceWork) RunTask(ctx context.Context) error { return nil }

func (w *predicateRaceWork) IsTaskReady(ctx context.Context) (bool, error) {
	cur := w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	for {
		p := w.peak.Load()
		if cur <= p || w.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return atomic.AddInt64(&w.n, -1) >= 0, nil
}

func (w *predicateRaceWork) IsFinished(ctx context.Context) (bool, error) {
	return atomic.LoadInt64(&w.n) < 0, nil
}

func TestIsTaskReadyNeverCalledConcurrently(t *testing.T) {
	work := &predicateRaceWork{n: 200}
	opts := fastOpts()
	opts.DesiredConcurrency = 8
	opts.MaxConcurrency = 8

	p, err := New(work, alwaysIdle(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak := work.peak.Load(); peak > 1 {
		t.Errorf("observed %d concurrent IsTaskReady calls, want at most 1 (I3)", peak)
	}
}

func TestIsTaskReadyErrorIsWrappedAsPredicateError(t *testing.T) {
	work := newCountingWork(5)
	work.readyErr = errors.New("ready check exploded")
	p, err := New(work, alwaysIdle(), fastOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = p.Run(ctx)
	var predErr *crawlerrors.PredicateError
	if !errors.As(err, &predErr) {
		t.Fatalf("expected a *crawlerrors.PredicateError, got %T: %v", err, err)
	}
	if predErr.Predicate != "isTaskReady" {
		t.Errorf("expected Predicate %q, got %q", "isTaskReady", predErr.Predicate)
	}
}

func TestIsFinishedErrorIsWrappedAsPredicateError(t *testing.T) {
	work := newCountingWork(0)
	work.finishedErr = errors.New("finished check exploded")
	p, err := New(work, alwaysIdle(), fastOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = p.Run(ctx)
	var predErr *crawlerrors.PredicateError
	if !errors.As(err, &predErr) {
		t.Fatalf("expected a *crawlerrors.PredicateError, got %T: %v", err, err)
	}
	if predErr.Predicate != "isFinished" {
		t.Errorf("expected Predicate %q, got %q", "isFinished", predErr.Predicate)
	}
}

func TestSetScaleRatiosAppliesOnNextAutoscale(t *testing.T) {
	fs := &fakeStatus{current: true, historical: false}
	p, err := New(newCountingWork(0), fs, Options{
		MinConcurrency:     1,
		MaxConcurrency:     100,
		DesiredConcurrency: 20,
		Logger:             zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.SetScaleRatios(0, 0, 0.5) // desiredConcurrencyRatio=0 is ignored (not a positive override)
	p.autoscale(context.Background())

	if got := p.DesiredConcurrency(); got != 10 {
		t.Errorf("desiredConcurrency after scale-down with 0.5 ratio: got %d, want 10", got)
	}
}
