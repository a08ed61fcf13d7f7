// Package autoscale keeps a user task function running at a concurrency
// level that tracks system load, adjusting the target up when the system
// is idle and down when it is overloaded. It owns no resources itself;
// it drives whatever work source and browser pool a caller wires in.
package autoscale

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rorqualx/crawlpool/internal/crawlerrors"
	"github.com/Rorqualx/crawlpool/internal/status"
	"github.com/Rorqualx/crawlpool/internal/ticker"
)

// WorkSource is the user-provided contract: one unit of work, a readiness
// check, and a completion check. Modeled as an interface rather than a
// tagged callback bundle, per the documented design choice that the three
// predicates need no reflection.
type WorkSource interface {
	RunTask(ctx context.Context) error
	IsTaskReady(ctx context.Context) (bool, error)
	IsFinished(ctx context.Context) (bool, error)
}

// statusSource is the read-only subset of *status.Status AutoscaledPool
// depends on.
type statusSource interface {
	GetCurrentStatus() status.SystemInfo
	GetHistoricalStatus() status.SystemInfo
}

// Options configures a Pool. Zero values fall back to the documented
// defaults.
type Options struct {
	MinConcurrency          int           // default 1
	MaxConcurrency          int           // default 1000
	DesiredConcurrency      int           // default = MinConcurrency
	DesiredConcurrencyRatio float64       // default 0.9
	ScaleUpStepRatio        float64       // default 0.05
	ScaleDownStepRatio      float64       // default 0.05
	MaybeRunInterval        time.Duration // default 500ms
	AutoscaleInterval       time.Duration // default 10s
	LoggingInterval         time.Duration // 0 (the zero value) disables periodic logging; config.Load supplies 60s

	// Logger must be an initialized zerolog.Logger (e.g. zerolog.Nop() in
	// tests); the zero value panics on first use.
	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 1
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 1000
	}
	if o.DesiredConcurrency <= 0 {
		o.DesiredConcurrency = o.MinConcurrency
	}
	if o.DesiredConcurrencyRatio <= 0 {
		o.DesiredConcurrencyRatio = 0.9
	}
	if o.ScaleUpStepRatio <= 0 {
		o.ScaleUpStepRatio = 0.05
	}
	if o.ScaleDownStepRatio <= 0 {
		o.ScaleDownStepRatio = 0.05
	}
	if o.MaybeRunInterval <= 0 {
		o.MaybeRunInterval = 500 * time.Millisecond
	}
	if o.AutoscaleInterval <= 0 {
		o.AutoscaleInterval = 10 * time.Second
	}
	if o.LoggingInterval < 0 {
		o.LoggingInterval = 0
	}
}

// poolState holds every field whose mutation must be serialized through
// mu. Separated from Pool itself purely to document, in one place, what
// "the pool's mutable state" means (SPEC_FULL.md §5).
type poolState struct {
	minConcurrency     int
	maxConcurrency     int
	desiredConcurrency int
	currentConcurrency int

	isStopped bool

	queryingIsTaskReady bool
	queryingIsFinished  bool
}

// Pool runs a WorkSource at a concurrency that tracks a statusSource.
// All mutation of poolState happens under mu; nothing suspends while mu
// is held (SPEC_FULL.md §7).
type Pool struct {
	opts   Options
	work   WorkSource
	status statusSource
	logger zerolog.Logger

	mu sync.Mutex
	st poolState

	firstErr   error
	firstErrMu sync.Mutex

	finishOnce sync.Once
	finishCh   chan struct{}

	maybeRunTicker  *ticker.Better
	autoscaleTicker *ticker.Better
	loggingTicker   *ticker.Better

	// wg tracks only the three ticker-driver goroutines above, so Run can
	// wait for them to exit promptly on return. It must never track
	// runOne/maybeRunTask goroutines: per I6/S6, in-flight tasks are not
	// cancelled and Run must not block on them.
	wg sync.WaitGroup

	// tickCtx governs the admission/autoscale/logging loops and is
	// cancelled the moment Run is about to return. taskCtx is the context
	// handed to runTask itself; it is the raw context Run was called with,
	// never wrapped with a cancel Run triggers on its own way out, so a
	// long-running task is never torn down by an abort. Both are set once,
	// before any goroutine that reads them is started.
	tickCtx context.Context
	taskCtx context.Context

	pauseCond *sync.Cond
}

// New builds a Pool. status must be non-nil and is typically a
// *status.Status backed by a live Snapshotter.
func New(work WorkSource, statusSrc statusSource, opts Options) (*Pool, error) {
	opts.setDefaults()
	if work == nil {
		return nil, crawlerrors.NewConfigError("work", "a WorkSource implementation is required")
	}
	if statusSrc == nil {
		return nil, crawlerrors.NewConfigError("status", "a status source is required")
	}
	if opts.MinConcurrency > opts.MaxConcurrency {
		return nil, crawlerrors.NewConfigError("MinConcurrency", "must not exceed MaxConcurrency")
	}

	p := &Pool{
		opts:   opts,
		work:   work,
		status: statusSrc,
		logger: opts.Logger,
		st: poolState{
			minConcurrency:     opts.MinConcurrency,
			maxConcurrency:     opts.MaxConcurrency,
			desiredConcurrency: opts.DesiredConcurrency,
		},
		finishCh: make(chan struct{}),
	}
	p.pauseCond = sync.NewCond(&p.mu)
	p.maybeRunTicker = ticker.New(opts.MaybeRunInterval, p.maybeRunTask)
	p.autoscaleTicker = ticker.New(opts.AutoscaleInterval, p.autoscale)
	if opts.LoggingInterval > 0 {
		p.loggingTicker = ticker.New(opts.LoggingInterval, p.logStatus)
	}
	return p, nil
}

// Run blocks until IsFinished reports true with zero tasks in flight, or
// a task/predicate fails, or the context is canceled. It returns the
// first error encountered, if any.
//
// Run resolves as soon as finishCh closes or ctx is done, without waiting
// for any runTask call already in flight: per I6/S6 there is no
// task-cancellation primitive, and in-flight futures complete in the
// background without affecting Run's resolution. Only the ticker-driver
// goroutines (tracked in wg) are waited on here.
func (p *Pool) Run(ctx context.Context) error {
	p.taskCtx = ctx

	tickCtx, cancelTicks := context.WithCancel(ctx)
	p.tickCtx = tickCtx
	defer cancelTicks()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.maybeRunTicker.Run(tickCtx)
	}()
	go func() {
		defer p.wg.Done()
		p.autoscaleTicker.Run(tickCtx)
	}()
	if p.loggingTicker != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loggingTicker.Run(tickCtx)
		}()
	}

	select {
	case <-p.finishCh:
	case <-ctx.Done():
		p.recordError(ctx.Err())
	}

	cancelTicks()
	p.wg.Wait()
	return p.getFirstError()
}

// Abort resolves Run immediately without waiting for in-flight tasks to
// drain, and never touches taskCtx: tasks already running continue to
// completion in the background. Abort never fails.
func (p *Pool) Abort() {
	p.finishOnce.Do(func() { close(p.finishCh) })
}

// Pause sets isStopped and blocks until currentConcurrency reaches zero
// or timeout elapses. Run stays pending; already-running tasks continue
// to completion since there is no task-cancellation primitive.
//
// On timeout, Pause returns but the waiter goroutine below stays parked
// on pauseCond.Wait(): it has no way to cancel the tasks it is waiting
// on, so it can only exit once runOne's Broadcast eventually fires. If
// currentConcurrency never drains (e.g. a task hangs forever), that
// goroutine is leaked for the life of the process. This is the same
// tradeoff as Run not waiting on in-flight tasks: the absence of a
// task-cancellation primitive means something, somewhere, may be left
// waiting on work that never finishes.
func (p *Pool) Pause(timeout time.Duration) error {
	p.mu.Lock()
	p.st.isStopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.st.currentConcurrency > 0 {
			p.pauseCond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return crawlerrors.ErrPauseTimeout
	}
}

// Resume clears isStopped, letting _maybeRunTask admit work again.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.st.isStopped = false
	p.mu.Unlock()
	p.maybeRunTicker.Kick()
}

// CurrentConcurrency returns the number of in-flight runTask calls.
func (p *Pool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.currentConcurrency
}

// DesiredConcurrency returns the current scaling target.
func (p *Pool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.desiredConcurrency
}

// SetBounds retunes MinConcurrency/MaxConcurrency in place, e.g. from a
// config hot-reload. desiredConcurrency is clamped into the new bounds
// immediately so the invariant in SPEC_FULL.md §5 never transiently
// breaks; currentConcurrency is left alone since in-flight tasks have no
// cancellation primitive.
func (p *Pool) SetBounds(minConcurrency, maxConcurrency int) error {
	if minConcurrency <= 0 || maxConcurrency <= 0 || minConcurrency > maxConcurrency {
		return crawlerrors.NewConfigError("MinConcurrency", "must be positive and not exceed MaxConcurrency")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st.minConcurrency = minConcurrency
	p.st.maxConcurrency = maxConcurrency
	if p.st.desiredConcurrency > maxConcurrency {
		p.st.desiredConcurrency = maxConcurrency
	}
	if p.st.desiredConcurrency < minConcurrency {
		p.st.desiredConcurrency = minConcurrency
	}
	return nil
}

// SetScaleRatios retunes the autoscale step/gate ratios in place.
func (p *Pool) SetScaleRatios(desiredConcurrencyRatio, scaleUpStepRatio, scaleDownStepRatio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if desiredConcurrencyRatio > 0 {
		p.opts.DesiredConcurrencyRatio = desiredConcurrencyRatio
	}
	if scaleUpStepRatio > 0 {
		p.opts.ScaleUpStepRatio = scaleUpStepRatio
	}
	if scaleDownStepRatio > 0 {
		p.opts.ScaleDownStepRatio = scaleDownStepRatio
	}
}

// maybeRunTask implements the seven-step admission algorithm (§4.3.1).
// Each precondition short-circuits by simply returning; the ticker
// reschedules itself regardless.
//
// The isStopped/queryingIsTaskReady/currentConcurrency preconditions and
// the queryingIsTaskReady set are checked and applied in the same locked
// region, so two concurrent callers (ticker tick, deferred re-entry,
// Kick) can never both pass the guard and both call IsTaskReady at once
// (I3). queryingIsTaskReady is cleared and currentConcurrency is
// incremented in a single later locked region too, so a second caller
// can never observe the flag cleared while currentConcurrency is still
// stale, which would otherwise let admission exceed desiredConcurrency
// (I1/I2).
func (p *Pool) maybeRunTask(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	if p.st.isStopped || p.st.queryingIsTaskReady || p.st.currentConcurrency >= p.st.desiredConcurrency {
		p.mu.Unlock()
		return
	}
	current := p.st.currentConcurrency
	minConc := p.st.minConcurrency
	p.st.queryingIsTaskReady = true
	p.mu.Unlock()

	if current >= minConc {
		info := p.status.GetCurrentStatus()
		if !info.IsIdle {
			p.mu.Lock()
			p.st.queryingIsTaskReady = false
			p.mu.Unlock()
			return
		}
	}

	correlationID := uuid.NewString()
	ready, err := p.work.IsTaskReady(ctx)

	p.mu.Lock()
	p.st.queryingIsTaskReady = false
	if err == nil && ready {
		p.st.currentConcurrency++
	}
	p.mu.Unlock()

	if err != nil {
		p.recordError(crawlerrors.NewPredicateError("isTaskReady", err))
		return
	}
	if !ready {
		p.maybeFinish(ctx)
		return
	}

	// Deferred re-entry: ramp concurrency as fast as IsTaskReady permits,
	// without waiting for the next periodic tick. Neither goroutine is
	// tracked in p.wg: Run must not block its return on task goroutines.
	go p.maybeRunTask(ctx)
	p.maybeRunTicker.Kick()

	go p.runOne(correlationID)
}

// runOne executes exactly one runTask call against taskCtx, never
// tickCtx: an abort cancels tickCtx to stop scheduling new work, but the
// task already admitted here keeps running to completion regardless
// (I6/S6).
func (p *Pool) runOne(correlationID string) {
	err := p.work.RunTask(p.taskCtx)

	p.mu.Lock()
	p.st.currentConcurrency--
	stopped := p.st.currentConcurrency == 0
	p.mu.Unlock()
	if stopped {
		p.pauseCond.Broadcast()
	}

	if err != nil {
		p.logger.Error().Err(err).Str("task_id", correlationID).Msg("autoscale: task failed")
		p.recordError(crawlerrors.NewTaskError(fmt.Errorf("task %s: %w", correlationID, err)))
		return
	}

	go p.maybeRunTask(p.tickCtx)
}

// maybeFinish implements §4.3.3: at most one concurrent IsFinished call,
// skipped entirely while any task is in flight.
func (p *Pool) maybeFinish(ctx context.Context) {
	p.mu.Lock()
	if p.st.currentConcurrency > 0 || p.st.queryingIsFinished {
		p.mu.Unlock()
		return
	}
	p.st.queryingIsFinished = true
	p.mu.Unlock()

	finished, err := p.work.IsFinished(ctx)

	p.mu.Lock()
	p.st.queryingIsFinished = false
	p.mu.Unlock()

	if err != nil {
		p.recordError(crawlerrors.NewPredicateError("isFinished", err))
		return
	}
	if finished {
		p.finishOnce.Do(func() { close(p.finishCh) })
	}
}

// autoscale implements the sizing algorithm (§4.3.2), reading the
// historical status to avoid flapping on a transient spike.
func (p *Pool) autoscale(ctx context.Context) {
	info := p.status.GetHistoricalStatus()

	p.mu.Lock()
	defer p.mu.Unlock()

	desired := p.st.desiredConcurrency
	current := p.st.currentConcurrency

	switch {
	case info.IsIdle &&
		desired < p.st.maxConcurrency &&
		current >= int(math.Floor(float64(desired)*p.opts.DesiredConcurrencyRatio)):
		step := stepSize(desired, p.opts.ScaleUpStepRatio)
		p.st.desiredConcurrency = min(p.st.maxConcurrency, desired+step)

	case !info.IsIdle && desired > p.st.minConcurrency:
		// Deviation from the upstream source: the scale-down step must use
		// ScaleDownStepRatio, not ScaleUpStepRatio (documented open question).
		step := stepSize(desired, p.opts.ScaleDownStepRatio)
		p.st.desiredConcurrency = max(p.st.minConcurrency, desired-step)
	}
}

func stepSize(desired int, ratio float64) int {
	step := int(math.Ceil(float64(desired) * ratio))
	if step < 1 {
		step = 1
	}
	return step
}

func (p *Pool) logStatus(ctx context.Context) {
	info := p.status.GetHistoricalStatus()
	p.mu.Lock()
	current, desired := p.st.currentConcurrency, p.st.desiredConcurrency
	p.mu.Unlock()
	p.logger.Info().
		Int("current_concurrency", current).
		Int("desired_concurrency", desired).
		Bool("system_idle", info.IsIdle).
		Msg("autoscale: status")
}

// recordError implements first-error-wins: the first failure triggers
// Abort; every subsequent one is logged and discarded.
func (p *Pool) recordError(err error) {
	p.firstErrMu.Lock()
	if p.firstErr == nil {
		p.firstErr = err
		p.firstErrMu.Unlock()
		p.Abort()
		return
	}
	p.firstErrMu.Unlock()
	if !errors.Is(err, context.Canceled) {
		p.logger.Warn().Err(err).Msg("autoscale: discarding error after first failure")
	}
}

func (p *Pool) getFirstError() error {
	p.firstErrMu.Lock()
	defer p.firstErrMu.Unlock()
	return p.firstErr
}
