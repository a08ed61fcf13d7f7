// Package browserpool manages a pool of long-lived headless-browser
// subprocesses, handing out tabs while keeping subprocess count bounded.
// The lifecycle (Launching → Active → Retired → Killed) and the
// launch/sweep/shutdown shapes are grounded in the teacher's
// internal/browser.Pool, generalized from a fixed pre-warmed pool to an
// on-demand pool sized by the scheduler above it.
package browserpool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/crawlpool/internal/crawlerrors"
	"github.com/Rorqualx/crawlpool/internal/ticker"
)

// Options configures a Pool. Zero values fall back to the documented
// defaults.
type Options struct {
	MaxTabsPerBrowser      int           // default 50
	KillInstanceAfter      time.Duration // default 5m
	InstanceKillerInterval time.Duration // default 60s
	ProcessKillTimeout     time.Duration // default 5s

	Launch Launcher // required
	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxTabsPerBrowser <= 0 {
		o.MaxTabsPerBrowser = 50
	}
	if o.KillInstanceAfter <= 0 {
		o.KillInstanceAfter = 5 * time.Minute
	}
	if o.InstanceKillerInterval <= 0 {
		o.InstanceKillerInterval = 60 * time.Second
	}
	if o.ProcessKillTimeout <= 0 {
		o.ProcessKillTimeout = 5 * time.Second
	}
}

// Page is a tab handed to a caller by NewPage. Close must be called
// exactly once; it decrements the owning instance's active-tab count and,
// if the instance is retired and now idle, triggers its kill.
type Page struct {
	Tab

	pool     *Pool
	instance *BrowserInstance
	closed   atomic.Bool
}

// Close releases the tab back to the pool's bookkeeping and closes the
// underlying browser tab.
func (p *Page) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.Tab.Close()
	p.pool.onTabClosed(p.instance)
	return err
}

// Stats is a point-in-time snapshot of pool composition, grounded in the
// teacher's PoolStatsSnapshot.
type Stats struct {
	Active       int
	Retired      int
	LaunchCount  int64
	KillCount    int64
	LaunchErrors int64
}

// Pool owns every BrowserInstance it launches. The active/retired maps
// and all state transitions are mutated only under mu: callers interact
// exclusively through NewPage/Shutdown/Stats, never touching an instance
// directly (SPEC_FULL.md §7, "single-writer per component").
type Pool struct {
	opts Options

	// maxTabsPerBrowser is read on the NewPage hot path outside mu, so it
	// is an atomic rather than a plain opts field; SetMaxTabsPerBrowser
	// lets a config hot-reload retune it without restarting the pool.
	maxTabsPerBrowser atomic.Int64

	mu      sync.Mutex
	active  map[int64]*BrowserInstance
	retired map[int64]*BrowserInstance
	nextID  atomic.Int64
	closed  atomic.Bool

	launchCount  atomic.Int64
	killCount    atomic.Int64
	launchErrors atomic.Int64

	sweeper *ticker.Better
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Pool. opts.Launch must be non-nil.
func New(opts Options) (*Pool, error) {
	opts.setDefaults()
	if opts.Launch == nil {
		return nil, crawlerrors.NewConfigError("Launch", "a Launcher implementation is required")
	}

	p := &Pool{
		opts:    opts,
		active:  make(map[int64]*BrowserInstance),
		retired: make(map[int64]*BrowserInstance),
	}
	p.maxTabsPerBrowser.Store(int64(opts.MaxTabsPerBrowser))
	p.sweeper = ticker.New(opts.InstanceKillerInterval, p.sweep)
	return p, nil
}

// SetMaxTabsPerBrowser retunes the per-browser tab quota. Active instances
// whose cumulative tab count is already at or past the new, lower
// threshold are retired immediately rather than waiting for their next
// tab allocation in NewPage to trip the retirement check.
func (p *Pool) SetMaxTabsPerBrowser(n int) {
	if n <= 0 {
		return
	}
	p.maxTabsPerBrowser.Store(int64(n))

	p.mu.Lock()
	var overQuota []int64
	for id, inst := range p.active {
		if inst.TotalTabsEver() >= int64(n) {
			overQuota = append(overQuota, id)
		}
	}
	for _, id := range overQuota {
		p.retireLocked(id)
	}
	p.mu.Unlock()
}

// Start launches the sweep loop. The pool is usable (NewPage may launch
// browsers on demand) even before Start is called; Start only begins the
// background retirement sweep.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweeper.Run(ctx)
	}()
}

// NewPage hands the caller a fresh tab, launching a new browser if no
// active instance has spare tab capacity. Mirrors the five ordered steps
// of the newPage algorithm.
func (p *Pool) NewPage(ctx context.Context) (*Page, error) {
	if p.closed.Load() {
		return nil, crawlerrors.ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", crawlerrors.ErrContextCanceled, err)
	}

	inst, isNew := p.pickOrReserve()
	if isNew {
		handle, err := p.launch(ctx, inst)
		if err != nil {
			p.launchErrors.Add(1)
			p.mu.Lock()
			delete(p.active, inst.ID)
			p.mu.Unlock()
			return nil, crawlerrors.NewLaunchError("launch", err)
		}
		inst.Handle = handle
		p.mu.Lock()
		inst.State = StateActive
		p.mu.Unlock()
		go p.watchDisconnect(inst)
	}

	inst.recordTabOpened()
	if inst.TotalTabsEver() >= p.maxTabsPerBrowser.Load() {
		p.retire(inst.ID)
	}

	tab, err := inst.Handle.NewTab(ctx)
	if err != nil {
		p.opts.Logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("browserpool: newTab failed, retiring instance")
		inst.recordTabClosed()
		p.retire(inst.ID)
		return nil, crawlerrors.NewLaunchError("newTab", err)
	}

	return &Page{Tab: tab, pool: p, instance: inst}, nil
}

// pickOrReserve returns an active instance with spare capacity, or a new
// Launching-state instance reserved under mu for the caller to launch.
func (p *Pool) pickOrReserve() (*BrowserInstance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	maxTabs := p.maxTabsPerBrowser.Load()
	for _, inst := range p.active {
		if inst.State == StateActive && inst.ActiveTabs() < maxTabs {
			return inst, false
		}
	}

	id := p.nextID.Add(1)
	inst := newInstance(id, nil)
	p.active[id] = inst
	return inst, true
}

func (p *Pool) launch(ctx context.Context, inst *BrowserInstance) (BrowserHandle, error) {
	handle, err := p.opts.Launch.Launch(ctx, LaunchOptions{Headless: true})
	if err != nil {
		return nil, err
	}
	p.launchCount.Add(1)
	return handle, nil
}

// watchDisconnect retires an instance the moment its browser reports an
// unrequested disconnect.
func (p *Pool) watchDisconnect(inst *BrowserInstance) {
	<-inst.Handle.OnDisconnected()
	p.mu.Lock()
	alreadyGone := p.active[inst.ID] == nil && p.retired[inst.ID] == nil
	p.mu.Unlock()
	if alreadyGone {
		return
	}
	p.opts.Logger.Warn().Err(crawlerrors.ErrBrowserDisconnected).Int64("instance_id", inst.ID).Msg("browserpool: retiring")
	p.retire(inst.ID)
}

// retire moves an instance from active to retired. Safe to call more
// than once; a second call is a no-op.
func (p *Pool) retire(id int64) {
	p.mu.Lock()
	p.retireLocked(id)
	p.mu.Unlock()
}

func (p *Pool) retireLocked(id int64) {
	inst, ok := p.active[id]
	if !ok {
		return
	}
	inst.State = StateRetired
	delete(p.active, id)
	p.retired[id] = inst
}

// onTabClosed decrements the instance's active-tab count and kills it
// immediately if it is retired and now idle.
func (p *Pool) onTabClosed(inst *BrowserInstance) {
	remaining := inst.recordTabClosed()
	p.mu.Lock()
	_, isRetired := p.retired[inst.ID]
	p.mu.Unlock()
	if isRetired && remaining <= 0 {
		p.kill(inst)
	}
}

// sweep runs every InstanceKillerInterval: any retired instance past its
// idle deadline, or that the browser itself reports has zero open pages,
// is killed.
func (p *Pool) sweep(ctx context.Context) {
	p.mu.Lock()
	candidates := make([]*BrowserInstance, 0, len(p.retired))
	for _, inst := range p.retired {
		candidates = append(candidates, inst)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, inst := range candidates {
		if now.Sub(inst.LastTabOpenedAt()) > p.opts.KillInstanceAfter {
			p.kill(inst)
			continue
		}
		pages, err := inst.Handle.Pages(ctx)
		if err != nil || pages == 0 {
			p.kill(inst)
		}
	}
}

// kill terminates an instance's browser process and removes it from the
// pool. It requests a graceful close and, if that has not finished within
// ProcessKillTimeout, sends SIGKILL to the handle's PID (when it reports
// one above zero). Failures are logged but the entry is removed
// regardless, so a close failure never leaks a pool slot.
func (p *Pool) kill(inst *BrowserInstance) {
	p.mu.Lock()
	if inst.State == StateKilled {
		p.mu.Unlock()
		return
	}
	inst.State = StateKilled
	delete(p.active, inst.ID)
	delete(p.retired, inst.ID)
	p.mu.Unlock()

	p.killCount.Add(1)

	if inst.Handle == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := inst.Handle.Close(); err != nil {
			p.opts.Logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("browserpool: graceful close failed")
		}
	}()

	select {
	case <-done:
	case <-time.After(p.opts.ProcessKillTimeout):
		pid := inst.Handle.PID()
		p.opts.Logger.Warn().Int64("instance_id", inst.ID).Int("pid", pid).Msg("browserpool: graceful close timed out, force-killing process")
		if pid > 0 {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Kill(); err != nil {
					p.opts.Logger.Warn().Err(err).Int("pid", pid).Msg("browserpool: force kill failed")
				}
			}
		}
	}
}

// Shutdown stops the sweep loop and closes every active and retired
// browser in parallel. Instances are marked Killed before any close call
// so a disconnect fired by the close itself is never logged as
// unexpected.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	all := make([]*BrowserInstance, 0, len(p.active)+len(p.retired))
	for _, inst := range p.active {
		inst.State = StateKilled
		all = append(all, inst)
	}
	for _, inst := range p.retired {
		inst.State = StateKilled
		all = append(all, inst)
	}
	p.active = make(map[int64]*BrowserInstance)
	p.retired = make(map[int64]*BrowserInstance)
	p.mu.Unlock()

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, inst := range all {
		inst := inst
		eg.Go(func() error {
			if inst.Handle == nil {
				return nil
			}
			p.killCount.Add(1)
			return inst.Handle.Close()
		})
	}
	return eg.Wait()
}

// Stats returns a point-in-time snapshot of pool composition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:       len(p.active),
		Retired:      len(p.retired),
		LaunchCount:  p.launchCount.Load(),
		KillCount:    p.killCount.Load(),
		LaunchErrors: p.launchErrors.Load(),
	}
}
