package browserpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTab is a no-op Tab that records whether Close was called.
type fakeTab struct {
	closed atomic.Bool
}

func (t *fakeTab) Close() error {
	t.closed.Store(true)
	return nil
}

// fakeHandle is an in-memory BrowserHandle used by every test in this
// file, mirroring the teacher's preference for fakes over a real browser
// in unit tests (real-browser coverage lives in tests/integration).
type fakeHandle struct {
	mu         sync.Mutex
	pages      int
	closed     bool
	closeErr   error
	newTabErr  error
	disconnect chan struct{}
	pid        int
	pagesErr   error
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{disconnect: make(chan struct{}), pid: pid}
}

func (h *fakeHandle) NewTab(ctx context.Context) (Tab, error) {
	if h.newTabErr != nil {
		return nil, h.newTabErr
	}
	h.mu.Lock()
	h.pages++
	h.mu.Unlock()
	return &fakeTab{}, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.closeErr
}

func (h *fakeHandle) OnDisconnected() <-chan struct{} { return h.disconnect }

func (h *fakeHandle) Pages(ctx context.Context) (int, error) {
	if h.pagesErr != nil {
		return 0, h.pagesErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pages, nil
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) setPages(n int) {
	h.mu.Lock()
	h.pages = n
	h.mu.Unlock()
}

// fakeLauncher hands out fakeHandles and lets tests fail specific launches.
type fakeLauncher struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	failNext bool
	nextPID  int
}

func (l *fakeLauncher) Launch(ctx context.Context, opts LaunchOptions) (BrowserHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return nil, errors.New("launch refused")
	}
	l.nextPID++
	h := newFakeHandle(l.nextPID)
	l.handles = append(l.handles, h)
	return h, nil
}

func newTestPool(t *testing.T, opts Options) (*Pool, *fakeLauncher) {
	t.Helper()
	fl := &fakeLauncher{}
	opts.Launch = fl
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, fl
}

func TestNewPageLaunchesOnDemand(t *testing.T) {
	p, fl := newTestPool(t, Options{MaxTabsPerBrowser: 2})

	page, err := p.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	defer page.Close()

	stats := p.Stats()
	if stats.Active != 1 {
		t.Errorf("expected 1 active instance, got %d", stats.Active)
	}
	if len(fl.handles) != 1 {
		t.Fatalf("expected exactly one browser launched, got %d", len(fl.handles))
	}
}

func TestNewPageReusesCapacity(t *testing.T) {
	p, fl := newTestPool(t, Options{MaxTabsPerBrowser: 2})

	p1, err := p.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage 1: %v", err)
	}
	p2, err := p.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage 2: %v", err)
	}
	defer p1.Close()
	defer p2.Close()

	if len(fl.handles) != 1 {
		t.Fatalf("second page should reuse the first browser, got %d launches", len(fl.handles))
	}
}

func TestNewPageRetiresAtTabQuota(t *testing.T) {
	p, fl := newTestPool(t, Options{MaxTabsPerBrowser: 1})

	page, err := p.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	stats := p.Stats()
	if stats.Active != 0 || stats.Retired != 1 {
		t.Errorf("expected instance retired immediately after reaching quota, got active=%d retired=%d", stats.Active, stats.Retired)
	}

	// The caller still gets a working tab even though the instance retired.
	if err := page.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if len(fl.handles) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(fl.handles))
	}
}

func TestRetiredInstanceKilledWhenLastTabCloses(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxTabsPerBrowser: 1})

	page, err := p.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if err := page.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Scenario S4: the instance retired on quota, and closing its only
	// tab should kill it immediately rather than waiting for the sweep.
	stats := p.Stats()
	if stats.Retired != 0 || stats.KillCount != 1 {
		t.Errorf("expected retired instance killed on last tab close, got retired=%d killCount=%d", stats.Retired, stats.KillCount)
	}
}

func TestLaunchFailurePropagatesAndDoesNotLeakSlot(t *testing.T) {
	p, fl := newTestPool(t, Options{MaxTabsPerBrowser: 2})
	fl.failNext = true

	_, err := p.NewPage(context.Background())
	if err == nil {
		t.Fatal("expected launch error to propagate")
	}

	stats := p.Stats()
	if stats.Active != 0 || stats.Retired != 0 {
		t.Errorf("a failed launch must not leave any tracked instance, got active=%d retired=%d", stats.Active, stats.Retired)
	}
}

func TestSweepKillsRetiredInstanceReportingZeroPages(t *testing.T) {
	p, fl := newTestPool(t, Options{
		MaxTabsPerBrowser:      10,
		InstanceKillerInterval: 5 * time.Millisecond,
		KillInstanceAfter:      time.Hour,
	})

	page, err := p.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	// Retire without closing the tab, so the retired instance keeps an
	// active tab and the sweep must consult Pages() rather than the
	// on-close path to decide this instance is actually idle.
	p.retire(page.instance.ID)
	fl.handles[0].setPages(0)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer cancel()

	deadline := time.After(500 * time.Millisecond)
	for {
		if p.Stats().KillCount > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected sweep to kill the retired instance once it reports zero pages")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSweepKillsRetiredInstancePastIdleDeadline(t *testing.T) {
	p, fl := newTestPool(t, Options{
		MaxTabsPerBrowser:      10,
		InstanceKillerInterval: 5 * time.Millisecond,
		KillInstanceAfter:      5 * time.Millisecond,
	})

	page, err := p.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	p.retire(page.instance.ID)
	_ = fl

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer cancel()

	deadline := time.After(500 * time.Millisecond)
	for {
		if p.Stats().KillCount > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected sweep to kill the instance once it exceeds its idle deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDisconnectRetiresInstance(t *testing.T) {
	p, fl := newTestPool(t, Options{MaxTabsPerBrowser: 10})

	page, err := p.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	_ = page

	close(fl.handles[0].disconnect)

	deadline := time.After(time.Second)
	for {
		if p.Stats().Retired == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected disconnect to retire the instance")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestShutdownClosesEveryInstance(t *testing.T) {
	p, fl := newTestPool(t, Options{MaxTabsPerBrowser: 1})

	for i := 0; i < 3; i++ {
		if _, err := p.NewPage(context.Background()); err != nil {
			t.Fatalf("NewPage %d: %v", i, err)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for i, h := range fl.handles {
		if !h.closed {
			t.Errorf("handle %d was not closed on shutdown", i)
		}
	}

	stats := p.Stats()
	if stats.Active != 0 || stats.Retired != 0 {
		t.Errorf("expected no tracked instances after shutdown, got active=%d retired=%d", stats.Active, stats.Retired)
	}

	if _, err := p.NewPage(context.Background()); err == nil {
		t.Error("expected NewPage to fail after shutdown")
	}
}

func TestSetMaxTabsPerBrowserRetiresInstancesAlreadyOverQuota(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxTabsPerBrowser: 10})
	ctx := context.Background()

	if _, err := p.NewPage(ctx); err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if p.Stats().Active != 1 || p.Stats().Retired != 0 {
		t.Fatalf("expected one active instance before retune, got %+v", p.Stats())
	}

	p.SetMaxTabsPerBrowser(1)

	if p.Stats().Retired != 1 || p.Stats().Active != 0 {
		t.Errorf("expected the instance to retire immediately once over the new lower threshold, got stats=%+v", p.Stats())
	}

	p.SetMaxTabsPerBrowser(0) // non-positive values are ignored
	if got := p.maxTabsPerBrowser.Load(); got != 1 {
		t.Errorf("SetMaxTabsPerBrowser(0) must be a no-op, got threshold=%d", got)
	}
}
