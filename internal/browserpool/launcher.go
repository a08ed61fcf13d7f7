package browserpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"

	"github.com/Rorqualx/crawlpool/internal/crawlerrors"
)

// LaunchOptions parameterizes a single browser launch. Proxy handling and
// launch-flag tuning mirror the teacher's internal/browser.createLauncher,
// trimmed to what the scheduler core needs.
type LaunchOptions struct {
	Headless         bool
	BrowserPath      string
	ProxyURL         string
	IgnoreCertErrors bool
}

// Tab is a single browser tab/page.
type Tab interface {
	Close() error
}

// BrowserHandle is the external interface a Launcher hands back to
// BrowserPool. It must expose a way
// to open tabs, close the browser, observe disconnection, query open page
// count, and reach the OS process for a SIGKILL fallback.
type BrowserHandle interface {
	NewTab(ctx context.Context) (Tab, error)
	Close() error
	OnDisconnected() <-chan struct{}
	Pages(ctx context.Context) (int, error)
	PID() int
}

// Launcher starts a fresh browser subprocess given launch options.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (BrowserHandle, error)
}

// RodLauncher is the production Launcher, backed by go-rod. Each Launch
// call gets its own launcher.Launcher (they can only launch once), mirrors
// the teacher's createLauncher/spawnBrowser split.
type RodLauncher struct {
	Logger zerolog.Logger
}

var _ Launcher = (*RodLauncher)(nil)

// Launch starts a Chrome/Chromium subprocess and connects to it over CDP.
func (l *RodLauncher) Launch(ctx context.Context, opts LaunchOptions) (BrowserHandle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	lnch := buildLauncher(opts)
	controlURL, err := lnch.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser process: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser over CDP: %w", err)
	}

	if opts.IgnoreCertErrors {
		if err := browser.IgnoreCertErrors(true); err != nil {
			l.Logger.Warn().Err(err).Msg("browserpool: failed to set IgnoreCertErrors")
		}
	}

	h := &rodHandle{
		browser:    browser,
		pid:        lnch.PID(),
		disconnect: make(chan struct{}),
		logger:     l.Logger,
	}
	h.startMonitor()
	return h, nil
}

// buildLauncher assembles launch flags. Anti-detection / container flags
// mirror the teacher's createLauncher; trimmed to what the scheduler core
// (not the solver/stealth pipeline) needs.
func buildLauncher(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}
	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("mute-audio")

	if opts.ProxyURL != "" {
		l = l.Set("proxy-server", opts.ProxyURL)
	}
	if opts.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	return l
}

// rodHandle adapts *rod.Browser to BrowserHandle.
type rodHandle struct {
	browser    *rod.Browser
	pid        int
	disconnect chan struct{}
	closing    atomic.Bool
	logger     zerolog.Logger
}

var _ BrowserHandle = (*rodHandle)(nil)

// NewTab opens a new tab and applies the stealth patches the teacher's
// solver pipeline relies on, so every tab the pool hands out is already
// hardened against the usual automation fingerprints.
func (h *rodHandle) NewTab(ctx context.Context) (Tab, error) {
	page, err := stealth.Page(h.browser)
	if err != nil {
		return nil, fmt.Errorf("open stealth tab: %w", err)
	}
	_ = ctx
	return &rodTab{page: page}, nil
}

func (h *rodHandle) Close() error {
	h.closing.Store(true)
	return h.browser.Close()
}

func (h *rodHandle) OnDisconnected() <-chan struct{} { return h.disconnect }

// Pages reports the browser's current open-page count, used by the sweep
// to decide whether a retired instance is truly idle.
func (h *rodHandle) Pages(ctx context.Context) (int, error) {
	pages, err := h.browser.Context(ctx).Pages()
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

func (h *rodHandle) PID() int { return h.pid }

// startMonitor watches for the browser process going away unexpectedly.
// go-rod does not expose a puppeteer-style "disconnected" event directly,
// so the monitor polls a cheap CDP call (mirrors the teacher's own
// isHealthy/healthCheckRoutine probing style) and closes disconnect on
// the first failure that isn't the result of us calling Close ourselves.
func (h *rodHandle) startMonitor() {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if h.closing.Load() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, err := h.browser.Context(ctx).Pages()
			cancel()
			if err != nil && !h.closing.Load() {
				h.logger.Debug().Err(fmt.Errorf("%w: %v", crawlerrors.ErrBrowserUnhealthy, err)).
					Int("pid", h.pid).Msg("browserpool: browser handshake lost, signaling disconnect")
				close(h.disconnect)
				return
			}
		}
	}()
}

type rodTab struct {
	page *rod.Page
}

func (t *rodTab) Close() error {
	_ = t.page.Navigate("about:blank")
	return t.page.Close()
}
