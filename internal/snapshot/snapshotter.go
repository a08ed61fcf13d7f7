package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/time/rate"

	"github.com/Rorqualx/crawlpool/internal/ticker"
)

// Options configures a Snapshotter. Zero values are replaced with the
// defaults noted beside each field.
type Options struct {
	// MaxMemoryBytes overrides the memory ceiling used for overload
	// detection. If zero, the Snapshotter asks gopsutil for the host's
	// total physical memory at Start time.
	MaxMemoryBytes uint64

	MemorySampleInterval    time.Duration // default 1s
	EventLoopSampleInterval time.Duration // default 500ms
	SamplingHistory         time.Duration // default 60s

	MinFreeMemoryRatio float64 // default 0.2
	MaxBlockedRatio    float64 // default 0.05

	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.MemorySampleInterval <= 0 {
		o.MemorySampleInterval = time.Second
	}
	if o.EventLoopSampleInterval <= 0 {
		o.EventLoopSampleInterval = 500 * time.Millisecond
	}
	if o.SamplingHistory <= 0 {
		o.SamplingHistory = 60 * time.Second
	}
	if o.MinFreeMemoryRatio <= 0 {
		o.MinFreeMemoryRatio = 0.2
	}
	if o.MaxBlockedRatio <= 0 {
		o.MaxBlockedRatio = 0.05
	}
}

// Snapshotter samples memory and event-loop pressure on its own timers and
// accepts externally pushed CPU and client-saturation samples.
type Snapshotter struct {
	opts Options

	memory    *buffer
	eventLoop *buffer
	cpu       *buffer
	client    *buffer

	maxMemoryBytes atomic.Uint64

	// pushLimiter guards PushCPU/PushClient against a misbehaving
	// external producer flooding snapshots faster than pruning can keep
	// up with samplingHistory; it does not affect the self-driven
	// memory/event-loop samplers.
	pushLimiter *rate.Limiter

	memTicker *ticker.Better
	elTicker  *ticker.Better

	lastEventLoopFire time.Time
	elMu              sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards cancel/started
	started bool
}

// New creates a Snapshotter. Call Start to begin sampling.
func New(opts Options) *Snapshotter {
	opts.setDefaults()
	s := &Snapshotter{
		opts:        opts,
		memory:      newBuffer(opts.SamplingHistory),
		eventLoop:   newBuffer(opts.SamplingHistory),
		cpu:         newBuffer(opts.SamplingHistory),
		client:      newBuffer(opts.SamplingHistory),
		pushLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
	return s
}

// Start determines the memory ceiling, seeds a non-overloaded event-loop
// snapshot (so the first delta measurement is well-defined), and launches
// the memory and event-loop samplers. It returns once the initial setup is
// done; sampling continues on background goroutines until ctx is canceled
// or Stop is called.
func (s *Snapshotter) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if s.opts.MaxMemoryBytes > 0 {
		s.maxMemoryBytes.Store(s.opts.MaxMemoryBytes)
	} else if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.maxMemoryBytes.Store(vm.Total)
	} else {
		s.opts.Logger.Warn().Err(err).Msg("snapshot: failed to read host memory, falling back to conservative default")
		s.maxMemoryBytes.Store(2 << 30) // 2GiB conservative fallback
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	now := time.Now()
	s.lastEventLoopFire = now
	s.eventLoop.push(Snapshot{Kind: KindEventLoop, CreatedAt: now, Overloaded: false})

	s.memTicker = ticker.New(s.opts.MemorySampleInterval, s.sampleMemory)
	s.elTicker = ticker.New(s.opts.EventLoopSampleInterval, s.sampleEventLoop)

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.memTicker.Run(runCtx) }()
	go func() { defer s.wg.Done(); s.elTicker.Run(runCtx) }()

	s.started = true
	return nil
}

// Stop cancels the samplers and waits for them to exit.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// sampleMemory reads current host memory usage via gopsutil and records
// whether it exceeds the configured free-memory ratio. Sampling failures
// are logged and the tick is skipped; they never halt the sampler.
func (s *Snapshotter) sampleMemory(ctx context.Context) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		s.opts.Logger.Warn().Err(err).Msg("snapshot: memory sample failed")
		return
	}

	maxBytes := s.maxMemoryBytes.Load()
	used := vm.Used
	overloaded := maxBytes > 0 && float64(used)/float64(maxBytes) > 1-s.opts.MinFreeMemoryRatio

	s.memory.push(Snapshot{
		Kind:       KindMemory,
		CreatedAt:  time.Now(),
		Overloaded: overloaded,
		UsedBytes:  used,
		MaxBytes:   maxBytes,
	})
}

// sampleEventLoop measures the delta between consecutive scheduled fires
// of its own ticker. A well-behaved scheduler fires every
// EventLoopSampleInterval; a delta meaningfully larger than that means
// something blocked the goroutine scheduler (GC pause, CPU starvation).
func (s *Snapshotter) sampleEventLoop(ctx context.Context) {
	now := time.Now()

	s.elMu.Lock()
	last := s.lastEventLoopFire
	s.lastEventLoopFire = now
	s.elMu.Unlock()

	delta := now.Sub(last)
	threshold := time.Duration(float64(s.opts.EventLoopSampleInterval) * (1 + s.opts.MaxBlockedRatio))
	overloaded := delta > threshold

	var exceededMs float64
	if overloaded {
		exceededMs = float64(delta-s.opts.EventLoopSampleInterval) / float64(time.Millisecond)
	}

	s.eventLoop.push(Snapshot{
		Kind:           KindEventLoop,
		CreatedAt:      now,
		Overloaded:     overloaded,
		ExceededMillis: exceededMs,
	})
}

// PushCPU records an externally produced CPU telemetry sample. The caller
// (e.g. a gopsutil-backed producer in cmd/crawlpool) decides CPU
// overload; the Snapshotter only stamps and stores it.
func (s *Snapshotter) PushCPU(snap Snapshot) {
	snap.Kind = KindCPU
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	if !s.pushLimiter.Allow() {
		s.opts.Logger.Warn().Msg("snapshot: cpu telemetry producer rate-limited, sample dropped")
		return
	}
	s.cpu.push(snap)
}

// PushClient records an externally produced client-saturation telemetry
// sample (e.g. downstream HTTP client error/latency ratio).
func (s *Snapshotter) PushClient(snap Snapshot) {
	snap.Kind = KindClient
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	if !s.pushLimiter.Allow() {
		s.opts.Logger.Warn().Msg("snapshot: client telemetry producer rate-limited, sample dropped")
		return
	}
	s.client.push(snap)
}

// GetMemorySample returns the tail of the memory buffer within dur (or the
// full buffer when dur == 0).
func (s *Snapshotter) GetMemorySample(dur time.Duration) []Snapshot { return s.memory.tail(dur) }

// GetEventLoopSample returns the tail of the event-loop buffer within dur.
func (s *Snapshotter) GetEventLoopSample(dur time.Duration) []Snapshot { return s.eventLoop.tail(dur) }

// GetCPUSample returns the tail of the CPU buffer within dur.
func (s *Snapshotter) GetCPUSample(dur time.Duration) []Snapshot { return s.cpu.tail(dur) }

// GetClientSample returns the tail of the client buffer within dur.
func (s *Snapshotter) GetClientSample(dur time.Duration) []Snapshot { return s.client.tail(dur) }
