// Package status aggregates the raw per-kind snapshot history produced by
// internal/snapshot into a single binary overload decision.
package status

import (
	"math"
	"time"

	"github.com/Rorqualx/crawlpool/internal/snapshot"
)

// OverloadReport is the aggregate overload decision for one resource kind
// over a window of snapshots.
type OverloadReport struct {
	IsOverloaded bool
	LimitRatio   float64
	ActualRatio  float64
}

// SystemInfo is the aggregate overload decision across all four resource
// kinds for a single window (either "current" or "historical").
type SystemInfo struct {
	IsIdle        bool
	MemInfo       OverloadReport
	EventLoopInfo OverloadReport
	CPUInfo       OverloadReport
	ClientInfo    OverloadReport
}

// sampleSource is the read-only subset of *snapshot.Snapshotter that
// Status depends on; satisfied by *snapshot.Snapshotter and by fakes in
// tests.
type sampleSource interface {
	GetMemorySample(time.Duration) []snapshot.Snapshot
	GetEventLoopSample(time.Duration) []snapshot.Snapshot
	GetCPUSample(time.Duration) []snapshot.Snapshot
	GetClientSample(time.Duration) []snapshot.Snapshot
}

// Options configures the per-kind overload thresholds and the window used
// for GetCurrentStatus. Zero values fall back to the documented defaults.
type Options struct {
	CurrentHistory time.Duration // default 5s

	MaxMemoryOverloadedRatio    float64 // default 0.2
	MaxEventLoopOverloadedRatio float64 // default 0.2
	MaxCPUOverloadedRatio       float64 // default 0.4
	MaxClientOverloadedRatio    float64 // default 0.2
}

func (o *Options) setDefaults() {
	if o.CurrentHistory <= 0 {
		o.CurrentHistory = 5 * time.Second
	}
	if o.MaxMemoryOverloadedRatio <= 0 {
		o.MaxMemoryOverloadedRatio = 0.2
	}
	if o.MaxEventLoopOverloadedRatio <= 0 {
		o.MaxEventLoopOverloadedRatio = 0.2
	}
	if o.MaxCPUOverloadedRatio <= 0 {
		o.MaxCPUOverloadedRatio = 0.4
	}
	if o.MaxClientOverloadedRatio <= 0 {
		o.MaxClientOverloadedRatio = 0.2
	}
}

// Status derives overload decisions from a sampleSource.
type Status struct {
	source sampleSource
	opts   Options
}

// New builds a Status reading from source (typically a *snapshot.Snapshotter).
func New(source sampleSource, opts Options) *Status {
	opts.setDefaults()
	return &Status{source: source, opts: opts}
}

// isSampleOverloaded computes the time-weighted mean of the boolean
// Overloaded flags across adjacent snapshot pairs. It is time-translation
// invariant: shifting every CreatedAt by the same constant does not
// change the result, since only the deltas between adjacent timestamps
// are used.
func isSampleOverloaded(sample []snapshot.Snapshot, ratio float64) OverloadReport {
	if len(sample) < 2 {
		return OverloadReport{IsOverloaded: false, LimitRatio: ratio, ActualRatio: 0}
	}

	var weightedSum, totalWeight float64
	for i := 1; i < len(sample); i++ {
		w := sample[i].CreatedAt.Sub(sample[i-1].CreatedAt).Seconds()
		if w <= 0 {
			w = 1 // degenerate zero-weight guard for synchronous back-to-back samples
		}
		v := 0.0
		if sample[i].Overloaded {
			v = 1
		}
		weightedSum += v * w
		totalWeight += w
	}

	wAvg := 0.0
	if totalWeight > 0 {
		wAvg = weightedSum / totalWeight
	}

	return OverloadReport{
		IsOverloaded: wAvg > ratio,
		LimitRatio:   ratio,
		ActualRatio:  round3(wAvg),
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func (s *Status) evaluate(dur time.Duration) SystemInfo {
	mem := isSampleOverloaded(s.source.GetMemorySample(dur), s.opts.MaxMemoryOverloadedRatio)
	el := isSampleOverloaded(s.source.GetEventLoopSample(dur), s.opts.MaxEventLoopOverloadedRatio)
	cpu := isSampleOverloaded(s.source.GetCPUSample(dur), s.opts.MaxCPUOverloadedRatio)
	client := isSampleOverloaded(s.source.GetClientSample(dur), s.opts.MaxClientOverloadedRatio)

	return SystemInfo{
		IsIdle:        !mem.IsOverloaded && !el.IsOverloaded && !cpu.IsOverloaded && !client.IsOverloaded,
		MemInfo:       mem,
		EventLoopInfo: el,
		CPUInfo:       cpu,
		ClientInfo:    client,
	}
}

// GetCurrentStatus reports overload over the short CurrentHistory window.
// The admission path (AutoscaledPool._maybeRunTask) uses this so it reacts
// quickly to a spike.
func (s *Status) GetCurrentStatus() SystemInfo {
	return s.evaluate(s.opts.CurrentHistory)
}

// GetHistoricalStatus reports overload over the Snapshotter's full
// retained buffer. The sizing path (AutoscaledPool._autoscale) uses this
// to avoid flapping on a transient spike.
func (s *Status) GetHistoricalStatus() SystemInfo {
	return s.evaluate(0)
}
