// Package snapshot samples CPU, memory, event-loop, and client-saturation
// pressure on a timer and keeps a bounded, time-pruned history of the
// result for each resource kind. It never decides whether the system is
// overloaded in aggregate — internal/status does that by reading back the
// history this package exposes.
package snapshot

import "time"

// Kind identifies which resource a Snapshot describes. The four kinds are
// tracked in four independent buffers; a snapshot never migrates between
// kinds, and the event-loop sampler always stamps KindEventLoop (never
// KindCPU, a mislabeling bug in one upstream source variant).
type Kind int

const (
	KindMemory Kind = iota
	KindEventLoop
	KindCPU
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindEventLoop:
		return "event_loop"
	case KindCPU:
		return "cpu"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable, timestamped overload signal for one resource
// kind. Only the fields relevant to Kind are populated; the rest are zero.
type Snapshot struct {
	Kind       Kind
	CreatedAt  time.Time
	Overloaded bool

	// KindMemory
	UsedBytes uint64
	MaxBytes  uint64

	// KindEventLoop
	ExceededMillis float64

	// KindCPU
	CPUUsedRatio float64

	// KindClient
	ClientErrorRatio float64
}
