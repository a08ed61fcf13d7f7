package browserpool

import (
	"sync/atomic"
	"time"
)

// InstanceState is the lifecycle state of one browser subprocess, per
// SPEC_FULL.md §5 (Launching → Active → Retired → Killed).
type InstanceState int

const (
	StateLaunching InstanceState = iota
	StateActive
	StateRetired
	StateKilled
)

func (s InstanceState) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateActive:
		return "active"
	case StateRetired:
		return "retired"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// BrowserInstance tracks one browser subprocess owned by the Pool.
//
// activeTabs and totalTabsEver are atomics so NewPage's hot path and the
// sweep goroutine can read/update them without taking Pool.mu; State and
// map membership (active/retired) are only ever mutated under Pool.mu.
type BrowserInstance struct {
	ID      int64
	Handle  BrowserHandle
	Created time.Time

	activeTabs      atomic.Int64
	totalTabsEver   atomic.Int64
	lastTabOpenedAt atomic.Int64 // UnixNano

	// State is guarded by Pool.mu; never read or written outside it.
	State InstanceState
}

func newInstance(id int64, handle BrowserHandle) *BrowserInstance {
	inst := &BrowserInstance{
		ID:      id,
		Handle:  handle,
		Created: time.Now(),
		State:   StateLaunching,
	}
	inst.lastTabOpenedAt.Store(time.Now().UnixNano())
	return inst
}

func (b *BrowserInstance) ActiveTabs() int64    { return b.activeTabs.Load() }
func (b *BrowserInstance) TotalTabsEver() int64 { return b.totalTabsEver.Load() }
func (b *BrowserInstance) LastTabOpenedAt() time.Time {
	return time.Unix(0, b.lastTabOpenedAt.Load())
}

func (b *BrowserInstance) recordTabOpened() {
	b.activeTabs.Add(1)
	b.totalTabsEver.Add(1)
	b.lastTabOpenedAt.Store(time.Now().UnixNano())
}

func (b *BrowserInstance) recordTabClosed() int64 {
	return b.activeTabs.Add(-1)
}
