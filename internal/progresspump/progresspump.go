// Package progresspump broadcasts periodic progress snapshots for every
// active download. The tick cadence is fast while the process is in the
// foreground and slower in the background. While no download is active a
// tick broadcasts nothing; the ticker itself keeps running.
package progresspump

import (
	"context"
	"sync"
	"time"
)

// Source is the engine's half of the contract.
type Source interface {
	SnapshotAll() []Snapshot
	ActiveCount() int
}

// Snapshot mirrors engine.Snapshot without importing the engine package,
// keeping this component usable by any snapshot-shaped source.
type Snapshot struct {
	ID              string
	Status          string
	DownloadedBytes int64
	TotalSize       int64
	Speed           float64
	ETA             float64
}

const (
	foregroundInterval = 100 * time.Millisecond
	backgroundInterval = 500 * time.Millisecond
)

// Pump periodically pulls a batch snapshot from Source and fans it out to
// every subscriber.
type Pump struct {
	source Source

	mu          sync.Mutex
	subs        []chan []Snapshot
	backgrounded bool
}

func New(source Source) *Pump {
	return &Pump{source: source}
}

// SetBackgrounded switches the tick cadence between the foreground and
// background interval; callers wire this to window focus/minimize events
// or, headless, to whether a --watch subscriber is attached.
func (p *Pump) SetBackgrounded(v bool) {
	p.mu.Lock()
	p.backgrounded = v
	p.mu.Unlock()
}

// Subscribe returns a channel receiving every batch snapshot broadcast
// while the pump runs.
func (p *Pump) Subscribe() <-chan []Snapshot {
	ch := make(chan []Snapshot, 4)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// Run drives the tick loop until ctx is cancelled. A tick while no download
// is active skips the snapshot and broadcast, so an idle process emits
// nothing; the ticker is not stopped and keeps firing at its last cadence.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(foregroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.source.ActiveCount() == 0 {
				continue
			}
			p.broadcast(p.source.SnapshotAll())

			p.mu.Lock()
			interval := foregroundInterval
			if p.backgrounded {
				interval = backgroundInterval
			}
			p.mu.Unlock()
			ticker.Reset(interval)
		}
	}
}

func (p *Pump) broadcast(snaps []Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		select {
		case sub <- snaps:
		default:
		}
	}
}
