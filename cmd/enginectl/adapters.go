package main

import (
	"context"

	"tachyon-engine/internal/controlapi"
	"tachyon-engine/internal/engine"
	"tachyon-engine/internal/ingress"
	"tachyon-engine/internal/progresspump"
	"tachyon-engine/internal/storage"
)

// progressSource adapts *engine.Engine to progresspump.Source, converting
// engine.Snapshot to progresspump's transport-agnostic Snapshot.
type progressSource struct {
	eng *engine.Engine
}

func (p progressSource) SnapshotAll() []progresspump.Snapshot {
	snaps := p.eng.SnapshotAll()
	out := make([]progresspump.Snapshot, len(snaps))
	for i, s := range snaps {
		out[i] = progresspump.Snapshot{
			ID: s.ID, Status: s.Status, DownloadedBytes: s.DownloadedBytes,
			TotalSize: s.TotalSize, Speed: s.Speed, ETA: s.ETA,
		}
	}
	return out
}

func (p progressSource) ActiveCount() int { return p.eng.ActiveCount() }

// ingressAdder adapts *engine.Engine to ingress.Adder.
type ingressAdder struct {
	eng *engine.Engine
}

func (a ingressAdder) Add(ctx context.Context, req ingress.AddRequest) (ingress.Added, error) {
	d, err := a.eng.Add(ctx, engine.AddRequest{URL: req.URL, Filename: req.Filename, Referrer: req.Referrer})
	if err != nil {
		return ingress.Added{}, err
	}
	return ingress.Added{ID: d.ID, Filename: d.Filename}, nil
}

// controlEngine adapts *engine.Engine to controlapi.Engine.
type controlEngine struct {
	eng *engine.Engine
}

func (c controlEngine) Add(req controlapi.AddRequest) (*storage.Download, error) {
	return c.eng.Add(context.Background(), engine.AddRequest{
		URL: req.URL, Filename: req.Filename, Referrer: req.Referrer, Priority: req.Priority,
	})
}
func (c controlEngine) Get(id string) (*storage.Download, error)   { return c.eng.Get(id) }
func (c controlEngine) List() ([]storage.Download, error)          { return c.eng.List() }
func (c controlEngine) Remove(id string) error                     { return c.eng.Remove(id) }
func (c controlEngine) SetPriority(id, priority string) error      { return c.eng.SetPriority(id, priority) }
func (c controlEngine) Pause(id string) error                      { return c.eng.Pause(id) }
func (c controlEngine) Cancel(id string) error                     { return c.eng.Cancel(id) }
func (c controlEngine) Retry(id string) error                      { return c.eng.Retry(id) }
