package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tachyon-engine/internal/engineerr"
	"tachyon-engine/internal/fetcher"
	"tachyon-engine/internal/filesystem"
	"tachyon-engine/internal/storage"
)

// activeDownload is the single-owner supervisor for one in-flight
// download: it owns the file handle, the set of live SegmentFetchers,
// and the aggregate progress state the ProgressPump reads. Exactly one
// activeDownload exists per downloading/paused-mid-flight id, matching
// the per-download goroutine ownership the teacher's executor.go uses.
type activeDownload struct {
	id    string
	store *storage.Storage
	arena *filesystem.Arena

	mu        sync.Mutex
	tracker   *speedTracker
	total     int64
	dl        int64
	status    string
	fetchers  []*fetcher.Fetcher
	cancelled atomic.Bool

	cancel context.CancelFunc
}

// addFetcher registers a live segment fetcher so Pause can reach it.
func (ad *activeDownload) addFetcher(f *fetcher.Fetcher) {
	ad.mu.Lock()
	ad.fetchers = append(ad.fetchers, f)
	ad.mu.Unlock()
}

func (ad *activeDownload) snapshot() Snapshot {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	speed, eta := ad.tracker.Sample(time.Now(), ad.dl, ad.total)
	return Snapshot{
		ID:              ad.id,
		Status:          ad.status,
		DownloadedBytes: ad.dl,
		TotalSize:       ad.total,
		Speed:           speed,
		ETA:             eta,
	}
}

// Start satisfies queue.Starter: it runs id to completion, pause, or
// terminal error, blocking the calling goroutine (the queue manager runs
// it in its own goroutine per admitted item).
func (e *Engine) Start(ctx context.Context, id string) error {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	d, err := e.store.GetDownload(id)
	if err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	ad := &activeDownload{
		id:      id,
		store:   e.store,
		arena:   e.arena,
		tracker: newSpeedTracker(d.DownloadedBytes),
		total:   d.TotalSize,
		dl:      d.DownloadedBytes,
		status:  storage.StatusDownloading,
		cancel:  cancel,
	}

	e.mu.Lock()
	e.active[id] = ad
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
	}()

	_ = e.store.UpdateDownload(id, map[string]interface{}{"status": storage.StatusDownloading})
	e.logger.Info("download started", "id", id, "resumable", d.Resumable, "threads", d.Threads)

	if !d.Resumable || d.TotalSize <= 0 {
		return e.runSingle(sessCtx, ad, d)
	}
	return e.runMultiSegment(sessCtx, ad, d)
}

// Pause stops every live fetcher for id, persists segment progress, and
// marks the download paused. A no-op if id has no live session. Each live
// fetcher is paused individually (rather than cancelling the session
// context) so it reports EventPaused instead of EventComplete/EventError;
// the single-connection path instead polls ad.status directly.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	ad, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	ad.mu.Lock()
	ad.status = storage.StatusPaused
	fetchers := append([]*fetcher.Fetcher(nil), ad.fetchers...)
	ad.mu.Unlock()

	for _, f := range fetchers {
		f.Pause()
	}
	return nil
}

// Cancel stops id's live session (if any), deletes its partial file, and
// marks it an error with Cancelled=true.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	ad, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		ad.cancelled.Store(true)
		ad.cancel()
	}

	d, err := e.store.GetDownload(id)
	if err != nil {
		return err
	}
	if d.SavePath != "" {
		_ = os.Remove(d.SavePath)
	}
	return e.store.UpdateDownload(id, map[string]interface{}{
		"status":    storage.StatusError,
		"error":     "Cancelled by user",
		"cancelled": true,
	})
}

// Retry resets id's progress and error state so it can be re-enqueued
// from scratch; the caller (command surface / queue) is responsible for
// actually re-enqueuing.
func (e *Engine) Retry(id string) error {
	if err := e.store.DeleteSegments(id); err != nil {
		return err
	}
	return e.store.UpdateDownload(id, map[string]interface{}{
		"status":           storage.StatusQueued,
		"downloaded_bytes": 0,
		"error":            "",
		"cancelled":        false,
	})
}

// runMultiSegment plans (or resumes) segments, runs one Fetcher per
// incomplete segment concurrently, aggregates their events into ad, and
// on completion verifies size and optional checksum.
func (e *Engine) runMultiSegment(ctx context.Context, ad *activeDownload, d *storage.Download) error {
	rows, err := e.store.GetSegments(d.ID)
	if err != nil {
		return err
	}

	var segs []fetcher.Segment
	if len(rows) == 0 {
		segs = planSegments(d.TotalSize, d.Threads)
		newRows := make([]storage.Segment, len(segs))
		for i, s := range segs {
			newRows[i] = storage.Segment{
				DownloadID: d.ID, Index: s.Index, StartByte: s.StartByte,
				EndByte: s.EndByte, Status: "pending",
			}
		}
		if err := e.store.InsertSegments(newRows); err != nil {
			return err
		}
	} else {
		segs = make([]fetcher.Segment, len(rows))
		for i, row := range rows {
			segs[i] = fetcher.Segment{Index: row.Index, StartByte: row.StartByte, EndByte: row.EndByte, DownloadedBytes: row.DownloadedBytes}
		}
	}

	handle, herr := e.openForWrite(d)
	if herr != nil {
		return e.failDownload(d.ID, herr)
	}
	defer e.arena.Close(handle)

	pending := make([]fetcher.Segment, 0, len(segs))
	for _, s := range segs {
		if s.BytesRemaining() > 0 {
			pending = append(pending, s)
		}
	}

	perSegmentCap := 0
	if e.settings.GlobalLimitBps > 0 && len(pending) > 0 {
		perSegmentCap = e.settings.GlobalLimitBps / max(d.Threads, 1)
		if perSegmentCap < 1 {
			perSegmentCap = 1
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(pending))
	pausedCh := make(chan struct{}, len(pending))

	for _, seg := range pending {
		seg := seg
		f := fetcher.New(e.client, e.settings.UserAgent, d.Referrer, perSegmentCap, e.policy)
		ad.addFetcher(f)
		events := f.Start(ctx, d.URL, handle, e.arena, seg)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				switch ev.Kind {
				case fetcher.EventProgress:
					e.onSegmentProgress(ad, d.ID, seg.Index, ev)
				case fetcher.EventComplete:
					_ = e.store.UpdateSegment(d.ID, seg.Index, map[string]interface{}{"status": "completed"})
				case fetcher.EventPaused:
					pausedCh <- struct{}{}
				case fetcher.EventError:
					errCh <- ev.Err
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)
	close(pausedCh)

	if ad.cancelled.Load() {
		return nil
	}

	if len(pausedCh) > 0 {
		e.persistSegmentProgress(ad, d.ID)
		return nil
	}

	for err := range errCh {
		return e.failDownload(d.ID, err)
	}

	return e.finalizeCompletion(ctx, ad, d)
}

func (e *Engine) onSegmentProgress(ad *activeDownload, downloadID string, index int, ev fetcher.Event) {
	ad.mu.Lock()
	ad.dl += int64(ev.ChunkLen)
	ad.mu.Unlock()
	_ = e.store.UpdateSegment(downloadID, index, map[string]interface{}{"downloaded_bytes": ev.DownloadedBytes})
}

func (e *Engine) persistSegmentProgress(ad *activeDownload, downloadID string) {
	ad.mu.Lock()
	dl := ad.dl
	ad.mu.Unlock()
	_ = e.store.UpdateDownload(downloadID, map[string]interface{}{
		"downloaded_bytes": dl,
		"status":           storage.StatusPaused,
	})
}

func (e *Engine) failDownload(id string, err error) error {
	tag := engineerr.TagOf(err)
	fields := map[string]interface{}{
		"status": storage.StatusError,
		"error":  err.Error(),
	}
	_ = e.store.UpdateDownload(id, fields)
	e.logger.Error("download failed", "id", id, "error", err, "tag", int(tag))
	return err
}

func (e *Engine) finalizeCompletion(ctx context.Context, ad *activeDownload, d *storage.Download) error {
	_ = e.store.UpdateDownload(d.ID, map[string]interface{}{"status": storage.StatusVerifying})

	if d.TotalSize > 0 && !e.arena.VerifySize(d.SavePath, d.TotalSize) {
		return e.failDownload(d.ID, engineerr.New("session.verify", engineerr.SizeMismatch,
			fmt.Errorf("on-disk size does not match expected total size")))
	}

	if d.Checksum != "" {
		sum, err := hashFile(d.SavePath, d.ChecksumType)
		if err != nil {
			return e.failDownload(d.ID, engineerr.New("session.verify", engineerr.FsIo, err))
		}
		if !strings.EqualFold(sum, d.Checksum) {
			return e.failDownload(d.ID, engineerr.New("session.verify", engineerr.ChecksumMismatch,
				fmt.Errorf("checksum mismatch: expected %s got %s", d.Checksum, sum)))
		}
	}

	now := time.Now()
	if err := e.store.UpdateDownload(d.ID, map[string]interface{}{
		"status":           storage.StatusCompleted,
		"downloaded_bytes": d.TotalSize,
		"completed_at":     &now,
	}); err != nil {
		return err
	}
	e.logger.Info("download completed", "id", d.ID, "bytes", d.TotalSize)
	return nil
}

func (e *Engine) openForWrite(d *storage.Download) (*filesystem.Handle, error) {
	if d.DownloadedBytes > 0 {
		if h, err := e.arena.OpenForResume(d.SavePath); err == nil {
			return h, nil
		}
	}
	return e.arena.Allocate(d.SavePath, d.TotalSize)
}

// planSegments partitions [0, totalSize) into at most threads contiguous
// ranges of segmentSize = ceil(totalSize/threads) bytes each; the final
// range may be shorter.
func planSegments(totalSize int64, threads int) []fetcher.Segment {
	if threads < 1 {
		threads = 1
	}
	segmentSize := int64(math.Ceil(float64(totalSize) / float64(threads)))
	if segmentSize < 1 {
		segmentSize = totalSize
	}

	segs := make([]fetcher.Segment, 0, threads)
	for i := 0; i < threads; i++ {
		start := int64(i) * segmentSize
		if start >= totalSize {
			break
		}
		end := start + segmentSize - 1
		if end > totalSize-1 {
			end = totalSize - 1
		}
		segs = append(segs, fetcher.Segment{Index: i, StartByte: start, EndByte: end})
		if end == totalSize-1 {
			break
		}
	}
	return segs
}
