package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"tachyon-engine/internal/engineerr"
	"tachyon-engine/internal/filesystem"
	"tachyon-engine/internal/retry"
	"tachyon-engine/internal/storage"
)

const singleMaxRedirects = 10

// runSingle streams a non-resumable (or size-unknown) download through
// one sequential connection, per §9's redesign flag: redirects are
// followed through an explicit capped loop rather than recursion, and a
// Content-Length discovered mid-flight is persisted and used for a
// one-time free-space re-check before the body is written further.
func (e *Engine) runSingle(ctx context.Context, ad *activeDownload, d *storage.Download) error {
	handle, err := e.arena.Allocate(d.SavePath, 0)
	if err != nil {
		return e.failDownload(d.ID, err)
	}
	defer e.arena.Close(handle)

	var written int64
	current := d.URL

	doErr := retry.Do(ctx, e.policy, func(attempt int) error {
		resp, rerr := e.issueSingleRequest(ctx, current, d, written)
		if rerr != nil {
			return engineerr.New("single.start", engineerr.NetworkTransient, rerr)
		}

		for hop := 0; hop < singleMaxRedirects && isRedirectStatus(resp.StatusCode); hop++ {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			next, err := resolveSingleRedirect(current, loc)
			if err != nil {
				return engineerr.New("single.start", engineerr.Internal, err)
			}
			current = next
			resp, rerr = e.issueSingleRequest(ctx, current, d, written)
			if rerr != nil {
				return engineerr.New("single.start", engineerr.NetworkTransient, rerr)
			}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return engineerr.FromHTTPStatus("single.start", resp.StatusCode)
		}

		if d.TotalSize <= 0 && resp.ContentLength > 0 {
			total := written + resp.ContentLength
			if ok := e.arena.CheckFreeSpace(filepath.Dir(d.SavePath), total); !ok {
				return engineerr.New("single.start", engineerr.DiskFull,
					fmt.Errorf("insufficient free space for %d bytes", total))
			}
			d.TotalSize = total
			ad.mu.Lock()
			ad.total = total
			ad.mu.Unlock()
			_ = e.store.UpdateDownload(d.ID, map[string]interface{}{"total_size": total})
		}

		n, serr := e.streamSingle(ctx, ad, resp, handle, &written)
		written += n
		return serr
	})

	if ad.cancelled.Load() {
		return nil
	}

	ad.mu.Lock()
	paused := ad.status == storage.StatusPaused
	ad.mu.Unlock()
	if paused {
		_ = e.store.UpdateDownload(d.ID, map[string]interface{}{
			"downloaded_bytes": written,
			"status":           storage.StatusPaused,
		})
		return nil
	}

	if doErr != nil {
		return e.failDownload(d.ID, doErr)
	}

	d.TotalSize = written
	return e.finalizeCompletion(ctx, ad, d)
}

func (e *Engine) issueSingleRequest(ctx context.Context, rawURL string, d *storage.Download, resumeFrom int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.settings.UserAgent)
	req.Header.Set("Accept-Encoding", "identity")
	if d.Referrer != "" {
		req.Header.Set("Referer", d.Referrer)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}
	return e.client.Do(req)
}

// streamSingle copies resp.Body into handle starting at the current
// write offset, applying the canonical speedTracker and the same
// 45-second stall semantics documented for the multi-segment path.
func (e *Engine) streamSingle(ctx context.Context, ad *activeDownload, resp *http.Response, h *filesystem.Handle, writtenSoFar *int64) (int64, error) {
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)
	offset := *writtenSoFar
	var total int64

	watchdog := time.NewTimer(stallTimeoutSingle)
	defer watchdog.Stop()

	type readResult struct {
		n   int
		err error
	}
	resultCh := make(chan readResult, 1)

	for {
		ad.mu.Lock()
		paused := ad.status == storage.StatusPaused
		ad.mu.Unlock()
		if paused || ad.cancelled.Load() {
			return total, nil
		}

		go func() {
			n, err := resp.Body.Read(buf)
			resultCh <- readResult{n, err}
		}()

		if !watchdog.Stop() {
			select {
			case <-watchdog.C:
			default:
			}
		}
		watchdog.Reset(stallTimeoutSingle)

		select {
		case <-watchdog.C:
			return total, engineerr.New("single.stream", engineerr.StallTimeout,
				fmt.Errorf("no data received within %s", stallTimeoutSingle))
		case <-ctx.Done():
			return total, nil
		case res := <-resultCh:
			if res.n > 0 {
				if _, werr := e.arena.WriteAt(h, buf[:res.n], offset); werr != nil {
					return total, werr
				}
				offset += int64(res.n)
				total += int64(res.n)

				ad.mu.Lock()
				ad.dl = *writtenSoFar + total
				dl := ad.dl
				tot := ad.total
				ad.mu.Unlock()
				ad.tracker.Sample(time.Now(), dl, tot)

				if err := e.store.UpdateDownload(ad.id, map[string]interface{}{"downloaded_bytes": dl}); err != nil {
					return total, err
				}
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return total, nil
				}
				return total, engineerr.New("single.stream", engineerr.NetworkTransient, res.err)
			}
		}
	}
}

const stallTimeoutSingle = 45 * time.Second

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func resolveSingleRedirect(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
