// Package fetcher implements SegmentFetcher: a single byte-range GET with
// token-bucket pacing, a stall watchdog, and a typed progress/complete/error
// event stream, per the engine's fan-out-free concurrency model.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tachyon-engine/internal/engineerr"
	"tachyon-engine/internal/filesystem"
	"tachyon-engine/internal/retry"
)

const (
	bufferSize   = 64 * 1024
	stallTimeout = 45 * time.Second
	maxRedirects = 10
)

// EventKind tags the variants carried on a fetcher's event channel.
type EventKind int

const (
	EventProgress EventKind = iota
	EventComplete
	EventError
	EventPaused
)

// Event is the single typed message a SegmentFetcher emits; the engine's
// session supervisor is its only receiver.
type Event struct {
	Kind            EventKind
	Index           int
	DownloadedBytes int64
	ChunkLen        int
	Tag             engineerr.Tag
	Err             error
}

// Segment is the mutable view a fetcher needs: its assigned range and how
// much of it is already on disk (non-zero on resume).
type Segment struct {
	Index           int
	StartByte       int64
	EndByte         int64
	DownloadedBytes int64
}

// BytesRemaining reports how many bytes are still outstanding for this
// segment given what's already been written.
func (s Segment) BytesRemaining() int64 {
	return s.EndByte - s.StartByte + 1 - s.DownloadedBytes
}

// Fetcher downloads one Segment of one Download.
type Fetcher struct {
	client    *http.Client
	userAgent string
	referrer  string
	limiter   *rate.Limiter // nil = unlimited
	policy    retry.Policy

	paused    atomic.Bool
	cancelled atomic.Bool

	mu        sync.Mutex
	cancelReq context.CancelFunc
}

// New builds a Fetcher. speedCapBytesPerSec == 0 means unlimited; capacity
// and refill rate are both set to the cap, matching the token bucket
// contract of capacity C, refill rate R.
func New(client *http.Client, userAgent, referrer string, speedCapBytesPerSec int, policy retry.Policy) *Fetcher {
	var limiter *rate.Limiter
	if speedCapBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(speedCapBytesPerSec), speedCapBytesPerSec)
	}
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		referrer:  referrer,
		limiter:   limiter,
		policy:    policy,
	}
}

// Pause tears down the in-flight request and marks the fetcher paused; the
// current chunk write in progress completes before the loop observes this.
func (f *Fetcher) Pause() {
	f.paused.Store(true)
	f.teardown()
}

// Cancel tears down the in-flight request; subsequent Start calls return
// immediately.
func (f *Fetcher) Cancel() {
	f.cancelled.Store(true)
	f.teardown()
}

func (f *Fetcher) teardown() {
	f.mu.Lock()
	cancel := f.cancelReq
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start runs one segment to completion (or pause/cancel/exhausted retry),
// sending events on the returned channel until it closes.
func (f *Fetcher) Start(ctx context.Context, rawURL string, h *filesystem.Handle, arena *filesystem.Arena, seg Segment) <-chan Event {
	events := make(chan Event, 8)

	go func() {
		defer close(events)

		if f.cancelled.Load() {
			return
		}

		err := retry.Do(ctx, f.policy, func(attempt int) error {
			return f.attempt(ctx, rawURL, h, arena, &seg, events)
		})

		if f.cancelled.Load() {
			return
		}
		if f.paused.Load() {
			events <- Event{Kind: EventPaused, Index: seg.Index}
			return
		}
		if err != nil {
			events <- Event{Kind: EventError, Index: seg.Index, Tag: engineerr.TagOf(err), Err: err}
			return
		}
		events <- Event{Kind: EventComplete, Index: seg.Index}
	}()

	return events
}

// attempt performs a single GET for the segment's remaining bytes,
// following in-flight redirects by re-entering the fetch against the new
// URL, and streams the body into the file arena.
func (f *Fetcher) attempt(ctx context.Context, rawURL string, h *filesystem.Handle, arena *filesystem.Arena, seg *Segment, events chan<- Event) error {
	current := rawURL

	for hop := 0; hop <= maxRedirects; hop++ {
		reqCtx, cancel := context.WithCancel(ctx)
		f.mu.Lock()
		f.cancelReq = cancel
		f.mu.Unlock()

		resp, err := f.issueRequest(reqCtx, current, seg)
		if err != nil {
			cancel()
			if f.paused.Load() || f.cancelled.Load() {
				return nil
			}
			return engineerr.New("fetcher.start", engineerr.NetworkTransient, err)
		}

		if isRedirect(resp.StatusCode) {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			cancel()
			next, rerr := resolveRedirect(current, loc)
			if rerr != nil {
				return engineerr.New("fetcher.start", engineerr.Internal, rerr)
			}
			current = next
			continue
		}

		if resp.StatusCode >= 400 {
			status := resp.StatusCode
			resp.Body.Close()
			cancel()
			return engineerr.FromHTTPStatus("fetcher.start", status)
		}

		if resp.StatusCode == http.StatusOK && seg.Index != 0 {
			resp.Body.Close()
			cancel()
			return engineerr.New("fetcher.start", engineerr.HttpRangeNotSupported,
				fmt.Errorf("server ignored Range for multi-segment download"))
		}

		err = f.stream(reqCtx, resp, h, arena, seg, events)
		resp.Body.Close()
		cancel()
		return err
	}

	return engineerr.New("fetcher.start", engineerr.Internal, fmt.Errorf("too many redirects"))
}

func (f *Fetcher) issueRequest(ctx context.Context, rawURL string, seg *Segment) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")
	if f.referrer != "" {
		req.Header.Set("Referer", f.referrer)
	}
	start := seg.StartByte + seg.DownloadedBytes
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, seg.EndByte))

	return f.client.Do(req)
}

// stream reads chunks from resp, pacing through the token bucket, writing
// each chunk at its absolute offset, and rearming the stall watchdog on
// every chunk received.
func (f *Fetcher) stream(ctx context.Context, resp *http.Response, h *filesystem.Handle, arena *filesystem.Arena, seg *Segment, events chan<- Event) error {
	buf := make([]byte, bufferSize)
	offset := seg.StartByte + seg.DownloadedBytes

	watchdog := time.NewTimer(stallTimeout)
	defer watchdog.Stop()

	type readResult struct {
		n   int
		err error
	}
	resultCh := make(chan readResult, 1)

	for seg.BytesRemaining() > 0 {
		if f.paused.Load() || f.cancelled.Load() {
			return nil
		}

		readBuf := buf
		if f.limiter != nil {
			want := len(buf)
			if int64(want) > seg.BytesRemaining() {
				want = int(seg.BytesRemaining())
			}
			if b := f.limiter.Burst(); want > b {
				want = b
			}
			if err := f.limiter.WaitN(ctx, want); err != nil {
				return engineerr.New("fetcher.stream", engineerr.Cancelled, err)
			}
			readBuf = buf[:want]
		}

		go func() {
			n, err := resp.Body.Read(readBuf)
			resultCh <- readResult{n, err}
		}()

		if !watchdog.Stop() {
			select {
			case <-watchdog.C:
			default:
			}
		}
		watchdog.Reset(stallTimeout)

		select {
		case <-watchdog.C:
			return engineerr.New("fetcher.stream", engineerr.StallTimeout,
				fmt.Errorf("no data received within %s", stallTimeout))
		case <-ctx.Done():
			return nil
		case res := <-resultCh:
			if res.n > 0 {
				if _, werr := arena.WriteAt(h, buf[:res.n], offset); werr != nil {
					return werr
				}
				offset += int64(res.n)
				seg.DownloadedBytes += int64(res.n)
				events <- Event{Kind: EventProgress, Index: seg.Index, DownloadedBytes: seg.DownloadedBytes, ChunkLen: res.n}
			}
			if res.err != nil {
				if res.err == io.EOF {
					return nil
				}
				return engineerr.New("fetcher.stream", engineerr.NetworkTransient, res.err)
			}
		}
	}

	return nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func resolveRedirect(current, location string) (string, error) {
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
