package fetcher

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon-engine/internal/filesystem"
	"tachyon-engine/internal/retry"
)

func tempHandle(t *testing.T, size int64) (*filesystem.Handle, *filesystem.Arena, string) {
	t.Helper()
	arena := filesystem.NewArena()
	path := filepath.Join(t.TempDir(), "out.bin")
	h, err := arena.Allocate(path, size)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close(h) })
	return h, arena, path
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialDelay: 0, MaxDelay: 0, BackoffFactor: 1}
}

func TestFetcherDownloadsExactRangeRequested(t *testing.T) {
	payload := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=4-11", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 4-11/16")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[4:12])
	}))
	defer srv.Close()

	h, arena, path := tempHandle(t, 16)
	seg := Segment{Index: 1, StartByte: 4, EndByte: 11}

	f := New(srv.Client(), "ua", "", 0, fastPolicy())
	events := f.Start(t.Context(), srv.URL, h, arena, seg)

	var gotComplete bool
	var downloaded int64
	for ev := range events {
		if ev.Kind == EventComplete {
			gotComplete = true
		}
		if ev.Kind == EventProgress {
			downloaded = ev.DownloadedBytes
		}
	}
	require.True(t, gotComplete)
	assert.EqualValues(t, 8, downloaded)

	arena.Close(h)
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload[4:12], written[4:12])
}

func TestFetcherResumesFromDownloadedBytes(t *testing.T) {
	payload := []byte("abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=3-9", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[3:])
	}))
	defer srv.Close()

	h, arena, _ := tempHandle(t, 10)
	seg := Segment{Index: 0, StartByte: 0, EndByte: 9, DownloadedBytes: 3}

	f := New(srv.Client(), "ua", "", 0, fastPolicy())
	events := f.Start(t.Context(), srv.URL, h, arena, seg)

	var kinds []EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, EventComplete)
}

func TestFetcherSurfacesNonRetryable4xxAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	h, arena, _ := tempHandle(t, 10)
	seg := Segment{Index: 0, StartByte: 0, EndByte: 9}

	f := New(srv.Client(), "ua", "", 0, fastPolicy())
	events := f.Start(t.Context(), srv.URL, h, arena, seg)

	var errEvent *Event
	for ev := range events {
		if ev.Kind == EventError {
			e := ev
			errEvent = &e
		}
	}
	require.NotNil(t, errEvent)
}

func TestFetcher200OnNonZeroSegmentMeansRangeUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("whole file ignoring range"))
	}))
	defer srv.Close()

	h, arena, _ := tempHandle(t, 100)
	seg := Segment{Index: 2, StartByte: 50, EndByte: 99}

	f := New(srv.Client(), "ua", "", 0, fastPolicy())
	events := f.Start(t.Context(), srv.URL, h, arena, seg)

	var errEvent *Event
	for ev := range events {
		if ev.Kind == EventError {
			e := ev
			errEvent = &e
		}
	}
	require.NotNil(t, errEvent)
}

func TestFetcherRetries503ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h, arena, _ := tempHandle(t, 2)
	seg := Segment{Index: 0, StartByte: 0, EndByte: 1}

	f := New(srv.Client(), "ua", "", 0, retry.Policy{MaxAttempts: 3, InitialDelay: 0, MaxDelay: 0, BackoffFactor: 1})
	events := f.Start(t.Context(), srv.URL, h, arena, seg)

	var gotComplete bool
	for ev := range events {
		if ev.Kind == EventComplete {
			gotComplete = true
		}
	}
	assert.True(t, gotComplete)
	assert.Equal(t, 2, attempts)
}

func TestBytesRemaining(t *testing.T) {
	seg := Segment{StartByte: 100, EndByte: 199, DownloadedBytes: 40}
	assert.EqualValues(t, 60, seg.BytesRemaining())

	full := Segment{StartByte: 0, EndByte: 9}
	assert.EqualValues(t, 10, full.BytesRemaining())
}

func TestFetcherPauseStopsMidStream(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("a"))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	h, arena, _ := tempHandle(t, 100)
	seg := Segment{Index: 0, StartByte: 0, EndByte: 99}

	f := New(srv.Client(), "ua", "", 0, fastPolicy())
	events := f.Start(t.Context(), srv.URL, h, arena, seg)

	<-events // first progress event for the single written byte
	f.Pause()

	for range events {
		// drain until channel closes; Pause must not hang the goroutine.
	}
}

func TestFetcherRejectsTooManyRedirectsEventually(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, fmt.Sprintf("%s/%s", srv.URL, r.URL.Path+"x"), http.StatusFound)
	}))
	defer srv.Close()

	h, arena, _ := tempHandle(t, 10)
	seg := Segment{Index: 0, StartByte: 0, EndByte: 9}

	f := New(srv.Client(), "ua", "", 0, fastPolicy())
	events := f.Start(t.Context(), srv.URL, h, arena, seg)

	var errEvent *Event
	for ev := range events {
		if ev.Kind == EventError {
			e := ev
			errEvent = &e
		}
	}
	require.NotNil(t, errEvent)
}
