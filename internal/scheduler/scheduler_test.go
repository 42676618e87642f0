package scheduler

import (
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon-engine/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeEnqueuer struct {
	mu      sync.Mutex
	calls   []string
	signal  chan string
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{signal: make(chan string, 16)}
}

func (f *fakeEnqueuer) Enqueue(id string, priority string) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	f.signal <- id
}

func (f *fakeEnqueuer) waitFor(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-f.signal:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for schedule %q to fire", id)
	}
}

type fakeShutdown struct {
	mu        sync.Mutex
	issued    bool
	cancelled bool
}

func (f *fakeShutdown) Shutdown() error {
	f.mu.Lock()
	f.issued = true
	f.mu.Unlock()
	return nil
}

func (f *fakeShutdown) CancelShutdown() error {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	return nil
}

func TestAddArmsAndFiresOneShotImmediately(t *testing.T) {
	store := newTestStore(t)
	enq := newFakeEnqueuer()
	sched := New(discardLogger(), store, enq, &fakeShutdown{})
	defer sched.Stop()

	sc := &storage.Schedule{DownloadID: "dl1", URL: "https://x/y", Repeat: storage.RepeatNone, ScheduledTime: time.Now().Add(-time.Second), Enabled: true}
	require.NoError(t, sched.Add(sc))

	enq.waitFor(t, "dl1")
}

func TestStartSkipsStaleOneShotBeyondGrace(t *testing.T) {
	store := newTestStore(t)
	sc := &storage.Schedule{DownloadID: "stale", URL: "u", Repeat: storage.RepeatNone, ScheduledTime: time.Now().Add(-time.Hour), Enabled: true}
	require.NoError(t, store.InsertSchedule(sc))

	enq := newFakeEnqueuer()
	sched := New(discardLogger(), store, enq, &fakeShutdown{})
	require.NoError(t, sched.Start())
	defer sched.Stop()

	select {
	case <-enq.signal:
		t.Fatal("stale one-shot schedule should not have fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartFiresLateOneShotWithinGrace(t *testing.T) {
	store := newTestStore(t)
	sc := &storage.Schedule{DownloadID: "late", URL: "u", Repeat: storage.RepeatNone, ScheduledTime: time.Now().Add(-time.Minute), Enabled: true}
	require.NoError(t, store.InsertSchedule(sc))

	enq := newFakeEnqueuer()
	sched := New(discardLogger(), store, enq, &fakeShutdown{})
	require.NoError(t, sched.Start())
	defer sched.Stop()

	enq.waitFor(t, "late")
}

func TestFireReArmsRecurringSchedule(t *testing.T) {
	store := newTestStore(t)
	sc := &storage.Schedule{DownloadID: "daily", URL: "u", Repeat: storage.RepeatDaily, ScheduledTime: time.Now().Add(-10 * time.Millisecond), Enabled: true}
	require.NoError(t, store.InsertSchedule(sc))

	enq := newFakeEnqueuer()
	sched := New(discardLogger(), store, enq, &fakeShutdown{})
	require.NoError(t, sched.Start())
	defer sched.Stop()

	enq.waitFor(t, "daily")

	sched.mu.Lock()
	_, armed := sched.timers[sc.ID]
	sched.mu.Unlock()
	assert.True(t, armed, "recurring schedule should be re-armed with a fresh timer after firing")
}

func TestRemoveUnarmsSchedule(t *testing.T) {
	store := newTestStore(t)
	enq := newFakeEnqueuer()
	sched := New(discardLogger(), store, enq, &fakeShutdown{})
	defer sched.Stop()

	sc := &storage.Schedule{DownloadID: "dl2", URL: "u", Repeat: storage.RepeatNone, ScheduledTime: time.Now().Add(time.Hour), Enabled: true}
	require.NoError(t, sched.Add(sc))

	require.NoError(t, sched.Remove(sc.ID))

	sched.mu.Lock()
	_, stillTimed := sched.timers[sc.ID]
	sched.mu.Unlock()
	assert.False(t, stillTimed)

	_, err := store.GetSchedule(sc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelShutdownWithoutActiveWatchStillCancelsOSShutdown(t *testing.T) {
	store := newTestStore(t)
	shutdown := &fakeShutdown{}
	sched := New(discardLogger(), store, newFakeEnqueuer(), shutdown)
	defer sched.Stop()

	require.NoError(t, sched.CancelShutdown())
	assert.True(t, shutdown.cancelled)
}

func TestCancelShutdownStopsActiveWatcher(t *testing.T) {
	store := newTestStore(t)
	shutdown := &fakeShutdown{}
	sched := New(discardLogger(), store, newFakeEnqueuer(), shutdown)
	defer sched.Stop()

	// armShutdownWatch polls on a real 5s ticker with a 60s post-completion
	// grace, both package constants; exercising the full wait here would
	// make the suite impractically slow, so this only checks that
	// CancelShutdown tears down a watcher already in flight.
	sched.armShutdownWatch("whatever")
	require.NoError(t, sched.CancelShutdown())

	sched.mu.Lock()
	watcher := sched.watcher
	sched.mu.Unlock()
	assert.Nil(t, watcher)
}

func TestIntervalForMatchesRepeatKind(t *testing.T) {
	assert.Equal(t, 24*time.Hour, intervalFor(storage.RepeatDaily))
	assert.Equal(t, 7*24*time.Hour, intervalFor(storage.RepeatWeekly))
	assert.Equal(t, 24*time.Hour, intervalFor(storage.RepeatNone))
}
