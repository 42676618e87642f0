// Package scheduler arms future and recurring triggers that enqueue
// downloads, and an optional post-completion shutdown watchdog.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tachyon-engine/internal/storage"
)

const (
	lateGrace        = 5 * time.Minute
	shutdownPollEvery = 5 * time.Second
	shutdownGrace     = 60 * time.Second
)

// Enqueuer is the queue's half of the contract.
type Enqueuer interface {
	Enqueue(id string, priority string)
}

// StatusReader lets the shutdown watchdog poll a download's terminal state
// without depending on the engine package directly.
type StatusReader interface {
	GetDownload(id string) (*storage.Download, error)
}

// ShutdownIssuer performs (or, in tests, records) the OS shutdown command.
type ShutdownIssuer interface {
	Shutdown() error
	CancelShutdown() error
}

// Scheduler arms one time.Timer per schedule, one-shot and recurring
// alike; a recurring schedule gets a fresh timer for its next occurrence
// each time it fires. The cron runner is started and stopped with the
// scheduler, but no schedule is registered on it.
type Scheduler struct {
	logger   *slog.Logger
	store    *storage.Storage
	queue    Enqueuer
	cron     *cron.Cron
	shutdown ShutdownIssuer

	mu      sync.Mutex
	timers  map[uint]*time.Timer
	entries map[uint]cron.EntryID
	watcher context.CancelFunc
}

// New builds a Scheduler bound to store for persistence, queue for firing,
// and shutdown for the optional auto-shutdown watchdog.
func New(logger *slog.Logger, store *storage.Storage, queue Enqueuer, shutdown ShutdownIssuer) *Scheduler {
	return &Scheduler{
		logger:  logger,
		store:   store,
		queue:   queue,
		cron:    cron.New(),
		shutdown: shutdown,
		timers:  make(map[uint]*time.Timer),
		entries: make(map[uint]cron.EntryID),
	}
}

// Start loads every enabled schedule and arms it, then starts the cron
// runner.
func (s *Scheduler) Start() error {
	schedules, err := s.store.ListEnabledSchedules()
	if err != nil {
		return err
	}
	for i := range schedules {
		s.arm(&schedules[i])
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and cancels every pending one-shot timer.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[uint]*time.Timer)
	s.mu.Unlock()
}

// Add persists sc and arms it immediately.
func (s *Scheduler) Add(sc *storage.Schedule) error {
	if err := s.store.InsertSchedule(sc); err != nil {
		return err
	}
	s.arm(sc)
	return nil
}

// Remove unarms a schedule and deletes it from the store.
func (s *Scheduler) Remove(id uint) error {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if eid, ok := s.entries[id]; ok {
		s.cron.Remove(eid)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.store.DeleteSchedule(id)
}

// arm computes the delay until sc's next occurrence and schedules it,
// per §4.8: within 5 minutes late fires immediately; too-old one-shots are
// skipped; daily/weekly schedules advance until they land in the future.
func (s *Scheduler) arm(sc *storage.Schedule) {
	now := time.Now()

	if sc.Repeat == storage.RepeatNone {
		delay := sc.ScheduledTime.Sub(now)
		if delay < 0 {
			if -delay > lateGrace {
				s.logger.Info("skipping stale one-shot schedule", "id", sc.ID)
				return
			}
			delay = 0
		}
		s.armTimer(sc, delay)
		return
	}

	next := sc.ScheduledTime
	interval := intervalFor(sc.Repeat)
	for next.Before(now.Add(-lateGrace)) {
		next = next.Add(interval)
	}
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.armTimer(sc, delay)
}

func intervalFor(repeat string) time.Duration {
	if repeat == storage.RepeatWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

func (s *Scheduler) armTimer(sc *storage.Schedule, delay time.Duration) {
	id := sc.ID
	t := time.AfterFunc(delay, func() { s.fire(sc) })
	s.mu.Lock()
	s.timers[id] = t
	s.mu.Unlock()
}

// fire enqueues the schedule's download, arms the post-completion shutdown
// watchdog if requested, and re-arms recurring schedules for their next
// occurrence.
func (s *Scheduler) fire(sc *storage.Schedule) {
	s.logger.Info("schedule fired", "id", sc.ID, "download", sc.DownloadID)
	s.queue.Enqueue(sc.DownloadID, storage.PriorityNormal)

	if sc.AutoShutdown {
		s.armShutdownWatch(sc.DownloadID)
	}

	if sc.Repeat != storage.RepeatNone {
		sc.ScheduledTime = sc.ScheduledTime.Add(intervalFor(sc.Repeat))
		s.arm(sc)
	}
}

// armShutdownWatch polls downloadID every 5s until it completes (then
// waits a grace period before issuing OS shutdown) or errors (cancels the
// watch).
func (s *Scheduler) armShutdownWatch(downloadID string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.watcher = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(shutdownPollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d, err := s.store.GetDownload(downloadID)
				if err != nil {
					continue
				}
				switch d.Status {
				case storage.StatusCompleted:
					time.Sleep(shutdownGrace)
					if s.shutdown != nil {
						if err := s.shutdown.Shutdown(); err != nil {
							s.logger.Error("auto-shutdown failed", "error", err)
						}
					}
					return
				case storage.StatusError:
					return
				}
			}
		}
	}()
}

// CancelShutdown aborts any pending auto-shutdown watch and OS-level
// shutdown command.
func (s *Scheduler) CancelShutdown() error {
	s.mu.Lock()
	if s.watcher != nil {
		s.watcher()
		s.watcher = nil
	}
	s.mu.Unlock()
	if s.shutdown != nil {
		return s.shutdown.CancelShutdown()
	}
	return nil
}
