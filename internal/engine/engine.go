// Package engine implements DownloadEngine: segment planning, active
// download orchestration, speed/ETA tracking, status transitions, and the
// live progress snapshots the progress pump pulls.
package engine

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"tachyon-engine/internal/engineerr"
	"tachyon-engine/internal/filesystem"
	"tachyon-engine/internal/probe"
	"tachyon-engine/internal/retry"
	"tachyon-engine/internal/storage"
)

// Settings is the read-only snapshot the composition root hands the
// engine; nothing here is owned or persisted by the engine itself.
type Settings struct {
	DefaultThreads  int
	GlobalLimitBps  int // 0 = unlimited
	DownloadRoot    string
	UserAgent       string
	AutoRetryFailed bool
	MaxRetries      int
}

// AddRequest is the input to Engine.Add.
type AddRequest struct {
	URL          string
	Filename     string
	Referrer     string
	Priority     string
	Checksum     string
	ChecksumType string
}

// Snapshot is the live, read-only progress view the ProgressPump pulls.
type Snapshot struct {
	ID              string
	Status          string
	DownloadedBytes int64
	TotalSize       int64
	Speed           float64
	ETA             float64
}

// Engine orchestrates downloads end to end.
type Engine struct {
	logger   *slog.Logger
	store    *storage.Storage
	arena    *filesystem.Arena
	prober   *probe.Prober
	client   *http.Client
	settings Settings
	policy   retry.Policy

	mu      sync.Mutex
	active  map[string]*activeDownload
	locks   map[string]*sync.Mutex // per-id command serialization
}

// New builds an Engine around a shared HTTP transport, matching the
// teacher's connection-reuse configuration generalized to arbitrary
// hosts instead of one provider.
func New(logger *slog.Logger, store *storage.Storage, settings Settings) *Engine {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	client := &http.Client{Transport: transport}

	return &Engine{
		logger:   logger,
		store:    store,
		arena:    filesystem.NewArena(),
		prober:   probe.New(client, settings.UserAgent),
		client:   client,
		settings: settings,
		policy:   retry.DefaultPolicy(),
		active:   make(map[string]*activeDownload),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Add probes the URL, resolves a save path, persists a pending Download
// row, and returns it.
func (e *Engine) Add(ctx context.Context, req AddRequest) (*storage.Download, error) {
	result, err := e.prober.Probe(ctx, req.URL, req.Referrer)
	if err != nil {
		return nil, engineerr.New("engine.add", engineerr.Internal, err)
	}

	filename := resolveFilename(req.Filename, result.Filename, req.URL)
	savePath := filesystem.GetDefaultDownloadPath(e.settings.DownloadRoot, filename)

	if result.TotalSize > 0 {
		if ok := e.arena.CheckFreeSpace(filepath.Dir(savePath), result.TotalSize); !ok {
			return nil, engineerr.New("engine.add", engineerr.DiskFull,
				fmt.Errorf("insufficient free space for %d bytes", result.TotalSize))
		}
	}

	threads := e.settings.DefaultThreads
	resumable := result.SupportsRange && result.TotalSize > 0
	if !resumable {
		threads = 1
	}
	if threads < 1 {
		threads = 1
	}

	priority := req.Priority
	if priority == "" {
		priority = storage.PriorityNormal
	}

	d := &storage.Download{
		ID:           uuid.New().String(),
		URL:          result.FinalURL,
		Referrer:     req.Referrer,
		Mime:         result.Mime,
		Filename:     filepath.Base(savePath),
		SavePath:     savePath,
		TotalSize:    result.TotalSize,
		Resumable:    resumable,
		Status:       storage.StatusPending,
		Threads:      threads,
		Priority:     priority,
		CreatedAt:    time.Now(),
		Checksum:     req.Checksum,
		ChecksumType: req.ChecksumType,
	}

	if err := e.store.InsertDownload(d); err != nil {
		return nil, engineerr.New("engine.add", engineerr.Internal, err)
	}
	e.logger.Info("download added", "id", d.ID, "url", d.URL, "filename", d.Filename)
	return d, nil
}

func resolveFilename(requested, fromProbe, rawURL string) string {
	if requested != "" {
		return requested
	}
	if fromProbe != "" {
		return fromProbe
	}
	if base := filepath.Base(rawURL); base != "." && base != "/" && base != "" {
		return base
	}
	return fmt.Sprintf("download_%d", time.Now().UnixMilli())
}

// List returns every download ordered by createdAt DESC.
func (e *Engine) List() ([]storage.Download, error) {
	return e.store.ListDownloads()
}

// Get returns a single download by id.
func (e *Engine) Get(id string) (*storage.Download, error) {
	return e.store.GetDownload(id)
}

// SetPriority updates the persisted priority of id.
func (e *Engine) SetPriority(id, priority string) error {
	return e.store.UpdateDownload(id, map[string]interface{}{"priority": priority})
}

// Remove deletes a download's row and segment rows. If it is currently
// active, its session is cancelled first so the partial file and handle
// are released before the file itself is removed. A completed download's
// file is left on disk. Idempotent: removing an id that doesn't exist is
// not an error.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	ad, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		ad.cancelled.Store(true)
		ad.cancel()
	}

	d, err := e.store.GetDownload(id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	if d.SavePath != "" && d.Status != storage.StatusCompleted {
		_ = os.Remove(d.SavePath)
	}
	if err := e.store.DeleteDownload(id); err != nil && err != storage.ErrNotFound {
		return err
	}
	return nil
}

// Snapshot returns the live progress view for an active download, or
// false if it is not currently active (paused/completed/etc. read from
// storage instead).
func (e *Engine) Snapshot(id string) (Snapshot, bool) {
	e.mu.Lock()
	ad, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return ad.snapshot(), true
}

// SnapshotAll returns a Snapshot for every currently active download.
func (e *Engine) SnapshotAll() []Snapshot {
	e.mu.Lock()
	ids := make([]*activeDownload, 0, len(e.active))
	for _, ad := range e.active {
		ids = append(ids, ad)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for _, ad := range ids {
		out = append(out, ad.snapshot())
	}
	return out
}

// ActiveCount reports how many downloads currently have live sessions,
// used by the progress pump to decide whether to keep ticking.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func hasherFor(checksumType string) hash.Hash {
	switch checksumType {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	case "sha512":
		return sha512.New()
	default:
		return sha256.New()
	}
}

func hashFile(path, checksumType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := hasherFor(checksumType)
	buf := make([]byte, 256*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
