package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("storage: not found")

// Storage is the single-file relational store. All operations are
// synchronous and atomic from the caller's perspective per spec §4.1.
type Storage struct {
	db *gorm.DB
}

// Open creates (or opens) the SQLite database at path, enabling WAL mode
// for durability without serializing readers behind writers, and runs
// AutoMigrate for every known table.
func Open(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Storage{db: db}, nil
}

// OpenDefault opens the store at <UserConfigDir>/<appName>/engine.db.
func OpenDefault(appName string) (*Storage, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, appName, "engine.db"))
}

// Checkpoint forces a WAL checkpoint, used on graceful shutdown.
func (s *Storage) Checkpoint() error {
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Downloads ---

func (s *Storage) InsertDownload(d *Download) error {
	return s.db.Create(d).Error
}

// UpdateDownload applies a partial update to the download identified by
// id: every key in partial is written, zero values included.
func (s *Storage) UpdateDownload(id string, partial map[string]interface{}) error {
	partial["updated_at"] = time.Now()
	res := s.db.Model(&Download{}).Where("id = ?", id).Updates(partial)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDownload upserts the full row (used by the engine for its own
// in-memory authoritative copy after a transition).
func (s *Storage) SaveDownload(d *Download) error {
	d.UpdatedAt = time.Now()
	return s.db.Save(d).Error
}

func (s *Storage) GetDownload(id string) (*Download, error) {
	var d Download
	err := s.db.First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Storage) GetDownloadByURL(url string) (*Download, error) {
	var d Download
	err := s.db.Where("url = ?", url).Order("created_at DESC").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDownloads returns all downloads ordered by createdAt DESC per spec §4.1.
func (s *Storage) ListDownloads() ([]Download, error) {
	var out []Download
	err := s.db.Order("created_at DESC").Find(&out).Error
	return out, err
}

func (s *Storage) ListByStatus(status string) ([]Download, error) {
	var out []Download
	err := s.db.Where("status = ?", status).Order("created_at DESC").Find(&out).Error
	return out, err
}

// DeleteDownload removes the download row and cascades to its segments
// inside one transaction, satisfying the idempotent-remove invariant
// (spec §8 invariant 7).
func (s *Storage) DeleteDownload(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("download_id = ?", id).Delete(&Segment{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Download{}).Error
	})
}

// ClearCompleted deletes every completed download (and its segments) and
// returns the count removed.
func (s *Storage) ClearCompleted() (int64, error) {
	var ids []string
	if err := s.db.Model(&Download{}).Where("status = ?", StatusCompleted).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("download_id IN ?", ids).Delete(&Segment{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Download{}).Error
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// --- Segments ---

// InsertSegments persists a full segment plan in one transaction.
func (s *Storage) InsertSegments(segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	return s.db.Create(&segments).Error
}

func (s *Storage) UpdateSegment(downloadID string, index int, partial map[string]interface{}) error {
	return s.db.Model(&Segment{}).
		Where("download_id = ? AND index = ?", downloadID, index).
		Updates(partial).Error
}

// BulkUpdateSegments writes every segment's downloaded_bytes and status in
// one transaction.
func (s *Storage) BulkUpdateSegments(segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, seg := range segments {
			if err := tx.Model(&Segment{}).
				Where("download_id = ? AND index = ?", seg.DownloadID, seg.Index).
				Updates(map[string]interface{}{
					"downloaded_bytes": seg.DownloadedBytes,
					"status":           seg.Status,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) GetSegments(downloadID string) ([]Segment, error) {
	var out []Segment
	err := s.db.Where("download_id = ?", downloadID).Order("`index` ASC").Find(&out).Error
	return out, err
}

func (s *Storage) DeleteSegments(downloadID string) error {
	return s.db.Where("download_id = ?", downloadID).Delete(&Segment{}).Error
}

// --- Schedules ---

func (s *Storage) InsertSchedule(sc *Schedule) error {
	return s.db.Create(sc).Error
}

func (s *Storage) UpdateSchedule(id uint, partial map[string]interface{}) error {
	return s.db.Model(&Schedule{}).Where("id = ?", id).Updates(partial).Error
}

func (s *Storage) GetSchedule(id uint) (*Schedule, error) {
	var sc Schedule
	err := s.db.First(&sc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &sc, err
}

func (s *Storage) ListSchedules() ([]Schedule, error) {
	var out []Schedule
	err := s.db.Order("scheduled_time ASC").Find(&out).Error
	return out, err
}

func (s *Storage) ListEnabledSchedules() ([]Schedule, error) {
	var out []Schedule
	err := s.db.Where("enabled = ?", true).Order("scheduled_time ASC").Find(&out).Error
	return out, err
}

func (s *Storage) DeleteSchedule(id uint) error {
	return s.db.Where("id = ?", id).Delete(&Schedule{}).Error
}

// --- Settings ---

func (s *Storage) GetString(key string) (string, error) {
	var row AppSetting
	err := s.db.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

func (s *Storage) SetString(key, value string) error {
	return s.db.Save(&AppSetting{Key: key, Value: value}).Error
}

// --- Stats ---

func (s *Storage) IncrementDailyBytes(n int64) error {
	return s.upsertDaily(n, 0)
}

func (s *Storage) IncrementDailyFiles() error {
	return s.upsertDaily(0, 1)
}

func (s *Storage) upsertDaily(bytes, files int64) error {
	today := time.Now().Format("2006-01-02")
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row DailyStat
		err := tx.First(&row, "date = ?", today).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = DailyStat{Date: today, Bytes: bytes, Files: files}
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		row.Bytes += bytes
		row.Files += files
		return tx.Save(&row).Error
	})
}

func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Row().Scan(&total)
	return total, err
}

func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Row().Scan(&total)
	return total, err
}

func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	var out []DailyStat
	err := s.db.Where("date >= ?", cutoff).Order("date ASC").Find(&out).Error
	return out, err
}
