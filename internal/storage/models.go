// Package storage provides the durable relational store for downloads,
// segments, schedules, settings and statistics.
package storage

import "time"

// Status values for Download.Status.
const (
	StatusPending     = "pending"
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusVerifying   = "verifying"
	StatusCompleted   = "completed"
	StatusError       = "error"
)

// Priority values for Download.Priority.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Repeat values for Schedule.Repeat.
const (
	RepeatNone   = "none"
	RepeatDaily  = "daily"
	RepeatWeekly = "weekly"
)

// Download is the durable record of one accelerated download.
type Download struct {
	ID              string `gorm:"primaryKey"`
	URL             string `gorm:"index"`
	Referrer        string
	Mime            string
	Filename        string
	SavePath        string
	TotalSize       int64
	DownloadedBytes int64
	Resumable       bool
	Status          string `gorm:"index"`
	Threads         int
	Priority        string
	CreatedAt       time.Time `gorm:"index"`
	CompletedAt     *time.Time
	Checksum        string
	ChecksumType    string
	Error           string
	// Cancelled distinguishes a user-initiated cancel from a transfer
	// failure while Status remains "error" (DESIGN.md open question 6).
	Cancelled bool
	UpdatedAt time.Time
}

func (Download) TableName() string { return "downloads" }

// Segment is a contiguous byte range of a Download assigned to one
// SegmentFetcher. Deleted on cascade when its Download is deleted.
type Segment struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	DownloadID      string `gorm:"index;not null"`
	Index           int
	StartByte       int64
	EndByte         int64
	DownloadedBytes int64
	Status          string
}

func (Segment) TableName() string { return "segments" }

// Schedule is a future or recurring trigger that enqueues a Download.
// Kept as a side table rather than folded into Download.Status (DESIGN.md
// open question 8) so a schedule's DownloadID may reference a download
// created lazily when the schedule fires.
type Schedule struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	DownloadID    string `gorm:"index"`
	URL           string
	Filename      string
	ScheduledTime time.Time `gorm:"index"`
	Repeat        string
	AutoShutdown  bool
	Enabled       bool
}

func (Schedule) TableName() string { return "schedules" }

// AppSetting is a single persisted key/value configuration entry.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// DailyStat tracks bytes/files downloaded per calendar day.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // YYYY-MM-DD
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AllModels lists every table for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Download{}, &Segment{}, &Schedule{}, &AppSetting{}, &DailyStat{},
	}
}
