// Package journal persists submitted transaction hashes so an interrupted
// flow can be resumed by polling for its receipt instead of resubmitting.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when no entry matches a hash.
var ErrNotFound = errors.New("journal: entry not found")

// Status is the lifecycle of a journaled transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusReverted  Status = "REVERTED"
	StatusDropped   Status = "DROPPED"
)

// Entry is one submitted transaction.
type Entry struct {
	Hash        string `gorm:"primaryKey;size:66"`
	Session     string `gorm:"size:36;index"`
	Flow        string `gorm:"size:32;index"`
	Method      string `gorm:"size:64"`
	Target      string `gorm:"size:42"`
	Fingerprint string `gorm:"size:66"`
	Sender      string `gorm:"size:42;index"`
	Status      Status `gorm:"size:16;index"`
	Block       uint64
	Detail      string `gorm:"size:512"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Journal stores entries in a SQL database through gorm.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite journal at path. ":memory:" is accepted
// for ephemeral use.
func Open(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: path required")
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	return New(db)
}

// New migrates the schema on db and wraps it.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Record stores a freshly submitted transaction as pending.
func (j *Journal) Record(ctx context.Context, entry Entry) error {
	if j == nil {
		return nil
	}
	if strings.TrimSpace(entry.Hash) == "" {
		return fmt.Errorf("journal: hash required")
	}
	now := j.now().UTC()
	entry.Hash = strings.ToLower(entry.Hash)
	entry.Sender = strings.ToLower(entry.Sender)
	if entry.Status == "" {
		entry.Status = StatusPending
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("journal: record %s: %w", entry.Hash, err)
	}
	return nil
}

// Resolve marks an entry with its final status.
func (j *Journal) Resolve(ctx context.Context, hash string, status Status, block uint64, detail string) error {
	if j == nil {
		return nil
	}
	res := j.db.WithContext(ctx).Model(&Entry{}).
		Where("hash = ?", strings.ToLower(hash)).
		Updates(map[string]any{
			"status":     status,
			"block":      block,
			"detail":     detail,
			"updated_at": j.now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("journal: resolve %s: %w", hash, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return nil
}

// Get returns the entry for hash.
func (j *Journal) Get(ctx context.Context, hash string) (Entry, error) {
	if j == nil {
		return Entry{}, ErrNotFound
	}
	var entry Entry
	err := j.db.WithContext(ctx).Where("hash = ?", strings.ToLower(hash)).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal: get %s: %w", hash, err)
	}
	return entry, nil
}

// Pending lists unresolved entries for sender, oldest first. An empty sender
// lists all.
func (j *Journal) Pending(ctx context.Context, sender string) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	query := j.db.WithContext(ctx).Where("status = ?", StatusPending)
	if trimmed := strings.TrimSpace(sender); trimmed != "" {
		query = query.Where("sender = ?", strings.ToLower(trimmed))
	}
	var entries []Entry
	if err := query.Order("created_at asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("journal: list pending: %w", err)
	}
	return entries, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
