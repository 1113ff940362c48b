// Package cache persists the reconciled view so the next launch can render before the
// first page arrives.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const insertBatchSize = 100

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingServer   = errors.New("server key is required")

	errMissingAccountName = errors.New("account name is required")
)

// CacheError carries an "<operation>.<reason>" code.
type CacheError struct {
	code string
	err  error
}

func (e *CacheError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *CacheError) Unwrap() error {
	return e.err
}

func (e *CacheError) Code() string {
	return e.code
}

const (
	opCacheNew = "cache.new"
	opSave     = "cache.save_snapshot"
	opLoad     = "cache.load_snapshot"
	opSavedAt  = "cache.saved_at"
)

func newCacheError(operation, reason string, cause error) error {
	return &CacheError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type snapshotRow struct {
	Server           string `gorm:"column:server;primaryKey;size:255;not null"`
	MemoID           string `gorm:"column:memo_id;primaryKey;size:190;not null"`
	Position         int    `gorm:"column:position;not null;index"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (snapshotRow) TableName() string {
	return "memo_snapshots"
}

type snapshotMeta struct {
	Server         string `gorm:"column:server;primaryKey;size:255;not null"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
	RecordCount    int    `gorm:"column:record_count;not null"`
}

func (snapshotMeta) TableName() string {
	return "memo_snapshot_meta"
}

// Config describes a Snapshots store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Snapshots stores one ordered view per server address.
type Snapshots struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	accounts sync.Map
}

// New constructs a Snapshots store.
func New(cfg Config) (*Snapshots, error) {
	if cfg.Database == nil {
		return nil, newCacheError(opCacheNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshots{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Save replaces the snapshot for server with the canonical records of view, keeping their
// order. Provisional records are skipped since their ids do not survive a restart.
func (s *Snapshots) Save(ctx context.Context, server string, view []memos.MemoRecord) error {
	if server == "" {
		return newCacheError(opSave, "missing_server", errMissingServer)
	}

	now := s.clock().UTC().Unix()
	rows := make([]snapshotRow, 0, len(view))
	for _, record := range view {
		if !record.ID.IsCanonical() {
			continue
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return s.logError(opSave, "encode_failed", err)
		}
		rows = append(rows, snapshotRow{
			Server:           server,
			MemoID:           record.ID.UID(),
			Position:         len(rows),
			PayloadJSON:      string(payload),
			UpdatedAtSeconds: record.UpdateTime.UTC().Unix(),
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server = ?", server).Delete(&snapshotRow{}).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
				return err
			}
		}
		meta := snapshotMeta{Server: server, SavedAtSeconds: now, RecordCount: len(rows)}
		return tx.Save(&meta).Error
	})
	if err != nil {
		return s.logError(opSave, "transaction_failed", err)
	}
	s.logger.Debug("snapshot saved", zap.String("server", server), zap.Int("records", len(rows)))
	return nil
}

// Load returns the snapshot for server in saved order. Rows that no longer decode are
// skipped.
func (s *Snapshots) Load(ctx context.Context, server string) ([]memos.MemoRecord, error) {
	if server == "" {
		return nil, newCacheError(opLoad, "missing_server", errMissingServer)
	}

	var rows []snapshotRow
	if err := s.db.WithContext(ctx).Where("server = ?", server).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, s.logError(opLoad, "query_failed", err)
	}

	records := make([]memos.MemoRecord, 0, len(rows))
	for _, row := range rows {
		var record memos.MemoRecord
		if err := json.Unmarshal([]byte(row.PayloadJSON), &record); err != nil || !record.ID.IsCanonical() {
			s.logger.Warn("skipping undecodable snapshot row",
				zap.String("server", server),
				zap.String("memo_id", row.MemoID),
				zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// SavedAt returns when the snapshot for server was last written.
func (s *Snapshots) SavedAt(ctx context.Context, server string) (time.Time, bool, error) {
	var meta snapshotMeta
	err := s.db.WithContext(ctx).Where("server = ?", server).Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, s.logError(opSavedAt, "query_failed", err)
	}
	return time.Unix(meta.SavedAtSeconds, 0).UTC(), true, nil
}

func (s *Snapshots) logError(operation, reason string, err error) error {
	s.logger.Error("snapshot cache failure",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
	return newCacheError(operation, reason, err)
}
