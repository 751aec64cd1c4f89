// Package ledger is the validator's append-only record of challenge
// outcomes per miner. Records are never updated or deleted; trust is a
// rolling read over the most recent entries.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is one scored challenge outcome.
type Record struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	MinerID     string `gorm:"index"`
	SandboxID   string
	ChallengeID string `gorm:"uniqueIndex"`
	Type        string

	CPUScore       float64
	MemoryScore    float64
	DurationScore  float64
	CompositeScore float64
	Verdict        string

	RecordedAt time.Time
}

// Ledger stores records in SQLite.
type Ledger struct {
	db *gorm.DB
}

// Open opens or creates a ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append records one outcome.
func (l *Ledger) Append(ctx context.Context, r *Record) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	return l.db.WithContext(ctx).Create(r).Error
}

// History returns a miner's records oldest first.
func (l *Ledger) History(ctx context.Context, minerID string) ([]*Record, error) {
	var records []*Record
	err := l.db.WithContext(ctx).Where("miner_id = ?", minerID).Order("id ASC").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// TrustScore averages the composite scores of a miner's most recent
// records, up to window entries. A miner with no history scores zero.
func (l *Ledger) TrustScore(ctx context.Context, minerID string, window int) (float64, error) {
	if window <= 0 {
		window = 20
	}
	var records []*Record
	err := l.db.WithContext(ctx).Where("miner_id = ?", minerID).
		Order("id DESC").Limit(window).Find(&records).Error
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	var sum float64
	for _, r := range records {
		sum += r.CompositeScore
	}
	return sum / float64(len(records)), nil
}

// Miners returns the distinct miner ids present in the ledger.
func (l *Ledger) Miners(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&Record{}).Distinct("miner_id").Order("miner_id").Pluck("miner_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
