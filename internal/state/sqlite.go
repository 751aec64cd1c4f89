// Package state provides local SQLite state storage for the miner daemon.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Sandbox represents a sandbox in local state. The SSH password is kept
// only as a bcrypt hash; the plaintext leaves the process exactly once,
// in the allocation response.
type Sandbox struct {
	ID              string `gorm:"primaryKey"`
	Name            string `gorm:"index"`
	RuntimeID       string `gorm:"index"`
	Image           string
	Host            string
	SSHPort         int
	Username        string
	PasswordHash    string
	State           string `gorm:"index"`
	CPU             int
	MemoryBytes     int64
	DurationSeconds int
	LastActiveAt    time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time `gorm:"index"`
}

// Execution represents a challenge execution record.
type Execution struct {
	ID          string `gorm:"primaryKey"`
	SandboxID   string `gorm:"index"`
	ChallengeID string `gorm:"index"`
	Command     string
	Status      string
	ExitCode    int
	Output      string
	DurationMS  int64
	StartedAt   time.Time
	EndedAt     time.Time
}

// Store provides local state persistence via SQLite.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new SQLite state store.
func NewStore(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&Sandbox{}, &Execution{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying GORM database handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateSandbox creates a new sandbox record.
func (s *Store) CreateSandbox(ctx context.Context, sb *Sandbox) error {
	return s.db.WithContext(ctx).Create(sb).Error
}

// GetSandbox retrieves a sandbox by ID.
func (s *Store) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(&sb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

// ListSandboxes returns all non-deleted sandboxes.
func (s *Store) ListSandboxes(ctx context.Context) ([]*Sandbox, error) {
	var sandboxes []*Sandbox
	if err := s.db.WithContext(ctx).Where("deleted_at IS NULL").Find(&sandboxes).Error; err != nil {
		return nil, err
	}
	return sandboxes, nil
}

// UpdateSandboxState updates the lifecycle state of a sandbox and bumps
// its last-active timestamp.
func (s *Store) UpdateSandboxState(ctx context.Context, id, sandboxState string) error {
	return s.db.WithContext(ctx).Model(&Sandbox{}).Where("id = ?", id).
		Updates(map[string]any{
			"state":          sandboxState,
			"last_active_at": time.Now().UTC(),
		}).Error
}

// DeleteSandbox soft-deletes a sandbox.
func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&Sandbox{}).Where("id = ?", id).
		Updates(map[string]any{
			"deleted_at": &now,
			"state":      "terminated",
		}).Error
}

// ListExpiredSandboxes returns sandboxes past their requested lifetime.
func (s *Store) ListExpiredSandboxes(ctx context.Context) ([]*Sandbox, error) {
	var sandboxes []*Sandbox
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).
		Where("deleted_at IS NULL AND duration_seconds > 0").
		Find(&sandboxes).Error
	if err != nil {
		return nil, err
	}

	var expired []*Sandbox
	for _, sb := range sandboxes {
		lifetime := time.Duration(sb.DurationSeconds) * time.Second
		if now.After(sb.CreatedAt.Add(lifetime)) {
			expired = append(expired, sb)
		}
	}

	return expired, nil
}

// CreateExecution creates a challenge execution record.
func (s *Store) CreateExecution(ctx context.Context, ex *Execution) error {
	return s.db.WithContext(ctx).Create(ex).Error
}

// ListSandboxExecutions returns executions for a sandbox, newest first.
func (s *Store) ListSandboxExecutions(ctx context.Context, sandboxID string) ([]*Execution, error) {
	var executions []*Execution
	if err := s.db.WithContext(ctx).Where("sandbox_id = ?", sandboxID).Order("started_at DESC").Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}
