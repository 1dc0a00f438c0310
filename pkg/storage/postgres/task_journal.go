package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"clusterd/pkg/models"
)

// Config holds the connection string and pool settings.
type Config struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	// RetainFor bounds how long journal rows are kept; zero keeps everything.
	RetainFor time.Duration
}

// DefaultConfig returns pool defaults for a low-volume journal.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxIdleConns:    2,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
		RetainFor:       7 * 24 * time.Hour,
	}
}

// DSN builds a key/value connection string.
func DSN(host string, port int, user, password, dbname, sslmode string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)
}

// TaskJournal stores processed update tasks in Postgres.
type TaskJournal struct {
	db        *gorm.DB
	retainFor time.Duration
}

// NewTaskJournal opens the database and migrates the journal table.
func NewTaskJournal(cfg Config) (*TaskJournal, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&models.TaskRecord{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &TaskJournal{db: db, retainFor: cfg.RetainFor}, nil
}

func (j *TaskJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append inserts records in one batch.
func (j *TaskJournal) Append(ctx context.Context, records ...*models.TaskRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := j.db.WithContext(ctx).CreateInBatches(records, 100).Error; err != nil {
		return fmt.Errorf("failed to append task records: %w", err)
	}
	return nil
}

// ListRecent returns the newest records first.
func (j *TaskJournal) ListRecent(ctx context.Context, limit int) ([]models.TaskRecord, error) {
	var records []models.TaskRecord
	result := j.db.WithContext(ctx).
		Order("completed_at desc").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list task records: %w", result.Error)
	}
	return records, nil
}

// Prune deletes records older than the retention window and reports how
// many were removed.
func (j *TaskJournal) Prune(ctx context.Context) (int64, error) {
	if j.retainFor <= 0 {
		return 0, nil
	}
	result := j.db.WithContext(ctx).
		Where("completed_at < ?", time.Now().Add(-j.retainFor)).
		Delete(&models.TaskRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune task records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
