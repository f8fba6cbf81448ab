// Package signals reads the upstream prediction table. The table is
// produced by an external process; nothing here writes to it.
package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/AEgurcan/signaltrader/pkg/models"
)

// StaleWindow is how old a record must be before it is considered final.
// A signal covers a four hour block; the extra minute keeps a decision
// from ever landing inside the block it predicts.
const StaleWindow = 4*time.Hour + time.Minute

// Source is the read interface the trading cycle consumes.
type Source interface {
	// Latest returns the most recent record whose timestamp is at or
	// before asOf minus the stale window, or nil when none qualifies.
	Latest(ctx context.Context, asOf time.Time) (*models.SignalRecord, error)
}

// Store is the Postgres-backed Source.
type Store struct {
	db *gorm.DB
}

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open signal store: %w", err)
	}
	return &Store{db: db}, nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Latest(ctx context.Context, asOf time.Time) (*models.SignalRecord, error) {
	cutoff := asOf.Add(-StaleWindow)

	var record models.SignalRecord
	err := s.db.WithContext(ctx).
		Where("timestamp <= ?", cutoff).
		Order("timestamp DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No qualifying signal is "nothing to do", not a failure.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest signal: %w", err)
	}
	return &record, nil
}
