package store

import (
	"context"
	"errors"

	"github.com/nulzo/novel-gateway/internal/store/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Repository is the main contract for the data layer.
type Repository interface {
	Generations() GenerationRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Ping(ctx context.Context) error
	Close() error
}

type GenerationRepository interface {
	// Log stores a finished generation.
	Log(ctx context.Context, log *model.GenerationLog) error
	// GetByID returns a single generation log.
	GetByID(ctx context.Context, id string) (*model.GenerationLog, error)
	// Recent returns the last N logs, newest first.
	Recent(ctx context.Context, limit int) ([]model.GenerationLog, error)
	// DailyStats returns aggregated usage grouped by day, newest first.
	DailyStats(ctx context.Context, days int) ([]model.DailyStats, error)
}
