package analytics

import (
	"context"

	"github.com/nulzo/novel-gateway/internal/store"
	"github.com/nulzo/novel-gateway/internal/store/model"
)

const (
	defaultDays = 7
	maxDays     = 366

	defaultRecent = 20
	maxRecent     = 200
)

type Service interface {
	GetUsageOverview(ctx context.Context, days int) ([]model.DailyStats, int, error)
	GetGeneration(ctx context.Context, id string) (*model.GenerationLog, error)
	RecentGenerations(ctx context.Context, limit int) ([]model.GenerationLog, error)
}

type service struct {
	repo store.Repository
}

func NewService(repo store.Repository) Service {
	return &service{
		repo: repo,
	}
}

// GetUsageOverview returns daily stats and the window actually used.
func (s *service) GetUsageOverview(ctx context.Context, days int) ([]model.DailyStats, int, error) {
	switch {
	case days <= 0:
		days = defaultDays
	case days > maxDays:
		days = maxDays
	}
	stats, err := s.repo.Generations().DailyStats(ctx, days)
	return stats, days, err
}

func (s *service) GetGeneration(ctx context.Context, id string) (*model.GenerationLog, error) {
	return s.repo.Generations().GetByID(ctx, id)
}

// RecentGenerations lists the newest ledger entries first.
func (s *service) RecentGenerations(ctx context.Context, limit int) ([]model.GenerationLog, error) {
	if limit <= 0 {
		limit = defaultRecent
	}
	limit = min(limit, maxRecent)
	return s.repo.Generations().Recent(ctx, limit)
}
