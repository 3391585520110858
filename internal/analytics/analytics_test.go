package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nulzo/novel-gateway/internal/store"
	"github.com/nulzo/novel-gateway/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockGenerations struct {
	mock.Mock

	mu     sync.Mutex
	logged []string
}

func (m *mockGenerations) Log(ctx context.Context, log *model.GenerationLog) error {
	args := m.Called(log.ID)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.logged = append(m.logged, log.ID)
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *mockGenerations) GetByID(ctx context.Context, id string) (*model.GenerationLog, error) {
	args := m.Called(id)
	log, _ := args.Get(0).(*model.GenerationLog)
	return log, args.Error(1)
}

func (m *mockGenerations) Recent(ctx context.Context, limit int) ([]model.GenerationLog, error) {
	args := m.Called(limit)
	return args.Get(0).([]model.GenerationLog), args.Error(1)
}

func (m *mockGenerations) DailyStats(ctx context.Context, days int) ([]model.DailyStats, error) {
	args := m.Called(days)
	return args.Get(0).([]model.DailyStats), args.Error(1)
}

func (m *mockGenerations) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.logged...)
}

// mockRepo runs transactions against the same generations mock; a failing fn
// is reported to the caller like a rollback.
type mockRepo struct {
	gens *mockGenerations
}

func (r *mockRepo) Generations() store.GenerationRepository { return r.gens }
func (r *mockRepo) Ping(ctx context.Context) error          { return nil }
func (r *mockRepo) Close() error                            { return nil }
func (r *mockRepo) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	return fn(r)
}

func TestIngestor_FlushesOnBatchSize(t *testing.T) {
	gens := &mockGenerations{}
	gens.On("Log", mock.Anything).Return(nil)

	ing := NewIngestor(zap.NewNop(), &mockRepo{gens: gens}, WithBatchSize(2), WithFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ing.Run(ctx)
		close(done)
	}()

	ing.Log(&model.GenerationLog{ID: "a"})
	ing.Log(&model.GenerationLog{ID: "b"})

	assert.Eventually(t, func() bool { return len(gens.ids()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestIngestor_FlushesBufferedOnShutdown(t *testing.T) {
	gens := &mockGenerations{}
	gens.On("Log", mock.Anything).Return(nil)

	ing := NewIngestor(zap.NewNop(), &mockRepo{gens: gens}, WithBatchSize(100), WithFlushInterval(time.Hour))
	ing.Log(&model.GenerationLog{ID: "x"})
	ing.Log(&model.GenerationLog{ID: "y"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ing.Run(ctx))

	assert.ElementsMatch(t, []string{"x", "y"}, gens.ids())
}

func TestIngestor_BadRowDoesNotDropBatch(t *testing.T) {
	gens := &mockGenerations{}
	gens.On("Log", "bad").Return(errors.New("constraint failed"))
	gens.On("Log", mock.Anything).Return(nil)

	ing := NewIngestor(zap.NewNop(), &mockRepo{gens: gens}, WithBatchSize(100), WithFlushInterval(time.Hour))
	ing.Log(&model.GenerationLog{ID: "good-1"})
	ing.Log(&model.GenerationLog{ID: "bad"})
	ing.Log(&model.GenerationLog{ID: "good-2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ing.Run(ctx))

	assert.Contains(t, gens.ids(), "good-1")
	assert.Contains(t, gens.ids(), "good-2")
	assert.NotContains(t, gens.ids(), "bad")
}

func TestIngestor_DropsWhenBufferFull(t *testing.T) {
	gens := &mockGenerations{}
	gens.On("Log", mock.Anything).Return(nil)

	ing := NewIngestor(zap.NewNop(), &mockRepo{gens: gens}, WithBufferSize(1))
	ing.Log(&model.GenerationLog{ID: "kept"})
	ing.Log(&model.GenerationLog{ID: "dropped"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ing.Run(ctx))

	assert.Equal(t, []string{"kept"}, gens.ids())
}

func TestService_UsageOverviewWindow(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"default", 0, 7},
		{"negative", -3, 7},
		{"explicit", 30, 30},
		{"capped", 5000, 366},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gens := &mockGenerations{}
			gens.On("DailyStats", tt.want).Return([]model.DailyStats{{Date: "2025-01-01", TotalRequests: 4}}, nil)

			stats, days, err := NewService(&mockRepo{gens: gens}).GetUsageOverview(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, days)
			assert.Len(t, stats, 1)
			gens.AssertExpectations(t)
		})
	}
}

func TestService_GetGeneration(t *testing.T) {
	gens := &mockGenerations{}
	gens.On("GetByID", "gen-1").Return(&model.GenerationLog{ID: "gen-1", Task: "outline"}, nil)
	gens.On("GetByID", "missing").Return(nil, store.ErrNotFound)

	svc := NewService(&mockRepo{gens: gens})

	log, err := svc.GetGeneration(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, "outline", log.Task)

	_, err = svc.GetGeneration(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_RecentGenerationsLimit(t *testing.T) {
	gens := &mockGenerations{}
	gens.On("Recent", 20).Return([]model.GenerationLog{{ID: "a"}}, nil)
	gens.On("Recent", 200).Return([]model.GenerationLog{}, nil)

	svc := NewService(&mockRepo{gens: gens})

	logs, err := svc.RecentGenerations(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	_, err = svc.RecentGenerations(context.Background(), 5000)
	require.NoError(t, err)
	gens.AssertExpectations(t)
}
