package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulzo/novel-gateway/internal/store"
	"github.com/nulzo/novel-gateway/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func entry(id, state string, in, out int, at time.Time) *model.GenerationLog {
	return &model.GenerationLog{
		ID:           id,
		Provider:     "gemini",
		Model:        "gemini-2.5-flash",
		Task:         "outline",
		State:        state,
		Attempts:     1,
		InputTokens:  in,
		OutputTokens: out,
		UsageReports: 1,
		LatencyMS:    100,
		CreatedAt:    at,
	}
}

func TestGenerations_LogAndGet(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	log := entry("gen-1", "completed", 12, 34, time.Now().UTC())
	log.RepairStrategy = "strip_fences"
	log.IsStreamed = true
	require.NoError(t, repo.Generations().Log(ctx, log))

	got, err := repo.Generations().GetByID(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, "gemini", got.Provider)
	assert.Equal(t, 12, got.InputTokens)
	assert.Equal(t, 34, got.OutputTokens)
	assert.Equal(t, "strip_fences", got.RepairStrategy)
	assert.True(t, got.IsStreamed)

	_, err = repo.Generations().GetByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGenerations_DuplicateIDFails(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.Generations().Log(ctx, entry("dup", "completed", 1, 1, now)))
	assert.Error(t, repo.Generations().Log(ctx, entry("dup", "completed", 1, 1, now)))
}

func TestGenerations_RecentNewestFirst(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Generations().Log(ctx, entry(id, "completed", 1, 1, base.Add(time.Duration(i)*time.Minute))))
	}

	logs, err := repo.Generations().Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "c", logs[0].ID)
	assert.Equal(t, "b", logs[1].ID)
}

func TestGenerations_DailyStats(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.Generations().Log(ctx, entry("t1", "completed", 10, 20, now)))
	require.NoError(t, repo.Generations().Log(ctx, entry("t2", "failed", 5, 0, now)))
	require.NoError(t, repo.Generations().Log(ctx, entry("old", "completed", 100, 100, now.AddDate(0, 0, -30))))

	stats, err := repo.Generations().DailyStats(ctx, 7)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, now.Format("2006-01-02"), stats[0].Date)
	assert.Equal(t, 2, stats[0].TotalRequests)
	assert.Equal(t, 1, stats[0].Failed)
	assert.EqualValues(t, 15, stats[0].InputTokens)
	assert.EqualValues(t, 20, stats[0].OutputTokens)
	assert.InDelta(t, 100, stats[0].AverageLatency, 0.001)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(tx store.Repository) error {
		require.NoError(t, tx.Generations().Log(ctx, entry("tx-1", "completed", 1, 1, time.Now().UTC())))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.Generations().GetByID(ctx, "tx-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithPragmas(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{":memory:", ":memory:"},
		{"file:test?mode=memory&cache=shared", "file:test?mode=memory&cache=shared"},
		{"gateway.db", "file:gateway.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"},
		{"file:gateway.db?_busy_timeout=100", "file:gateway.db?_busy_timeout=100&_journal_mode=WAL&_foreign_keys=on"},
		{
			"file:gateway.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
			"file:gateway.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
		},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, withPragmas(tt.in))
		})
	}
}

func TestNewSQLiteStorage_FileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	repo, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, repo.Generations().Log(ctx, entry("persisted", "completed", 1, 1, time.Now().UTC())))
	require.NoError(t, repo.Close())

	// migrations are idempotent on an existing ledger
	repo, err = NewSQLiteStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	got, err := repo.Generations().GetByID(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.State)
}
