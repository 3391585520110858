package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/nulzo/novel-gateway/internal/store"
	"github.com/nulzo/novel-gateway/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &SqliteRepository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) Generations() store.GenerationRepository {
	return &generationRepo{db: r.executor}
}

type generationRepo struct {
	db DB
}

func (r *generationRepo) Log(ctx context.Context, log *model.GenerationLog) error {
	query := `
	INSERT INTO generation_logs (
		id, profile, provider, model, task, is_streamed, state, error_kind,
		attempts, input_tokens, output_tokens, usage_reports,
		repair_strategy, finish_reason, latency_ms, cached, ip_address, created_at
	) VALUES (
		:id, :profile, :provider, :model, :task, :is_streamed, :state, :error_kind,
		:attempts, :input_tokens, :output_tokens, :usage_reports,
		:repair_strategy, :finish_reason, :latency_ms, :cached, :ip_address, :created_at
	)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("insert generation log %s: %w", log.ID, err)
	}
	return nil
}

func (r *generationRepo) GetByID(ctx context.Context, id string) (*model.GenerationLog, error) {
	var log model.GenerationLog
	if err := r.db.GetContext(ctx, &log, `SELECT * FROM generation_logs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &log, nil
}

func (r *generationRepo) Recent(ctx context.Context, limit int) ([]model.GenerationLog, error) {
	logs := []model.GenerationLog{}
	query := `SELECT * FROM generation_logs ORDER BY created_at DESC LIMIT ?`
	err := r.db.SelectContext(ctx, &logs, query, limit)
	return logs, err
}

func (r *generationRepo) DailyStats(ctx context.Context, days int) ([]model.DailyStats, error) {
	stats := []model.DailyStats{}
	query := `
		SELECT
			DATE(created_at) AS date,
			COUNT(*) AS total_requests,
			SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END) AS failed,
			SUM(input_tokens) AS input_tokens,
			SUM(output_tokens) AS output_tokens,
			AVG(latency_ms) AS avg_latency
		FROM generation_logs
		WHERE DATE(created_at) >= DATE('now', ?)
		GROUP BY DATE(created_at)
		ORDER BY date DESC
	`
	// SQLite date offset format is '-7 days'
	err := r.db.SelectContext(ctx, &stats, query, fmt.Sprintf("-%d days", days))
	return stats, err
}
