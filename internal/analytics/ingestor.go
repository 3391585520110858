package analytics

import (
	"context"
	"time"

	"github.com/nulzo/novel-gateway/internal/platform/metrics"
	"github.com/nulzo/novel-gateway/internal/store"
	"github.com/nulzo/novel-gateway/internal/store/model"
	"go.uber.org/zap"
)

// Ingestor handles the asynchronous persistence of generation logs.
type Ingestor interface {
	// Log enqueues an entry without blocking. Entries are dropped when the
	// buffer is full.
	Log(log *model.GenerationLog)
	// Run persists entries in batches until ctx is done, then flushes what is
	// still buffered.
	Run(ctx context.Context) error
}

type ingestor struct {
	logger    *zap.Logger
	repo      store.Repository
	logChan   chan *model.GenerationLog
	batchSize int
	flushTime time.Duration
}

type IngestorOption func(*ingestor)

func WithBatchSize(n int) IngestorOption {
	return func(i *ingestor) { i.batchSize = n }
}

func WithFlushInterval(d time.Duration) IngestorOption {
	return func(i *ingestor) { i.flushTime = d }
}

func WithBufferSize(n int) IngestorOption {
	return func(i *ingestor) { i.logChan = make(chan *model.GenerationLog, n) }
}

func NewIngestor(logger *zap.Logger, repo store.Repository, opts ...IngestorOption) Ingestor {
	i := &ingestor{
		logger:    logger,
		repo:      repo,
		logChan:   make(chan *model.GenerationLog, 10000),
		batchSize: 50,
		flushTime: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *ingestor) Log(log *model.GenerationLog) {
	select {
	case i.logChan <- log:
	default:
		metrics.IngestorDropped.Inc()
		i.logger.Warn("Analytics buffer full, dropping log", zap.String("generation_id", log.ID))
	}
}

func (i *ingestor) Run(ctx context.Context) error {
	batch := make([]*model.GenerationLog, 0, i.batchSize)
	ticker := time.NewTicker(i.flushTime)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		// the request context is gone by the time a batch is written
		err := i.repo.WithTx(context.Background(), func(repo store.Repository) error {
			for _, log := range batch {
				if err := repo.Generations().Log(context.Background(), log); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			// a single bad row must not take the batch with it
			i.logger.Warn("Batch insert failed, retrying row by row", zap.Int("size", len(batch)), zap.Error(err))
			for _, log := range batch {
				if err := i.repo.Generations().Log(context.Background(), log); err != nil {
					i.logger.Error("Failed to persist generation log", zap.String("id", log.ID), zap.Error(err))
				}
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case log := <-i.logChan:
			batch = append(batch, log)
			if len(batch) >= i.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case log := <-i.logChan:
					batch = append(batch, log)
				default:
					flush()
					i.logger.Info("Analytics ingestor stopped")
					return nil
				}
			}
		}
	}
}
