package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podushkina/taskrelay/internal/logging"
)

const DefaultPollInterval = 500 * time.Millisecond

// Processor claims and runs tasks. *processor.Processor satisfies it.
type Processor interface {
	Claim(ctx context.Context, workerID string) (int64, bool, error)
	Process(ctx context.Context, taskID int64, workerID string) (bool, error)
}

type Pool struct {
	proc         Processor
	count        int
	pollInterval time.Duration
	logger       *zap.Logger
	wg           sync.WaitGroup
}

func NewPool(proc Processor, count int, pollInterval time.Duration, logger *zap.Logger) *Pool {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Pool{
		proc:         proc,
		count:        count,
		pollInterval: pollInterval,
		logger:       logging.Component(logger, "worker"),
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, NewWorkerID(i))
	}
	p.logger.Info("started workers", zap.Int("count", p.count))
}

// Stop waits for every worker to return. Cancel the Start context first.
func (p *Pool) Stop() {
	p.wg.Wait()
	p.logger.Info("all workers stopped")
}

// NewWorkerID returns an identity unique across processes sharing a store.
func NewWorkerID(i int) string {
	return fmt.Sprintf("worker-%d-%s", i, uuid.NewString())
}

func (p *Pool) worker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := p.logger.With(zap.String("worker_id", workerID))
	logger.Debug("worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug("worker shutting down")
			return
		}

		id, ok, err := p.proc.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", zap.Error(err))
			p.idle(ctx)
			continue
		}
		if !ok {
			p.idle(ctx)
			continue
		}

		// A claimed task is always driven to a terminal status, even during shutdown.
		if _, err := p.proc.Process(context.WithoutCancel(ctx), id, workerID); err != nil {
			logger.Error("process failed", zap.Int64("task_id", id), zap.Error(err))
		}
	}
}

func (p *Pool) idle(ctx context.Context) {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
