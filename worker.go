package apflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Worker periodically re-runs RUNNING workflows so that work interrupted by a crash
// continues from its last checkpoint.
type Worker struct {
	engine   *Engine
	workerID string
	interval time.Duration
	logger   *slog.Logger
	claims   *sync.Map
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewWorker(engine *Engine, interval time.Duration) *Worker {
	return newWorker(engine, interval, &sync.Map{})
}

func newWorker(engine *Engine, interval time.Duration, claims *sync.Map) *Worker {
	return &Worker{
		engine:   engine,
		workerID: uuid.New().String(),
		interval: interval,
		logger:   engine.logger,
		claims:   claims,
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) ID() string {
	return w.workerID
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("recovery worker started", KeyWorkerID, w.workerID)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("recovery worker stopping: context cancelled", KeyWorkerID, w.workerID)

			return
		case <-w.stopCh:
			w.logger.Info("recovery worker stopping: stop signal received", KeyWorkerID, w.workerID)

			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("recovery sweep failed", KeyWorkerID, w.workerID, KeyError, err)
			}
		}
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Sweep runs every RUNNING workflow once and reports how many it advanced. Busy
// workflows are skipped; another process holds them.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	ids, err := w.engine.store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, loaded := w.claims.LoadOrStore(id, w.workerID); loaded {
			continue
		}

		status, err := w.engine.Run(ctx, id)
		w.claims.Delete(id)

		switch {
		case err == nil:
			processed++
			w.logger.Info("recovered workflow", KeyWorkerID, w.workerID, KeyWorkflowID, id, KeyStatus, status)
		case errors.Is(err, ErrWorkflowBusy), errors.Is(err, ErrWorkflowTerminal):
			continue
		default:
			w.logger.Warn("recovery run failed", KeyWorkerID, w.workerID, KeyWorkflowID, id, KeyError, err)
		}
	}

	return processed, nil
}

type WorkerPool struct {
	workers []*Worker
	engine  *Engine
}

// NewWorkerPool creates size workers that share in-process claims, so two workers
// never run the same workflow in one sweep.
func NewWorkerPool(engine *Engine, size int, interval time.Duration) *WorkerPool {
	claims := &sync.Map{}
	workers := make([]*Worker, size)
	for i := 0; i < size; i++ {
		workers[i] = newWorker(engine, interval, claims)
	}

	return &WorkerPool{
		workers: workers,
		engine:  engine,
	}
}

func (p *WorkerPool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		go worker.Start(ctx)
	}
}

func (p *WorkerPool) Stop() {
	for _, worker := range p.workers {
		worker.Stop()
	}
}

func (p *WorkerPool) Size() int {
	return len(p.workers)
}
