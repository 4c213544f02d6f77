package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/queue"
	"golang.org/x/sync/errgroup"
)

// bookkeepingTimeout bounds queue and failure writes made after a dispatch
// attempt. They run detached from the worker context so a stopping worker
// still settles the job it was holding.
const bookkeepingTimeout = 10 * time.Second

// WorkerConfig holds configuration for the dispatch worker.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// MaxRetries bounds how often a temporarily failing job is requeued
	// before the build is marked failed.
	MaxRetries int
}

// DefaultWorkerConfig returns a WorkerConfig with sensible defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Concurrency:  2,
		PollInterval: time.Second,
		MaxRetries:   3,
	}
}

// Worker drains the dispatch queue.
type Worker struct {
	cfg        WorkerConfig
	queue      queue.Queue
	dispatcher Dispatcher
	failures   FailureRecorder
	logger     *slog.Logger
}

// NewWorker creates a worker that calls d for every queued job and reports
// permanent failures to failures.
func NewWorker(cfg *WorkerConfig, q queue.Queue, d Dispatcher, failures FailureRecorder, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := *cfg
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return &Worker{
		cfg:        c,
		queue:      q,
		dispatcher: d,
		failures:   failures,
		logger:     logger,
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting dispatch worker", "concurrency", w.cfg.Concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			w.loop(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("dispatch worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug("worker context cancelled")
			return
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			logger.Error("failed to process dispatch job", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessNext handles at most one job and reports whether one was found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrNoJobs) {
			return false, nil
		}
		return false, err
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *models.DispatchJob) {
	logger := w.logger.With(
		"job_id", job.ID,
		"build_id", job.Request.BuildID,
		"build_hash", job.Request.BuildHash,
	)

	err := w.dispatcher.Dispatch(ctx, job.Request)

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if err == nil {
		if ackErr := w.queue.Ack(bctx, job.ID); ackErr != nil {
			logger.Error("failed to ack job", "error", ackErr)
		}
		return
	}

	// A stopping worker says nothing about the build; hand the job back.
	if ctx.Err() != nil {
		logger.Info("worker stopping, releasing job", "error", err)
		if relErr := w.queue.Release(bctx, job.ID); relErr != nil {
			logger.Error("failed to release job", "error", relErr)
		}
		return
	}

	if IsTemporary(err) && job.RetryCount < w.cfg.MaxRetries {
		logger.Warn("dispatch failed, requeueing", "error", err, "retry_count", job.RetryCount)
		if nackErr := w.queue.Nack(bctx, job.ID); nackErr != nil {
			logger.Error("failed to nack job", "error", nackErr)
		}
		return
	}

	logger.Error("dispatch failed permanently", "error", err)
	if recErr := w.failures.RecordDispatchFailure(bctx, job.Request.BuildID, err); recErr != nil {
		logger.Error("failed to record dispatch failure", "error", recErr)
		if nackErr := w.queue.Nack(bctx, job.ID); nackErr != nil {
			logger.Error("failed to nack job", "error", nackErr)
		}
		return
	}
	if ackErr := w.queue.Ack(bctx, job.ID); ackErr != nil {
		logger.Error("failed to ack job", "error", ackErr)
	}
}
