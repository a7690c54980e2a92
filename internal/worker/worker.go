// Package worker runs the scheduled background jobs: batch evaluation of
// unevaluated transactions and the difficult-sample review sweep.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ynishi/ragqa/internal/evaluation"
	"github.com/ynishi/ragqa/internal/feedback"
	"github.com/ynishi/ragqa/internal/repository"
)

// jobTimeout bounds one run of any scheduled job.
const jobTimeout = 10 * time.Minute

// Config holds the worker schedules and batch sizes.
type Config struct {
	// EvalSchedule is a cron expression for the batch evaluation job,
	// e.g. "@every 10m".
	EvalSchedule  string
	EvalBatchSize int

	// ReviewSchedule is a cron expression for the difficult-sample sweep.
	ReviewSchedule string
	ReviewLimit    int
}

// Worker owns the cron scheduler and the job implementations.
type Worker struct {
	cron       *cron.Cron
	cfg        Config
	txRepo     repository.TransactionRepository
	evalEngine *evaluation.Engine
	aggregator *feedback.Aggregator
	logger     *slog.Logger
}

// New creates a Worker. Jobs are registered on Start.
func New(cfg Config, txRepo repository.TransactionRepository, evalEngine *evaluation.Engine, aggregator *feedback.Aggregator, logger *slog.Logger) *Worker {
	if cfg.EvalBatchSize < 1 {
		cfg.EvalBatchSize = 20
	}
	if cfg.ReviewLimit < 1 {
		cfg.ReviewLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cron:       cron.New(),
		cfg:        cfg,
		txRepo:     txRepo,
		evalEngine: evalEngine,
		aggregator: aggregator,
		logger:     logger,
	}
}

// Start registers the schedules and starts the scheduler.
func (w *Worker) Start() error {
	if w.cfg.EvalSchedule != "" {
		if _, err := w.cron.AddFunc(w.cfg.EvalSchedule, w.runEvaluation); err != nil {
			return err
		}
		w.logger.Info("scheduled batch evaluation", "schedule", w.cfg.EvalSchedule)
	}
	if w.cfg.ReviewSchedule != "" {
		if _, err := w.cron.AddFunc(w.cfg.ReviewSchedule, w.runReviewSweep); err != nil {
			return err
		}
		w.logger.Info("scheduled review sweep", "schedule", w.cfg.ReviewSchedule)
	}

	w.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (w *Worker) Stop(ctx context.Context) error {
	stopped := w.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runEvaluation judges the oldest unevaluated transactions.
func (w *Worker) runEvaluation() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	txs, err := w.txRepo.ListUnevaluated(ctx, w.cfg.EvalBatchSize)
	if err != nil {
		w.logger.Error("listing unevaluated transactions failed", "error", err)
		return
	}
	if len(txs) == 0 {
		return
	}

	scores, err := w.evalEngine.EvaluateBatch(ctx, txs)
	if err != nil && !errors.Is(err, evaluation.ErrPartialEvaluation) {
		w.logger.Error("batch evaluation failed", "error", err)
		return
	}
	if err != nil {
		w.logger.Warn("batch evaluation partially failed", "error", err)
	}

	w.logger.Info("batch evaluation finished",
		"candidates", len(txs), "evaluated", len(scores))
}

// runReviewSweep surfaces difficult samples in the log so operators notice
// them between reviewer sessions.
func (w *Worker) runReviewSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	txs, err := w.aggregator.DifficultSamples(ctx, w.cfg.ReviewLimit)
	if err != nil {
		w.logger.Error("review sweep failed", "error", err)
		return
	}
	if len(txs) == 0 {
		return
	}

	for _, tx := range txs {
		w.logger.Info("difficult sample pending review",
			"transaction_id", tx.ID,
			"strategy", tx.Strategy,
			"confidence", tx.Confidence,
			"created_at", tx.CreatedAt)
	}
	w.logger.Info("review sweep finished", "pending", len(txs))
}
