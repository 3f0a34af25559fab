// Package notify forwards delivered results to out-of-process presenters
// through the SQLite job queue, so a slow or unavailable broker never holds
// up the panel and a dropped publish is retried with backoff.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/qrpanel/internal/delivery"
	"github.com/kalambet/qrpanel/internal/storage"
)

// JobType is the queue type used for forwarded payloads.
const JobType = "notify_delivery"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Outbox is a delivery.Presenter that queues the payload instead of
// presenting it.
type Outbox struct {
	store       JobStore
	maxAttempts int
}

// NewOutbox creates an Outbox. maxAttempts <= 0 uses the queue default.
func NewOutbox(store JobStore, maxAttempts int) *Outbox {
	return &Outbox{store: store, maxAttempts: maxAttempts}
}

func (o *Outbox) Present(_ context.Context, p delivery.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(body),
		MaxAttempts: o.maxAttempts,
	}
	if err := o.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Worker drains queued payloads into a presenter.
type Worker struct {
	store  JobStore
	target delivery.Presenter
	poll   time.Duration
	logger *zap.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, target delivery.Presenter, pollInterval time.Duration, logger *zap.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:  store,
		target: target,
		poll:   pollInterval,
		logger: logger.Named("notify"),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", zap.Error(err))
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and forwards a single payload. Returns true if a job was
// processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.forward(ctx, job); err != nil {
		w.logger.Warn("notification failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts+1), zap.Error(err))
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) forward(ctx context.Context, job *storage.Job) error {
	var p delivery.Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	err := w.target.Present(ctx, p)
	if errors.Is(err, delivery.ErrNoSurface) {
		// Nobody subscribed; retrying will not help.
		w.logger.Debug("notification had no listeners", zap.String("request_id", p.RequestID))
		return nil
	}
	return err
}
