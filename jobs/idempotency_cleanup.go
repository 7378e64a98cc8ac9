package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/kloudtech/ktl-billing/internal/jobs"
)

// KeyPurger deletes idempotency keys older than the cutoff.
type KeyPurger interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob removes stale bulk-assign idempotency keys.
type IdempotencyCleanupJob struct {
	Purger  KeyPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(purger KeyPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Purger: purger, Logger: logger, Metrics: metrics}
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Purger == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("idempotency cleanup payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.OlderThan <= 0 {
		payload.OlderThan = DefaultIdempotencyTTL
	}

	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		err = tracker.End(err)
	}()
	n, err := j.Purger.Cleanup(ctx, payload.OlderThan)
	if err != nil {
		return err
	}
	j.Metrics.AddProcessed(TaskIdempotencyCleanup, int(n))
	if j.Logger != nil {
		j.Logger.Info("idempotency keys purged", slog.String("job", TaskIdempotencyCleanup), slog.Int64("deleted", n))
	}
	return nil
}
