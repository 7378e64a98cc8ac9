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

// Expirer revokes up to limit overdue assignments and reports how many it revoked.
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// RoleExpiryJob drains overdue role assignments batch by batch.
type RoleExpiryJob struct {
	Expirer Expirer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRoleExpiryJob initialises the expiry sweep handler.
func NewRoleExpiryJob(expirer Expirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *RoleExpiryJob {
	return &RoleExpiryJob{Expirer: expirer, Logger: logger, Metrics: metrics}
}

// Handle executes one sweep. It stops when a batch comes back short or after
// MaxRounds batches, whichever is first.
func (j *RoleExpiryJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Expirer == nil {
		return errors.New("role expiry: handler not configured")
	}
	var payload RoleExpiryPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("role expiry payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = DefaultExpiryBatch
	}
	if payload.MaxRounds <= 0 {
		payload.MaxRounds = DefaultExpiryMaxRounds
	}

	_, err := j.Sweep(ctx, payload)
	return err
}

// Sweep runs the batches and returns the number of revoked assignments.
func (j *RoleExpiryJob) Sweep(ctx context.Context, payload RoleExpiryPayload) (total int, err error) {
	tracker := j.Metrics.Track(TaskRoleExpirySweep)
	defer func() {
		err = tracker.End(err)
	}()
	start := time.Now()
	logger := j.logger().With(slog.String("job", TaskRoleExpirySweep), slog.Int("batch_size", payload.BatchSize))

	for round := 0; round < payload.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := j.Expirer.ExpireDue(ctx, payload.BatchSize)
		total += n
		j.Metrics.AddProcessed(TaskRoleExpirySweep, n)
		if err != nil {
			logger.Error("expiry batch failed", slog.Int("round", round), slog.Any("error", err))
			return total, err
		}
		if n < payload.BatchSize {
			break
		}
	}
	logger.Info("role expiry sweep finished",
		slog.Int("expired", total),
		slog.Duration("duration", time.Since(start)),
	)
	return total, nil
}

func (j *RoleExpiryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
