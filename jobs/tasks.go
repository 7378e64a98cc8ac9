package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRoleExpirySweep revokes role assignments whose expiry has passed.
	TaskRoleExpirySweep = "roles:expire"
	// TaskIdempotencyCleanup purges old bulk-assign idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// Defaults applied when a payload leaves a field empty.
const (
	DefaultExpiryBatch     = 200
	DefaultExpiryMaxRounds = 50
	DefaultIdempotencyTTL  = 7 * 24 * time.Hour
)

// RoleExpiryPayload tunes one expiry sweep.
type RoleExpiryPayload struct {
	BatchSize int `json:"batch_size"`
	MaxRounds int `json:"max_rounds"`
}

// IdempotencyCleanupPayload selects which keys are old enough to purge.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewRoleExpiryTask builds the expiry sweep task.
func NewRoleExpiryTask(batchSize int) (*asynq.Task, error) {
	data, err := json.Marshal(RoleExpiryPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleExpirySweep, data, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask builds the idempotency key purge task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
