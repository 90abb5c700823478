package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/caretrail/auditcore/internal/domain/errors"
)

// JobState is the lifecycle state of a queue job.
type JobState string

const (
	JobQueued       JobState = "queued"
	JobActive       JobState = "active"
	JobCompleted    JobState = "completed"
	JobRetrying     JobState = "retrying"
	JobDeadLettered JobState = "dead_lettered"
)

// QueueJob is the delivery envelope around a sealed audit event.
type QueueJob struct {
	JobID       string    `json:"jobId"`
	Queue       string    `json:"queue"`
	Payload     *Event    `json:"payload"`
	Attempts    int       `json:"attempts"`
	Priority    int       `json:"priority"`
	DedupKey    string    `json:"dedupKey"`
	AvailableAt time.Time `json:"availableAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewQueueJob wraps a sealed event for delivery. The deduplication key
// defaults to the event hash so a re-enqueued duplicate collapses onto
// the original job.
func NewQueueJob(queue string, event *Event, priority int, delay time.Duration, dedupKey string) (*QueueJob, error) {
	if queue == "" {
		return nil, errors.NewValidationError("MISSING_QUEUE", "queue name is required")
	}
	if event == nil {
		return nil, errors.NewValidationError("MISSING_PAYLOAD", "job payload is required")
	}
	if dedupKey == "" {
		dedupKey = event.Hash
	}
	if dedupKey == "" {
		return nil, errors.NewValidationError("MISSING_DEDUP_KEY",
			"job requires a deduplication key (unsealed event has no hash)")
	}

	now := time.Now().UTC()
	return &QueueJob{
		JobID:       uuid.NewString(),
		Queue:       queue,
		Payload:     event,
		Attempts:    0,
		Priority:    priority,
		DedupKey:    dedupKey,
		AvailableAt: now.Add(delay),
		CreatedAt:   now,
	}, nil
}

// AttemptFailure records one failed processing attempt.
type AttemptFailure struct {
	Class     string    `json:"class"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadJob is a permanently failed job together with its failure chain.
type DeadJob struct {
	Job          *QueueJob        `json:"job"`
	Queue        string           `json:"queue"`
	FailureChain []AttemptFailure `json:"failureChain"`
	FirstAttempt time.Time        `json:"firstAttempt"`
	LastAttempt  time.Time        `json:"lastAttempt"`
}
