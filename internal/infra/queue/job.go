package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind names a job type consumed by the dispatch worker.
type Kind string

const (
	// KindInstantDispatch delivers a single notification immediately.
	KindInstantDispatch Kind = "instant-dispatch"
	// KindBatchDispatch delivers a full batch, triggered by the size threshold.
	KindBatchDispatch Kind = "batch-dispatch"
	// KindBatchTimeout delivers a batch whose maximum wait elapsed. Handled
	// identically to KindBatchDispatch; it exists as a distinct trigger
	// reason for observability.
	KindBatchTimeout Kind = "batch-timeout"
)

// Job is the durable unit carried through the queue. Payload is opaque to the
// queue; handlers decode it into their own types.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"` // 1-based
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// FinalAttempt reports whether the job has no retries left after this attempt.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

func newJob(kind Kind, payload any, maxAttempts int) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}
