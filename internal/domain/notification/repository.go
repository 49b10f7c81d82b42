package notification

import (
	"context"
	"time"
)

// Repository defines persistence operations for notifications and their
// channel payloads. The store is the single source of truth for batch
// membership; no in-memory batch state survives a restart.
type Repository interface {
	// Create inserts the notification header and its channel payload in one
	// transaction. The record starts as PENDING; BatchKey must already be
	// computed by the caller for BATCH notifications.
	Create(ctx context.Context, n *Notification) error

	FindByID(ctx context.Context, id int64) (*Notification, error)

	// FindByBatchKey returns the still-pending, non-deleted members of a
	// batch in creation order, oldest first. Dispatched members of an earlier
	// cycle under the same key do not count toward a new accumulation.
	FindByBatchKey(ctx context.Context, batchKey string) ([]*Notification, error)

	// UpdateStatus records a status transition. processed_at is set when the
	// status is SENT and is never overwritten once non-null.
	UpdateStatus(ctx context.Context, id int64, status Status, errorMsg string) error

	// ClaimBatch atomically moves every PENDING member of the batch to
	// SENDING, stamps the claim time, and returns the claimed rows oldest
	// first. A competing trigger for the same key claims nothing and must
	// treat the empty result as a benign no-op. Claimed rows end in a
	// terminal write or a ReleaseClaim; a claim orphaned by a crash is
	// rescued by ResetStaleClaims.
	ClaimBatch(ctx context.Context, batchKey string) ([]*Notification, error)

	// ReleaseClaim returns the given claimed rows to PENDING so a retry can
	// claim them again. Rows not currently in SENDING are left untouched.
	ReleaseClaim(ctx context.Context, ids []int64) error

	// ResetStaleClaims returns SENDING rows claimed longer than maxAge ago to
	// PENDING and reports how many were reset. Rescues batches whose worker
	// died between the claim and the terminal write.
	ResetStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error)

	// FindPendingBatch lists notifications with type=BATCH, status=PENDING and
	// a non-null batch key. Used by recovery sweeps after a restart.
	FindPendingBatch(ctx context.Context) ([]*Notification, error)

	// ListSystemByUser returns a user's non-deleted system notifications,
	// newest first.
	ListSystemByUser(ctx context.Context, userID int64) ([]*SystemPayload, error)

	// MarkRead flips the system payload's read flag and stamps read_at.
	// Independent of the dispatch state machine.
	MarkRead(ctx context.Context, notificationID int64) (*SystemPayload, error)

	// SoftDelete tombstones the notification and its payload. Deleted records
	// are excluded from all subsequent reads, including batch lookups.
	SoftDelete(ctx context.Context, id int64) error
}
