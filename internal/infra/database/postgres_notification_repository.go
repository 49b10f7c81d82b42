package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notification_service/internal/domain/notification"

	"github.com/lib/pq"
)

// Custom errors specific to the notification repository
var ErrNotificationNotFound = fmt.Errorf("notification not found")
var ErrDuplicateEventName = fmt.Errorf("a notification with this event name already exists")

const pqUniqueViolation = "23505"

type PostgresNotificationRepository struct {
	db *sql.DB
}

func NewPostgresNotificationRepository(db *sql.DB) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{db: db}
}

// Create inserts the notification header and its channel payload in a single
// transaction. The caller is responsible for having computed the batch key.
func (r *PostgresNotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for notification create: %w", err)
	}
	defer txn.Rollback() // Rollback if not committed

	headerQuery := `INSERT INTO notifications (event_name, channel, type, batch_key, status)
               VALUES ($1, $2, $3, $4, $5)
               RETURNING id, created_at`
	err = txn.QueryRowContext(ctx, headerQuery,
		n.EventName, n.Channel, n.Type, n.BatchKey, notification.StatusPending,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEventName
		}
		return fmt.Errorf("error creating notification: %w", err)
	}
	n.Status = notification.StatusPending

	switch {
	case n.Email != nil:
		var meta []byte
		if n.Email.Meta != nil {
			meta, err = json.Marshal(n.Email.Meta)
			if err != nil {
				return fmt.Errorf("error encoding email meta: %w", err)
			}
		}
		payloadQuery := `INSERT INTO email_notifications (notification_id, to_address, subject, body, meta, provider_used)
               VALUES ($1, $2, $3, $4, $5, $6)
               RETURNING id`
		err = txn.QueryRowContext(ctx, payloadQuery,
			n.ID, n.Email.To, n.Email.Subject, n.Email.Body, nullableBytes(meta), n.Email.ProviderUsed,
		).Scan(&n.Email.ID)
		if err != nil {
			return fmt.Errorf("error creating email payload: %w", err)
		}
		n.Email.NotificationID = n.ID
	case n.System != nil:
		payloadQuery := `INSERT INTO system_notifications (notification_id, user_id, content, is_read)
               VALUES ($1, $2, $3, FALSE)
               RETURNING id, created_at`
		err = txn.QueryRowContext(ctx, payloadQuery,
			n.ID, n.System.UserID, n.System.Content,
		).Scan(&n.System.ID, &n.System.CreatedAt)
		if err != nil {
			return fmt.Errorf("error creating system payload: %w", err)
		}
		n.System.NotificationID = n.ID
	default:
		return fmt.Errorf("notification %d has no channel payload", n.ID)
	}

	return txn.Commit()
}

const notificationColumns = `n.id, n.event_name, n.channel, n.type, n.batch_key, n.status, n.error_msg, n.created_at, n.processed_at,
               e.id, e.to_address, e.subject, e.body, e.meta, e.provider_used,
               s.id, s.user_id, s.content, s.is_read, s.read_at, s.created_at`

const notificationJoins = ` LEFT JOIN email_notifications e ON e.notification_id = n.id AND e.deleted_at IS NULL
               LEFT JOIN system_notifications s ON s.notification_id = n.id AND s.deleted_at IS NULL`

func (r *PostgresNotificationRepository) FindByID(ctx context.Context, id int64) (*notification.Notification, error) {
	query := `SELECT ` + notificationColumns + `
               FROM notifications n` + notificationJoins + `
               WHERE n.id = $1 AND n.deleted_at IS NULL`
	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, fmt.Errorf("error getting notification by ID: %w", err)
	}
	return n, nil
}

// FindByBatchKey returns batch members oldest first; the oldest member's
// created_at determines batch age for timeout comparison.
func (r *PostgresNotificationRepository) FindByBatchKey(ctx context.Context, batchKey string) ([]*notification.Notification, error) {
	query := `SELECT ` + notificationColumns + `
               FROM notifications n` + notificationJoins + `
               WHERE n.batch_key = $1 AND n.status = $2 AND n.deleted_at IS NULL
               ORDER BY n.created_at ASC, n.id ASC`
	rows, err := r.db.QueryContext(ctx, query, batchKey, notification.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("error querying notifications by batch key: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// UpdateStatus records a status transition. Terminal rows are immutable: a
// late or duplicate write against a SENT or ERROR record matches zero rows
// and is treated as a benign no-op, so no retry can bounce a record out of a
// terminal state. processed_at is stamped on SENT and preserved afterwards.
func (r *PostgresNotificationRepository) UpdateStatus(ctx context.Context, id int64, status notification.Status, errorMsg string) error {
	query := `UPDATE notifications
               SET status = $2,
                   error_msg = NULLIF($3, ''),
                   claimed_at = NULL,
                   processed_at = CASE WHEN $2 = 'SENT' THEN COALESCE(processed_at, NOW()) ELSE processed_at END
               WHERE id = $1
                 AND status NOT IN ('SENT', 'ERROR')
                 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, status, errorMsg)
	if err != nil {
		return fmt.Errorf("error updating notification status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected for status update: %w", err)
	}
	if affected == 0 {
		var existing notification.Status
		err := r.db.QueryRowContext(ctx,
			`SELECT status FROM notifications WHERE id = $1 AND deleted_at IS NULL`, id,
		).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotificationNotFound
		}
		if err != nil {
			return fmt.Errorf("error re-checking notification %d status: %w", id, err)
		}
		// The row exists but is terminal; preserve it.
		return nil
	}
	return nil
}

// ClaimBatch moves every PENDING member of the batch to SENDING in a single
// conditional update, stamps claimed_at, and returns the claimed rows. The
// update's row locks serialize competing triggers for the same key: the loser
// re-evaluates the predicate after the winner commits and claims zero rows.
func (r *PostgresNotificationRepository) ClaimBatch(ctx context.Context, batchKey string) ([]*notification.Notification, error) {
	query := `WITH claimed AS (
                   UPDATE notifications
                   SET status = $2, claimed_at = NOW()
                   WHERE batch_key = $1
                     AND status = $3
                     AND deleted_at IS NULL
                   RETURNING id
               )
               SELECT ` + notificationColumns + `
               FROM notifications n
               JOIN claimed c ON c.id = n.id` + notificationJoins + `
               ORDER BY n.created_at ASC, n.id ASC`
	rows, err := r.db.QueryContext(ctx, query, batchKey, notification.StatusSending, notification.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("error claiming batch %q: %w", batchKey, err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ReleaseClaim hands claimed rows back to PENDING so the next dispatch
// attempt can claim them again. Rows no longer in SENDING are untouched.
func (r *PostgresNotificationRepository) ReleaseClaim(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE notifications
               SET status = $2, claimed_at = NULL
               WHERE id = ANY($1) AND status = $3 AND deleted_at IS NULL`
	_, err := r.db.ExecContext(ctx, query, pq.Array(ids), notification.StatusPending, notification.StatusSending)
	if err != nil {
		return fmt.Errorf("error releasing claim on notifications: %w", err)
	}
	return nil
}

// ResetStaleClaims rescues rows whose claim outlived its worker: SENDING
// rows claimed longer than maxAge ago go back to PENDING, where the recovery
// sweep picks them up.
func (r *PostgresNotificationRepository) ResetStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	query := `UPDATE notifications
               SET status = $1, claimed_at = NULL
               WHERE status = $2
                 AND claimed_at < NOW() - ($3 * INTERVAL '1 second')
                 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, notification.StatusPending, notification.StatusSending, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("error resetting stale claims: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading rows affected for stale claim reset: %w", err)
	}
	return affected, nil
}

func (r *PostgresNotificationRepository) FindPendingBatch(ctx context.Context) ([]*notification.Notification, error) {
	query := `SELECT ` + notificationColumns + `
               FROM notifications n` + notificationJoins + `
               WHERE n.type = $1 AND n.status = $2 AND n.batch_key IS NOT NULL AND n.deleted_at IS NULL
               ORDER BY n.created_at ASC, n.id ASC`
	rows, err := r.db.QueryContext(ctx, query, notification.TypeBatch, notification.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("error querying pending batch notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *PostgresNotificationRepository) ListSystemByUser(ctx context.Context, userID int64) ([]*notification.SystemPayload, error) {
	query := `SELECT s.id, s.notification_id, s.user_id, s.content, s.is_read, s.read_at, s.created_at
               FROM system_notifications s
               JOIN notifications n ON n.id = s.notification_id AND n.deleted_at IS NULL
               WHERE s.user_id = $1 AND s.deleted_at IS NULL
               ORDER BY s.id DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying system notifications for user %d: %w", userID, err)
	}
	defer rows.Close()

	payloads := make([]*notification.SystemPayload, 0)
	for rows.Next() {
		sp := notification.SystemPayload{}
		if err := rows.Scan(&sp.ID, &sp.NotificationID, &sp.UserID, &sp.Content, &sp.IsRead, &sp.ReadAt, &sp.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning system notification row: %w", err)
		}
		payloads = append(payloads, &sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating system notification rows: %w", err)
	}
	return payloads, nil
}

func (r *PostgresNotificationRepository) MarkRead(ctx context.Context, notificationID int64) (*notification.SystemPayload, error) {
	query := `UPDATE system_notifications
               SET is_read = TRUE, read_at = NOW()
               WHERE notification_id = $1 AND deleted_at IS NULL
               RETURNING id, notification_id, user_id, content, is_read, read_at, created_at`
	sp := notification.SystemPayload{}
	err := r.db.QueryRowContext(ctx, query, notificationID).Scan(
		&sp.ID, &sp.NotificationID, &sp.UserID, &sp.Content, &sp.IsRead, &sp.ReadAt, &sp.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, fmt.Errorf("error marking notification %d as read: %w", notificationID, err)
	}
	return &sp, nil
}

func (r *PostgresNotificationRepository) SoftDelete(ctx context.Context, id int64) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for soft delete: %w", err)
	}
	defer txn.Rollback()

	res, err := txn.ExecContext(ctx,
		`UPDATE notifications SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("error soft-deleting notification %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected for soft delete: %w", err)
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}

	if _, err := txn.ExecContext(ctx,
		`UPDATE email_notifications SET deleted_at = NOW() WHERE notification_id = $1 AND deleted_at IS NULL`, id); err != nil {
		return fmt.Errorf("error soft-deleting email payload for notification %d: %w", id, err)
	}
	if _, err := txn.ExecContext(ctx,
		`UPDATE system_notifications SET deleted_at = NOW() WHERE notification_id = $1 AND deleted_at IS NULL`, id); err != nil {
		return fmt.Errorf("error soft-deleting system payload for notification %d: %w", id, err)
	}

	return txn.Commit()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*notification.Notification, error) {
	n := notification.Notification{}
	var (
		emailID      sql.NullInt64
		emailTo      sql.NullString
		emailSubject sql.NullString
		emailBody    sql.NullString
		emailMeta    []byte
		providerUsed sql.NullString

		systemID        sql.NullInt64
		systemUserID    sql.NullInt64
		systemContent   sql.NullString
		systemIsRead    sql.NullBool
		systemReadAt    sql.NullTime
		systemCreatedAt sql.NullTime
	)

	err := row.Scan(
		&n.ID, &n.EventName, &n.Channel, &n.Type, &n.BatchKey, &n.Status, &n.ErrorMsg, &n.CreatedAt, &n.ProcessedAt,
		&emailID, &emailTo, &emailSubject, &emailBody, &emailMeta, &providerUsed,
		&systemID, &systemUserID, &systemContent, &systemIsRead, &systemReadAt, &systemCreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if emailID.Valid {
		payload := notification.EmailPayload{
			ID:             emailID.Int64,
			NotificationID: n.ID,
			To:             emailTo.String,
			Subject:        emailSubject.String,
			Body:           emailBody.String,
			ProviderUsed:   providerUsed,
		}
		if len(emailMeta) > 0 {
			if err := json.Unmarshal(emailMeta, &payload.Meta); err != nil {
				return nil, fmt.Errorf("error decoding email meta for notification %d: %w", n.ID, err)
			}
		}
		n.Email = &payload
	}
	if systemID.Valid {
		n.System = &notification.SystemPayload{
			ID:             systemID.Int64,
			NotificationID: n.ID,
			UserID:         systemUserID.Int64,
			Content:        systemContent.String,
			IsRead:         systemIsRead.Bool,
			ReadAt:         systemReadAt,
			CreatedAt:      systemCreatedAt.Time,
		}
	}
	return &n, nil
}

func scanNotifications(rows *sql.Rows) ([]*notification.Notification, error) {
	notifications := make([]*notification.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning notification row: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return notifications, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
