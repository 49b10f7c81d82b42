package app

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"notification_service/internal/domain/notification"
	"notification_service/internal/infra/queue"

	"github.com/sirupsen/logrus"
)

// Validation errors are client-caused and surface synchronously; nothing is
// persisted or queued for them.
var (
	ErrInvalidChannel      = fmt.Errorf("channel must be EMAIL or SYSTEM")
	ErrInvalidType         = fmt.Errorf("type must be INSTANT or BATCH")
	ErrEmailDataRequired   = fmt.Errorf("email data is required for EMAIL channel")
	ErrSystemDataRequired  = fmt.Errorf("system data is required for SYSTEM channel")
	ErrInvalidEmailAddress = fmt.Errorf("invalid email address format")
)

var emailAddressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// staleClaimMaxAge bounds how long a batch claim may sit in SENDING before
// the recovery sweep assumes its worker died and returns it to PENDING. Far
// above any provider timeout, far below the batch wait.
const staleClaimMaxAge = 15 * time.Minute

// JobQueue is the durable queue surface the coordinator depends on.
type JobQueue interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any) (string, error)
	EnqueueDelayedUnique(ctx context.Context, kind queue.Kind, payload any, delay time.Duration, uniqueKey string) (string, error)
	ReleaseScheduled(ctx context.Context, uniqueKey string) error
	Stats(ctx context.Context) (*queue.Stats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Clean(ctx context.Context, maxAge time.Duration) (int64, error)
}

// InstantJobPayload identifies a single notification to dispatch immediately.
type InstantJobPayload struct {
	NotificationID int64 `json:"notificationId"`
}

// BatchJobPayload identifies a batch to dispatch, by key.
type BatchJobPayload struct {
	BatchKey  string               `json:"batchKey"`
	Channel   notification.Channel `json:"channel"`
	EventName string               `json:"eventName"`
	Recipient string               `json:"recipient"`
}

// EmailInput is the caller-supplied email payload.
type EmailInput struct {
	To      string
	Subject string
	Body    string
	Meta    map[string]string
}

// SystemInput is the caller-supplied in-app payload.
type SystemInput struct {
	UserID  int64
	Content string
}

// CreateNotificationInput is the creation request accepted by the coordinator.
type CreateNotificationInput struct {
	EventName  string
	Channel    notification.Channel
	Type       notification.Type
	EmailData  *EmailInput
	SystemData *SystemInput
}

// NotificationService turns creation requests into either an
// instant-dispatch job or batch accumulation, and exposes the read and
// maintenance operations of the engine.
type NotificationService interface {
	CreateNotification(ctx context.Context, input CreateNotificationInput) (*notification.Notification, error)
	ListSystemNotifications(ctx context.Context, userID int64) ([]*notification.SystemPayload, error)
	MarkAsRead(ctx context.Context, notificationID int64) (*notification.SystemPayload, error)
	DeleteNotification(ctx context.Context, notificationID int64) error

	// RecoverPendingBatches re-arms dispatch for batches found pending in the
	// store, e.g. after a restart lost their scheduled timeout jobs.
	RecoverPendingBatches(ctx context.Context) error

	QueueStats(ctx context.Context) (*queue.Stats, error)
	PauseQueue(ctx context.Context) error
	ResumeQueue(ctx context.Context) error
	CleanQueue(ctx context.Context) (int64, error)
}

// NotificationServiceImpl implements the NotificationService interface.
type NotificationServiceImpl struct {
	repo           notification.Repository
	jobs           JobQueue
	logger         *logrus.Logger
	batchMaxSize   int
	batchMaxWait   time.Duration
	queueRetention time.Duration
}

func NewNotificationServiceImpl(
	repo notification.Repository,
	jobs JobQueue,
	logger *logrus.Logger,
	batchMaxSize int,
	batchMaxWait time.Duration,
	queueRetention time.Duration,
) *NotificationServiceImpl {
	return &NotificationServiceImpl{
		repo:           repo,
		jobs:           jobs,
		logger:         logger,
		batchMaxSize:   batchMaxSize,
		batchMaxWait:   batchMaxWait,
		queueRetention: queueRetention,
	}
}

// CreateNotification validates, persists and routes a creation request.
// Dispatch is asynchronous; the returned notification is still PENDING.
func (s *NotificationServiceImpl) CreateNotification(ctx context.Context, input CreateNotificationInput) (*notification.Notification, error) {
	if err := validateInput(&input); err != nil {
		return nil, err
	}

	// System messages are never batched.
	if input.Channel == notification.ChannelSystem {
		input.Type = notification.TypeInstant
	}

	n := &notification.Notification{
		EventName: input.EventName,
		Channel:   input.Channel,
		Type:      input.Type,
	}
	recipient := ""
	switch {
	case input.EmailData != nil:
		recipient = input.EmailData.To
		n.Email = &notification.EmailPayload{
			To:      input.EmailData.To,
			Subject: input.EmailData.Subject,
			Body:    input.EmailData.Body,
			Meta:    input.EmailData.Meta,
		}
	case input.SystemData != nil:
		recipient = fmt.Sprintf("%d", input.SystemData.UserID)
		n.System = &notification.SystemPayload{
			UserID:  input.SystemData.UserID,
			Content: input.SystemData.Content,
		}
	}

	batchKey := ""
	if input.Type == notification.TypeBatch {
		batchKey = notification.BatchKey(input.EventName, input.Channel, recipient)
		n.BatchKey = sql.NullString{String: batchKey, Valid: true}
	}

	if err := s.repo.Create(ctx, n); err != nil {
		s.logger.Errorf("Failed to create notification for event %q: %v", input.EventName, err)
		return nil, err
	}

	if input.Type == notification.TypeInstant {
		jobID, err := s.jobs.Enqueue(ctx, queue.KindInstantDispatch, InstantJobPayload{NotificationID: n.ID})
		if err != nil {
			s.logger.Errorf("Failed to enqueue instant dispatch for notification %d: %v", n.ID, err)
			return nil, fmt.Errorf("failed to enqueue instant dispatch: %w", err)
		}
		s.logger.Infof("Instant notification %d added to queue (job %s).", n.ID, jobID)
		return n, nil
	}

	if err := s.accumulateBatch(ctx, n, batchKey, recipient); err != nil {
		return nil, err
	}
	return n, nil
}

// accumulateBatch applies the batch routing rules: the first member of a key
// arms the timeout trigger, and reaching the size threshold fires dispatch
// immediately. Membership is derived from the store, never process memory, so
// a restart mid-batch does not lose the timeout guarantee.
func (s *NotificationServiceImpl) accumulateBatch(ctx context.Context, n *notification.Notification, batchKey, recipient string) error {
	members, err := s.repo.FindByBatchKey(ctx, batchKey)
	if err != nil {
		return fmt.Errorf("failed to inspect batch %q: %w", batchKey, err)
	}

	payload := BatchJobPayload{
		BatchKey:  batchKey,
		Channel:   n.Channel,
		EventName: n.EventName,
		Recipient: recipient,
	}

	if len(members) <= 1 {
		jobID, err := s.jobs.EnqueueDelayedUnique(ctx, queue.KindBatchTimeout, payload, s.batchMaxWait, batchKey)
		if err != nil {
			s.logger.Errorf("Failed to schedule timeout for batch %q: %v", batchKey, err)
			return fmt.Errorf("failed to schedule batch timeout: %w", err)
		}
		if jobID != "" {
			s.logger.Infof("Scheduled batch %q timeout in %s (job %s).", batchKey, s.batchMaxWait, jobID)
		}
	}

	if len(members) >= s.batchMaxSize {
		jobID, err := s.jobs.Enqueue(ctx, queue.KindBatchDispatch, payload)
		if err != nil {
			s.logger.Errorf("Failed to enqueue size-triggered dispatch for batch %q: %v", batchKey, err)
			return fmt.Errorf("failed to enqueue batch dispatch: %w", err)
		}
		// The size trigger drains this cycle; the timeout marker must not
		// survive it, or the next accumulation under the same key would ride
		// the old cycle's timeout instead of arming its own.
		if err := s.jobs.ReleaseScheduled(ctx, batchKey); err != nil {
			s.logger.Errorf("Failed to release timeout marker for batch %q: %v", batchKey, err)
		}
		s.logger.Infof("Batch %q reached size limit (%d members), dispatch enqueued (job %s).", batchKey, len(members), jobID)
	}
	return nil
}

func validateInput(input *CreateNotificationInput) error {
	if !input.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if input.Type == "" {
		input.Type = notification.TypeInstant
	}
	if !input.Type.IsValid() {
		return ErrInvalidType
	}
	if input.Channel == notification.ChannelEmail {
		if input.EmailData == nil {
			return ErrEmailDataRequired
		}
		if !emailAddressPattern.MatchString(input.EmailData.To) {
			return ErrInvalidEmailAddress
		}
	}
	if input.Channel == notification.ChannelSystem && input.SystemData == nil {
		return ErrSystemDataRequired
	}
	return nil
}

func (s *NotificationServiceImpl) ListSystemNotifications(ctx context.Context, userID int64) ([]*notification.SystemPayload, error) {
	return s.repo.ListSystemByUser(ctx, userID)
}

// MarkAsRead flips the read flag of a system notification. Independent of the
// dispatch state machine.
func (s *NotificationServiceImpl) MarkAsRead(ctx context.Context, notificationID int64) (*notification.SystemPayload, error) {
	payload, err := s.repo.MarkRead(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Notification %d marked as read by user %d.", notificationID, payload.UserID)
	return payload, nil
}

func (s *NotificationServiceImpl) DeleteNotification(ctx context.Context, notificationID int64) error {
	if err := s.repo.SoftDelete(ctx, notificationID); err != nil {
		return err
	}
	s.logger.Infof("Notification %d deleted.", notificationID)
	return nil
}

// RecoverPendingBatches first returns stale claims to PENDING, then scans the
// store for batch members still pending and re-arms their dispatch: overdue
// batches are dispatched now, younger ones get a fresh timeout job for the
// remaining wait. Safe to run repeatedly; a drained batch claims nothing at
// dispatch time.
func (s *NotificationServiceImpl) RecoverPendingBatches(ctx context.Context) error {
	reset, err := s.repo.ResetStaleClaims(ctx, staleClaimMaxAge)
	if err != nil {
		return fmt.Errorf("failed to reset stale claims: %w", err)
	}
	if reset > 0 {
		s.logger.Warnf("Recovery: returned %d stale claimed notification(s) to pending.", reset)
	}

	pending, err := s.repo.FindPendingBatch(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending batch notifications: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	type batchInfo struct {
		oldest    time.Time
		channel   notification.Channel
		eventName string
		recipient string
	}
	batches := make(map[string]batchInfo)
	for _, n := range pending {
		key := n.BatchKey.String
		info, seen := batches[key]
		if !seen || n.CreatedAt.Before(info.oldest) {
			batches[key] = batchInfo{
				oldest:    n.CreatedAt,
				channel:   n.Channel,
				eventName: n.EventName,
				recipient: n.Recipient(),
			}
		}
	}

	now := time.Now()
	for key, info := range batches {
		payload := BatchJobPayload{
			BatchKey:  key,
			Channel:   info.channel,
			EventName: info.eventName,
			Recipient: info.recipient,
		}
		age := now.Sub(info.oldest)
		if age >= s.batchMaxWait {
			if _, err := s.jobs.Enqueue(ctx, queue.KindBatchTimeout, payload); err != nil {
				s.logger.Errorf("Failed to enqueue overdue batch %q: %v", key, err)
				continue
			}
			if err := s.jobs.ReleaseScheduled(ctx, key); err != nil {
				s.logger.Errorf("Failed to release timeout marker for batch %q: %v", key, err)
			}
			s.logger.Infof("Recovery: overdue batch %q (age %s) dispatched.", key, age)
		} else {
			remaining := s.batchMaxWait - age
			jobID, err := s.jobs.EnqueueDelayedUnique(ctx, queue.KindBatchTimeout, payload, remaining, key)
			if err != nil {
				s.logger.Errorf("Failed to re-schedule timeout for batch %q: %v", key, err)
				continue
			}
			if jobID != "" {
				s.logger.Infof("Recovery: batch %q timeout re-armed in %s.", key, remaining)
			}
		}
	}
	return nil
}

func (s *NotificationServiceImpl) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return s.jobs.Stats(ctx)
}

func (s *NotificationServiceImpl) PauseQueue(ctx context.Context) error {
	return s.jobs.Pause(ctx)
}

func (s *NotificationServiceImpl) ResumeQueue(ctx context.Context) error {
	return s.jobs.Resume(ctx)
}

func (s *NotificationServiceImpl) CleanQueue(ctx context.Context) (int64, error) {
	return s.jobs.Clean(ctx, s.queueRetention)
}
