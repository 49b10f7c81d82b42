package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainEmail "notification_service/internal/domain/email"
	"notification_service/internal/domain/notification"
	idb "notification_service/internal/infra/database"
	"notification_service/internal/infra/metrics"
	"notification_service/internal/infra/queue"

	"github.com/sirupsen/logrus"
)

// DispatchProcessor consumes dispatch jobs and drives delivery through the
// channel provider. Per notification the state machine is
// PENDING → (attempt send) → SENT | ERROR; a terminal status is written only
// on the job's final attempt so the queue's retry policy never bounces a
// record out of SENT or ERROR.
type DispatchProcessor struct {
	repo     notification.Repository
	provider domainEmail.Provider
	combiner *EmailCombiner
	logger   *logrus.Logger
}

func NewDispatchProcessor(
	repo notification.Repository,
	provider domainEmail.Provider,
	combiner *EmailCombiner,
	logger *logrus.Logger,
) *DispatchProcessor {
	return &DispatchProcessor{
		repo:     repo,
		provider: provider,
		combiner: combiner,
		logger:   logger,
	}
}

// Process is the queue handler entry point.
func (p *DispatchProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Kind {
	case queue.KindInstantDispatch:
		return p.handleInstant(ctx, job)
	case queue.KindBatchDispatch, queue.KindBatchTimeout:
		return p.handleBatch(ctx, job)
	default:
		p.logger.Warnf("Job %s has unknown kind %q, discarding.", job.ID, job.Kind)
		return nil
	}
}

func (p *DispatchProcessor) handleInstant(ctx context.Context, job *queue.Job) error {
	var payload InstantJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode instant job payload: %w", err)
	}

	n, err := p.repo.FindByID(ctx, payload.NotificationID)
	if err != nil {
		if errors.Is(err, idb.ErrNotificationNotFound) {
			p.logger.Warnf("Instant dispatch for missing notification %d, nothing to do.", payload.NotificationID)
			return nil
		}
		return fmt.Errorf("failed to load notification %d: %w", payload.NotificationID, err)
	}
	if n.Status.IsTerminal() {
		p.logger.Infof("Notification %d already %s, skipping dispatch.", n.ID, n.Status)
		return nil
	}

	p.logger.Infof("Processing instant notification %d via %s (attempt %d/%d).", n.ID, n.Channel, job.Attempt, job.MaxAttempts)

	// System notifications are delivery-free; they become visible through the
	// read API.
	if n.Channel == notification.ChannelSystem {
		if err := p.repo.UpdateStatus(ctx, n.ID, notification.StatusSent, ""); err != nil {
			return fmt.Errorf("failed to mark system notification %d sent: %w", n.ID, err)
		}
		p.logger.Infof("System notification %d marked as sent.", n.ID)
		return nil
	}

	if n.Email == nil {
		p.logger.Errorf("EMAIL notification %d has no email payload.", n.ID)
		return p.failTerminal(ctx, job, []int64{n.ID}, "missing email payload")
	}

	result := p.send(ctx, n.Email.To, n.Email.Subject, n.Email.Body, n.Email.Meta)
	if !result.Success {
		p.logger.Errorf("Failed to send email for notification %d: %s", n.ID, result.Err)
		return p.failTerminal(ctx, job, []int64{n.ID}, result.Err)
	}

	// A status-write failure after a successful send is accepted as
	// best-effort: redelivering would break at-most-once visible effect for
	// the recipient.
	if err := p.repo.UpdateStatus(ctx, n.ID, notification.StatusSent, ""); err != nil {
		p.logger.Errorf("Email for notification %d sent but status write failed: %v", n.ID, err)
		return nil
	}
	p.logger.Infof("Email sent successfully for notification %d.", n.ID)
	return nil
}

func (p *DispatchProcessor) handleBatch(ctx context.Context, job *queue.Job) error {
	var payload BatchJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode batch job payload: %w", err)
	}

	trigger := "size"
	if job.Kind == queue.KindBatchTimeout {
		trigger = "timeout"
	}

	// The claim is the only synchronization between the size trigger and the
	// timeout trigger racing on the same key: whichever runs second finds no
	// claimable members and returns cleanly.
	members, err := p.repo.ClaimBatch(ctx, payload.BatchKey)
	if err != nil {
		return fmt.Errorf("failed to claim batch %q: %w", payload.BatchKey, err)
	}
	if len(members) == 0 {
		p.logger.Infof("Batch %q has no pending members (%s trigger), nothing to do.", payload.BatchKey, trigger)
		return nil
	}

	p.logger.Infof("Processing batch %q: %d member(s), %s trigger, attempt %d/%d.",
		payload.BatchKey, len(members), trigger, job.Attempt, job.MaxAttempts)

	if payload.Channel == notification.ChannelSystem {
		// Should not occur: system notifications are coerced to INSTANT at
		// creation. Handled anyway so a claimed batch never sticks.
		for _, n := range members {
			if err := p.repo.UpdateStatus(ctx, n.ID, notification.StatusSent, ""); err != nil {
				p.logger.Errorf("Failed to mark batch member %d sent: %v", n.ID, err)
			}
		}
		p.logger.Infof("Batch %q system members marked as sent (%d).", payload.BatchKey, len(members))
		return nil
	}

	ids := make([]int64, 0, len(members))
	items := make([]EmailItem, 0, len(members))
	for _, n := range members {
		ids = append(ids, n.ID)
		if n.Email != nil {
			items = append(items, EmailItem{Subject: n.Email.Subject, Body: n.Email.Body, To: n.Email.To})
		}
	}
	if len(items) == 0 {
		p.logger.Errorf("Batch %q has no email payloads among %d claimed members.", payload.BatchKey, len(members))
		return p.failTerminal(ctx, job, ids, "no email payloads in batch")
	}

	recipient, err := p.combiner.ResolveRecipient(items)
	if err != nil {
		// Mismatched recipients under one key is a data-integrity violation;
		// retrying cannot fix it, so the whole batch goes terminal at once.
		p.logger.Errorf("Batch %q integrity violation: %v", payload.BatchKey, err)
		p.markAll(ctx, ids, notification.StatusError, err.Error())
		return nil
	}
	subject := p.combiner.CombineSubjects(items)
	body, err := p.combiner.CombineBodies(items)
	if err != nil {
		p.logger.Errorf("Batch %q body rendering failed: %v", payload.BatchKey, err)
		return p.failTerminal(ctx, job, ids, err.Error())
	}

	metrics.BatchDispatchSize.Observe(float64(len(items)))
	result := p.send(ctx, recipient, subject, body, nil)
	if !result.Success {
		p.logger.Errorf("Failed to send batch %q: %s", payload.BatchKey, result.Err)
		return p.failTerminal(ctx, job, ids, result.Err)
	}

	p.markAll(ctx, ids, notification.StatusSent, "")
	p.logger.Infof("Batch email processed for %d notification(s) under %q.", len(members), payload.BatchKey)
	return nil
}

// send invokes the channel provider with metrics around the call.
func (p *DispatchProcessor) send(ctx context.Context, to, subject, body string, meta map[string]string) domainEmail.Result {
	start := time.Now()
	result := p.provider.Send(ctx, to, subject, body, meta)
	metrics.ProviderSendDuration.WithLabelValues(result.Provider).Observe(time.Since(start).Seconds())
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.ProviderSendsTotal.WithLabelValues(result.Provider, outcome).Inc()
	return result
}

// failTerminal records a provider failure. On the job's final attempt the
// affected notifications land on ERROR; earlier attempts release any claim
// so the retried job can claim the members again. The error is always
// propagated so the queue's retry policy applies.
func (p *DispatchProcessor) failTerminal(ctx context.Context, job *queue.Job, ids []int64, errMsg string) error {
	if job.FinalAttempt() {
		p.markAll(ctx, ids, notification.StatusError, errMsg)
	} else if err := p.repo.ReleaseClaim(ctx, ids); err != nil {
		p.logger.Errorf("Failed to release claim on %d notification(s): %v", len(ids), err)
	}
	return fmt.Errorf("dispatch failed: %s", errMsg)
}

func (p *DispatchProcessor) markAll(ctx context.Context, ids []int64, status notification.Status, errMsg string) {
	for _, id := range ids {
		if err := p.repo.UpdateStatus(ctx, id, status, errMsg); err != nil {
			p.logger.Errorf("Failed to update notification %d to %s: %v", id, status, err)
		}
	}
}
