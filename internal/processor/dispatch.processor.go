package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gateway "github.com/nimasrn/followup-gateway/internal/gateways"
	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/render"
	"github.com/nimasrn/followup-gateway/internal/repository"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/prom"
)

type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeRetry        Outcome = "retry"
	OutcomeExhausted    Outcome = "exhausted"
	OutcomeRejected     Outcome = "rejected"
	OutcomeRenderFailed Outcome = "render_failed"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeDropped      Outcome = "dropped"
	OutcomeLeaseLost    Outcome = "lease_lost"
	OutcomeError        Outcome = "error"
)

var errLeaseLost = errors.New("claim lease lost")

type DeliveryStore interface {
	ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*model.DeliveryRecord, error)
	Update(ctx context.Context, id int64, reason string, fn func(rec *model.DeliveryRecord) error) (*model.DeliveryRecord, error)
	ReleaseClaim(ctx context.Context, id int64, owner string) error
	GetByExternalID(ctx context.Context, externalID string) (*model.DeliveryRecord, error)
	AppendAck(ctx context.Context, ack *model.AckRecord) (*model.AckRecord, error)
}

type TemplateStore interface {
	Get(ctx context.Context, id int64) (*model.Template, error)
	IncrementUsage(ctx context.Context, id int64, at time.Time) error
}

type Sender interface {
	Send(ctx context.Context, req *gateway.SendRequest) (*gateway.SendResponse, error)
}

// Connectivity reports whether the chat channel can take sends right now.
type Connectivity interface {
	CheckConnected(ctx context.Context) error
}

// Dispatcher performs one dispatch attempt for a claimed record.
type Dispatcher struct {
	store       DeliveryStore
	templates   TemplateStore
	sender      Sender
	session     Connectivity
	policy      RetryPolicy
	sendTimeout time.Duration
	lease       time.Duration
	now         func() time.Time
}

// NewDispatcher builds a dispatcher. lease is the claim lease, renewed right
// before the send so time spent waiting for a worker does not count.
func NewDispatcher(store DeliveryStore, templates TemplateStore, sender Sender, session Connectivity, policy RetryPolicy, sendTimeout, lease time.Duration) *Dispatcher {
	if lease <= sendTimeout {
		lease = 2 * sendTimeout
	}
	return &Dispatcher{
		store:       store,
		templates:   templates,
		sender:      sender,
		session:     session,
		policy:      policy,
		sendTimeout: sendTimeout,
		lease:       lease,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch renders, sends and records the result for rec, which must be
// claimed by the caller. The claim is released before returning. Send
// failures are recorded on the record and reported only through the
// outcome; the error is reserved for storage problems.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *model.DeliveryRecord) (Outcome, error) {
	owner := rec.ClaimedBy
	// results are persisted even when the caller is shutting down
	persistCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := d.store.ReleaseClaim(persistCtx, rec.ID, owner); err != nil {
			logger.Warn("failed to release claim", "delivery_id", rec.ID, "error", err)
		}
	}()

	content, err := d.render(ctx, rec)
	if err != nil {
		var renderErr *renderError
		if !errors.As(err, &renderErr) {
			return d.finish(rec, OutcomeError, err)
		}
		_, err := d.store.Update(persistCtx, rec.ID, "render failed", func(r *model.DeliveryRecord) error {
			if !r.Dispatchable() {
				return model.ErrNoChange
			}
			releaseClaim(r)
			return r.MarkFailed(renderErr.Error(), d.now())
		})
		logger.Warn("delivery failed to render", "delivery_id", rec.ID, "error", renderErr)
		return d.finish(rec, OutcomeRenderFailed, err)
	}

	current, err := d.store.Update(ctx, rec.ID, "", func(r *model.DeliveryRecord) error {
		if r.ClaimedBy != owner {
			return errLeaseLost
		}
		if !r.Dispatchable() {
			return model.ErrNoChange
		}
		renewed := d.now().Add(d.lease)
		r.ClaimExpiresAt = &renewed
		r.FreezeContent(content, d.now())
		return nil
	})
	switch {
	case errors.Is(err, errLeaseLost):
		logger.Warn("claim taken over before send", "delivery_id", rec.ID, "owner", owner)
		return d.finish(rec, OutcomeLeaseLost, nil)
	case err != nil:
		return d.finish(rec, OutcomeError, err)
	case !current.Dispatchable():
		logger.Info("delivery cancelled before send", "delivery_id", rec.ID, "state", current.State)
		return d.finish(rec, OutcomeCancelled, nil)
	}

	if err := d.session.CheckConnected(ctx); err != nil {
		return d.recordFailure(persistCtx, current, owner, err)
	}

	payload, err := current.Payload()
	if err != nil {
		return d.recordFailure(persistCtx, current, owner, fmt.Errorf("%w: %v", gateway.ErrRejected, err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	resp, err := d.sender.Send(sendCtx, &gateway.SendRequest{
		Recipient:  current.Recipient,
		Kind:       string(payload.Kind()),
		Content:    payload.Content(),
		Attachment: payload.Attachment(),
		Reference:  strconv.FormatInt(current.ID, 10),
	})
	cancel()
	if err != nil {
		return d.recordFailure(persistCtx, current, owner, err)
	}

	sentAt := d.now()
	updated, err := d.store.Update(persistCtx, current.ID, "sent", func(r *model.DeliveryRecord) error {
		if !r.Dispatchable() {
			return model.ErrNoChange
		}
		// the gateway accepted the message, so its id is stored even if the
		// claim moved on; a later claimant then finds the record Sent
		if r.ClaimedBy != owner {
			logger.Warn("claim expired during send", "delivery_id", r.ID, "owner", owner, "claimed_by", r.ClaimedBy)
		}
		releaseClaim(r)
		return r.MarkSent(resp.MessageID, sentAt)
	})
	if err != nil {
		logger.Error("gateway accepted message but result could not be stored",
			"delivery_id", current.ID, "external_id", resp.MessageID, "error", err)
		return d.finish(rec, OutcomeError, err)
	}
	if updated.State != model.StateSent || updated.ExternalMessageID == nil || *updated.ExternalMessageID != resp.MessageID {
		logger.Warn("send result dropped, delivery changed while in flight",
			"delivery_id", current.ID, "external_id", resp.MessageID, "state", updated.State)
		return d.finish(rec, OutcomeDropped, nil)
	}

	if updated.TemplateID != nil {
		if err := d.templates.IncrementUsage(persistCtx, *updated.TemplateID, sentAt); err != nil {
			logger.Warn("failed to count template usage", "template_id", *updated.TemplateID, "error", err)
		}
	}

	logger.Info("delivery sent", "delivery_id", updated.ID, "external_id", resp.MessageID, "retry_count", updated.RetryCount)
	return d.finish(rec, OutcomeSent, nil)
}

// recordFailure counts a failed attempt. Permanent errors end the record,
// transient ones schedule another attempt while the policy allows.
// A record claimed by another worker in the meantime is left to that worker.
func (d *Dispatcher) recordFailure(ctx context.Context, rec *model.DeliveryRecord, owner string, cause error) (Outcome, error) {
	permanent := gateway.IsPermanent(cause)
	outcome := OutcomeRetry

	updated, err := d.store.Update(ctx, rec.ID, "send failed", func(r *model.DeliveryRecord) error {
		if !r.Dispatchable() {
			return model.ErrNoChange
		}
		if r.ClaimedBy != owner {
			return errLeaseLost
		}
		releaseClaim(r)
		now := d.now()

		var next *time.Time
		if !permanent {
			attempted := *r
			attempted.RetryCount++
			if d.policy.ShouldRetry(&attempted) {
				at := d.policy.NextAttemptAt(&attempted, now)
				next = &at
			}
		}
		return r.RecordAttemptFailure(cause.Error(), next, now)
	})
	if errors.Is(err, errLeaseLost) {
		logger.Warn("claim taken over during send, failure not recorded", "delivery_id", rec.ID, "owner", owner, "error", cause)
		return d.finish(rec, OutcomeLeaseLost, nil)
	}
	if err != nil {
		return d.finish(rec, OutcomeError, err)
	}

	switch {
	case updated.State != model.StateFailed:
		outcome = OutcomeDropped
	case permanent:
		outcome = OutcomeRejected
	case !updated.Retryable:
		outcome = OutcomeExhausted
	}

	log := logger.Warn
	if outcome == OutcomeRetry {
		log = logger.Info
	}
	log("delivery attempt failed",
		"delivery_id", rec.ID, "outcome", outcome, "retry_count", updated.RetryCount,
		"next_attempt_at", updated.NextAttemptAt, "error", cause)
	return d.finish(rec, outcome, nil)
}

func (d *Dispatcher) finish(rec *model.DeliveryRecord, outcome Outcome, err error) (Outcome, error) {
	prom.IncDispatchOutcome(string(outcome))
	if err != nil {
		logger.Error("dispatch failed", "delivery_id", rec.ID, "outcome", outcome, "error", err)
	}
	return outcome, err
}

type renderError struct {
	err error
}

func (e *renderError) Error() string { return e.err.Error() }
func (e *renderError) Unwrap() error { return e.err }

// render returns the content to send. Records rendered on an earlier attempt
// keep their frozen content.
func (d *Dispatcher) render(ctx context.Context, rec *model.DeliveryRecord) (string, error) {
	content := rec.RenderedContent
	if !rec.Frozen() {
		if rec.IsAdHoc() {
			content = rec.Body
		} else {
			tmpl, err := d.templates.Get(ctx, *rec.TemplateID)
			if errors.Is(err, repository.ErrTemplateNotFound) {
				return "", &renderError{err}
			}
			if err != nil {
				return "", err
			}
			content, err = render.Render(tmpl.Body, rec.Trigger, rec.Variables)
			if err != nil {
				return "", &renderError{err}
			}
		}
	}

	if _, err := model.NewPayload(rec.PayloadKind, content, rec.Attachment); err != nil {
		return "", &renderError{err}
	}
	return content, nil
}

func releaseClaim(r *model.DeliveryRecord) {
	r.ClaimedBy = ""
	r.ClaimExpiresAt = nil
}
