package model

import (
	"errors"
	"time"
)

type DeliveryRecord struct {
	ID                int64             `json:"id"`
	Recipient         string            `json:"recipient"`
	TemplateID        *int64            `json:"template_id,omitempty"`
	Trigger           TriggerEvent      `json:"trigger"`
	PayloadKind       PayloadKind       `json:"payload_kind"`
	Attachment        string            `json:"attachment,omitempty"`
	Body              string            `json:"body,omitempty"`
	Variables         map[string]string `json:"variables"`
	RenderedContent   string            `json:"rendered_content,omitempty"`
	RenderedAt        *time.Time        `json:"rendered_at,omitempty"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	State             DeliveryState     `json:"state"`
	Retryable         bool              `json:"retryable"`
	NextAttemptAt     *time.Time        `json:"next_attempt_at,omitempty"`
	RetryCount        int               `json:"retry_count"`
	LastError         string            `json:"last_error,omitempty"`
	ExternalMessageID *string           `json:"external_message_id,omitempty"`
	ClaimedBy         string            `json:"-"`
	ClaimExpiresAt    *time.Time        `json:"-"`
	Version           int64             `json:"-"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	ReadAt            *time.Time        `json:"read_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
	CancelledAt       *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsTerminal reports whether the record can no longer change state.
func (r *DeliveryRecord) IsTerminal() bool {
	switch r.State {
	case StateRead, StateCancelled:
		return true
	case StateFailed:
		return !r.Retryable
	}
	return false
}

// Dispatchable reports whether a worker may attempt a send for the record.
func (r *DeliveryRecord) Dispatchable() bool {
	return r.State == StatePending || (r.State == StateFailed && r.Retryable)
}

// IsDue reports whether the record is eligible for a dispatch attempt at now.
func (r *DeliveryRecord) IsDue(now time.Time) bool {
	switch {
	case r.State == StatePending:
		return !r.ScheduledAt.After(now)
	case r.State == StateFailed && r.Retryable:
		return r.NextAttemptAt != nil && !r.NextAttemptAt.After(now)
	}
	return false
}

// IsAdHoc reports whether the record was composed without a template.
func (r *DeliveryRecord) IsAdHoc() bool {
	return r.TemplateID == nil
}

// Payload rebuilds the tagged payload from the rendered content.
func (r *DeliveryRecord) Payload() (Payload, error) {
	return NewPayload(r.PayloadKind, r.RenderedContent, r.Attachment)
}

// Frozen reports whether content was rendered on an earlier attempt. An
// empty caption is valid frozen content for media payloads.
func (r *DeliveryRecord) Frozen() bool {
	return r.RenderedAt != nil
}

// FreezeContent stores the rendered text. Content is fixed once set.
func (r *DeliveryRecord) FreezeContent(content string, at time.Time) {
	if r.Frozen() {
		return
	}
	r.RenderedContent = content
	r.RenderedAt = &at
}

func (r *DeliveryRecord) MarkSent(externalID string, at time.Time) error {
	if !r.Dispatchable() {
		return ErrInvalidTransition
	}
	if r.ExternalMessageID != nil && *r.ExternalMessageID != externalID {
		return ErrExternalIDAssigned
	}
	id := externalID
	r.ExternalMessageID = &id
	r.State = StateSent
	r.Retryable = false
	r.NextAttemptAt = nil
	r.SentAt = &at
	return nil
}

// RecordAttemptFailure counts a failed send. A nil next attempt makes the
// failure terminal.
func (r *DeliveryRecord) RecordAttemptFailure(reason string, next *time.Time, at time.Time) error {
	if !r.Dispatchable() {
		return ErrInvalidTransition
	}
	r.RetryCount++
	r.LastError = reason
	r.State = StateFailed
	r.FailedAt = &at
	r.Retryable = next != nil
	r.NextAttemptAt = next
	return nil
}

// MarkFailed fails the record terminally without counting an attempt.
func (r *DeliveryRecord) MarkFailed(reason string, at time.Time) error {
	if r.IsTerminal() {
		return ErrInvalidTransition
	}
	r.LastError = reason
	r.State = StateFailed
	r.Retryable = false
	r.NextAttemptAt = nil
	r.FailedAt = &at
	return nil
}

func (r *DeliveryRecord) Cancel(at time.Time) error {
	if !r.Dispatchable() {
		return ErrInvalidTransition
	}
	r.State = StateCancelled
	r.Retryable = false
	r.NextAttemptAt = nil
	r.CancelledAt = &at
	return nil
}

// ApplyAck advances the record for a gateway acknowledgment and reports
// whether anything changed. States only move forward.
func (r *DeliveryRecord) ApplyAck(kind AckKind, reason string, at time.Time) bool {
	if r.IsTerminal() {
		return false
	}
	switch kind {
	case AckFailed:
		if reason == "" {
			reason = "gateway reported delivery failure"
		}
		_ = r.MarkFailed(reason, at)
		return true
	case AckDelivered:
		if r.State == StateSent {
			r.State = StateDelivered
			r.DeliveredAt = &at
			return true
		}
	case AckRead:
		if r.State == StateSent || r.State == StateDelivered {
			r.State = StateRead
			r.ReadAt = &at
			return true
		}
	}
	return false
}

// DeliveryDetails is a record with its acknowledgment and transition history.
type DeliveryDetails struct {
	*DeliveryRecord
	Acks        []*AckRecord  `json:"acks"`
	Transitions []*Transition `json:"transitions"`
}

// ScheduleRequest asks for a templated follow-up.
type ScheduleRequest struct {
	Trigger    TriggerEvent      `json:"trigger"`
	TemplateID int64             `json:"template_id"`
	Recipient  string            `json:"recipient"`
	Variables  map[string]string `json:"variables"`
	Manual     bool              `json:"manual"`
}

func (p ScheduleRequest) Validate() error {
	if p.TemplateID == 0 {
		return errors.New("template_id is required")
	}
	if p.Recipient == "" {
		return errors.New("recipient is required")
	}
	if p.Trigger != "" && !p.Trigger.Valid() {
		return ErrUnknownTrigger
	}
	return nil
}

// AdHocRequest asks for a template-less send.
type AdHocRequest struct {
	Recipient string
	Payload   Payload
	SendAt    *time.Time
}

func (p AdHocRequest) Validate() error {
	if p.Recipient == "" {
		return errors.New("recipient is required")
	}
	if p.Payload == nil {
		return errors.New("payload is required")
	}
	_, err := NewPayload(p.Payload.Kind(), p.Payload.Content(), p.Payload.Attachment())
	return err
}

// DeliveryFilter controls List queries.
type DeliveryFilter struct {
	States     []DeliveryState
	Recipient  *string
	TemplateID *int64
	Trigger    *TriggerEvent
	From       *time.Time
	To         *time.Time
	Limit      int  // default 50
	Offset     int  // for pagination
	Desc       bool // order by created_at
}
