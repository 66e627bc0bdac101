package model

import (
	"errors"
	"time"
)

// TriggerEvent is the business occurrence a template reacts to.
type TriggerEvent string

const (
	TriggerServiceCompleted TriggerEvent = "service_completed"
	TriggerVehicleReady     TriggerEvent = "vehicle_ready"
	TriggerPaymentReceived  TriggerEvent = "payment_received"
	TriggerServiceReminder  TriggerEvent = "service_reminder"
	TriggerManual           TriggerEvent = "manual"
)

var ErrUnknownTrigger = errors.New("unknown trigger event")

func (t TriggerEvent) Valid() bool {
	switch t {
	case TriggerServiceCompleted, TriggerVehicleReady, TriggerPaymentReceived, TriggerServiceReminder, TriggerManual:
		return true
	}
	return false
}

type Template struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	Trigger        TriggerEvent  `json:"trigger"`
	Body           string        `json:"body"`
	ChannelEnabled bool          `json:"channel_enabled"`
	PayloadKind    PayloadKind   `json:"payload_kind"`
	Attachment     string        `json:"attachment,omitempty"`
	AutoDispatch   bool          `json:"auto_dispatch"`
	Delay          time.Duration `json:"delay"`
	Active         bool          `json:"active"`
	UsageCount     int64         `json:"usage_count"`
	LastUsedAt     *time.Time    `json:"last_used_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Validate checks the structural part of a template. Placeholder checks
// against the trigger's variable set live in the render package.
func (t *Template) Validate() error {
	if !t.Trigger.Valid() {
		return ErrUnknownTrigger
	}
	if t.Delay < 0 {
		return errors.New("delay must not be negative")
	}
	kind := t.PayloadKind
	if kind == "" {
		kind = PayloadText
	}
	if !kind.Valid() {
		return ErrUnknownPayloadKind
	}
	if kind.NeedsAttachment() && t.Attachment == "" {
		return ErrAttachmentRequired
	}
	if kind == PayloadText && t.Body == "" {
		return errors.New("body is required")
	}
	return nil
}
