package model

import "time"

// AckKind is the delivery progress reported by the gateway.
type AckKind string

const (
	AckPending   AckKind = "pending"
	AckSent      AckKind = "sent"
	AckDelivered AckKind = "delivered"
	AckRead      AckKind = "read"
	AckFailed    AckKind = "failed"
)

// AckKindFromCode decodes the gateway's numeric ack. Played (4) counts as read.
func AckKindFromCode(code int) (AckKind, bool) {
	switch code {
	case -1:
		return AckFailed, true
	case 0:
		return AckPending, true
	case 1:
		return AckSent, true
	case 2:
		return AckDelivered, true
	case 3, 4:
		return AckRead, true
	}
	return "", false
}

// AckEvent is a decoded acknowledgment travelling from the webhook to the correlator.
type AckEvent struct {
	ExternalMessageID string    `json:"external_message_id"`
	Kind              AckKind   `json:"kind"`
	Code              int       `json:"code"`
	DedupeKey         string    `json:"dedupe_key,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Raw               string    `json:"raw,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// AckRecord is one row of a delivery's acknowledgment history.
type AckRecord struct {
	ID                int64     `json:"id"`
	DeliveryID        int64     `json:"delivery_id"`
	ExternalMessageID string    `json:"external_message_id"`
	Kind              AckKind   `json:"kind"`
	Code              int       `json:"code"`
	DedupeKey         string    `json:"dedupe_key,omitempty"`
	Raw               string    `json:"raw,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// Transition is one audit entry of a delivery state change.
type Transition struct {
	ID         int64         `json:"id"`
	DeliveryID int64         `json:"delivery_id"`
	From       DeliveryState `json:"from"`
	To         DeliveryState `json:"to"`
	Retryable  bool          `json:"retryable"`
	Reason     string        `json:"reason,omitempty"`
	At         time.Time     `json:"at"`
}
