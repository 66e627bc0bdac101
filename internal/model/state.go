package model

import "errors"

// DeliveryState is the lifecycle state of a follow-up delivery.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
	StateCancelled DeliveryState = "cancelled"
)

var (
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrExternalIDAssigned = errors.New("external message id already assigned")
	// ErrNoChange is returned by update callbacks that decided to leave the record untouched.
	ErrNoChange = errors.New("no change")
)

func (s DeliveryState) Valid() bool {
	switch s {
	case StatePending, StateSent, StateDelivered, StateRead, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ParseStates converts raw state names, skipping blanks.
func ParseStates(raw []string) ([]DeliveryState, error) {
	states := make([]DeliveryState, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		s := DeliveryState(r)
		if !s.Valid() {
			return nil, errors.New("unknown state: " + r)
		}
		states = append(states, s)
	}
	return states, nil
}
