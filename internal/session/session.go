// Package session tracks the chat channel's connection state as reported by
// gateway webhook events.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/redis"
)

type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusReady        Status = "ready"
	StatusDisconnected Status = "disconnected"
	StatusQR           Status = "qr"
)

var ErrChannelDisconnected = errors.New("chat channel disconnected")

const statusKey = "session:status"

func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusDisconnected, StatusQR:
		return true
	}
	return false
}

// Connected is false only for states the gateway reported as unusable. An
// unknown state counts as connected so a cold cache never blocks sending.
func (s Status) Connected() bool {
	return s != StatusDisconnected && s != StatusQR
}

type Snapshot struct {
	Status    Status
	Reason    string
	UpdatedAt time.Time
}

type Tracker struct {
	redis redis.RedisAdapter
	ttl   time.Duration
}

func NewTracker(adapter redis.RedisAdapter, ttl time.Duration) *Tracker {
	return &Tracker{redis: adapter, ttl: ttl}
}

// Record stores the latest session event. Events older than the stored one
// are ignored.
func (t *Tracker) Record(ctx context.Context, status Status, reason string, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("unknown session status %q", status)
	}

	current, err := t.Snapshot(ctx)
	if err != nil {
		return err
	}
	if at.Before(current.UpdatedAt) {
		logger.Debug("stale session event ignored", "status", status, "at", at, "current_at", current.UpdatedAt)
		return nil
	}

	err = t.redis.HSet(ctx, statusKey, map[string]interface{}{
		"status":     string(status),
		"reason":     reason,
		"updated_at": strconv.FormatInt(at.UnixMilli(), 10),
	}, t.ttl)
	if err != nil {
		return fmt.Errorf("failed to store session status: %w", err)
	}

	if current.Status != status {
		logger.Info("chat session status changed", "from", current.Status, "to", status, "reason", reason)
	}
	return nil
}

func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	values, err := t.redis.HGetAll(ctx, statusKey)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read session status: %w", err)
	}

	snap := Snapshot{Status: StatusUnknown}
	if s := Status(values["status"]); s.Valid() {
		snap.Status = s
	}
	snap.Reason = values["reason"]
	if ms, err := strconv.ParseInt(values["updated_at"], 10, 64); err == nil {
		snap.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return snap, nil
}

func (t *Tracker) Status(ctx context.Context) (Status, error) {
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return StatusUnknown, err
	}
	return snap.Status, nil
}

// CheckConnected returns ErrChannelDisconnected when the last reported state
// forbids sending. A Redis failure is logged and treated as connected, the
// gateway itself is the authority on whether a send works.
func (t *Tracker) CheckConnected(ctx context.Context) error {
	status, err := t.Status(ctx)
	if err != nil {
		logger.Warn("session status unavailable", "error", err)
		return nil
	}
	if !status.Connected() {
		return fmt.Errorf("%w: session is %s", ErrChannelDisconnected, status)
	}
	return nil
}
