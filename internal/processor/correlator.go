package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/repository"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/prom"
)

var ErrUnknownMessage = errors.New("ack for unknown message")

// Correlator applies gateway acknowledgments to the delivery they belong to.
type Correlator struct {
	store DeliveryStore
	dedup *IdempotencyService
	now   func() time.Time
}

func NewCorrelator(store DeliveryStore, dedup *IdempotencyService) *Correlator {
	return &Correlator{
		store: store,
		dedup: dedup,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// HandleAck records ev in the delivery's history and advances its state.
// States only move forward, so a repeated or late ack never undoes progress.
// Acks carrying a dedupe key are applied once. An ack whose external id is
// not known yet returns ErrUnknownMessage.
func (c *Correlator) HandleAck(ctx context.Context, ev model.AckEvent) error {
	if ev.ExternalMessageID == "" {
		return fmt.Errorf("%w: empty external id", ErrUnknownMessage)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = c.now()
	}

	var pc *ProcessingContext
	if ev.DedupeKey != "" && c.dedup != nil {
		var err error
		pc, err = c.dedup.AcquireProcessingLock(ctx, ev.DedupeKey)
		if errors.Is(err, ErrAlreadyProcessed) {
			logger.Debug("duplicate ack ignored", "external_id", ev.ExternalMessageID, "dedupe_key", ev.DedupeKey)
			prom.IncAckProcessed(string(ev.Kind), "duplicate")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() { _ = c.dedup.ReleaseLock(context.WithoutCancel(ctx), pc) }()
	}

	rec, err := c.store.GetByExternalID(ctx, ev.ExternalMessageID)
	if errors.Is(err, repository.ErrDeliveryNotFound) {
		prom.IncAckProcessed(string(ev.Kind), "unknown")
		return fmt.Errorf("%w: %s", ErrUnknownMessage, ev.ExternalMessageID)
	}
	if err != nil {
		return err
	}

	changed := false
	updated, err := c.store.Update(ctx, rec.ID, "ack:"+string(ev.Kind), func(r *model.DeliveryRecord) error {
		changed = r.ApplyAck(ev.Kind, ev.Reason, ev.ReceivedAt.UTC())
		if !changed {
			return model.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, err = c.store.AppendAck(ctx, &model.AckRecord{
		DeliveryID:        rec.ID,
		ExternalMessageID: ev.ExternalMessageID,
		Kind:              ev.Kind,
		Code:              ev.Code,
		DedupeKey:         ev.DedupeKey,
		Raw:               ev.Raw,
		ReceivedAt:        ev.ReceivedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to append ack history: %w", err)
	}

	if pc != nil {
		if err := c.dedup.MarkSuccess(ctx, pc); err != nil {
			logger.Warn("failed to mark ack processed", "dedupe_key", ev.DedupeKey, "error", err)
		}
	}

	result := "ignored"
	if changed {
		result = "applied"
		if updated.State == model.StateDelivered {
			prom.AddDeliveryLatency(ev.ReceivedAt.Sub(updated.CreatedAt).Seconds(), string(updated.Trigger))
		}
	}
	prom.IncAckProcessed(string(ev.Kind), result)

	logger.Info("ack correlated",
		"delivery_id", rec.ID, "external_id", ev.ExternalMessageID, "kind", ev.Kind,
		"state", updated.State, "changed", changed)
	return nil
}
