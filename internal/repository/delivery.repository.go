package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrDeliveryNotFound   = errors.New("delivery not found")
	ErrConcurrentUpdate   = errors.New("concurrent update detected")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

const dueCondition = "((state = ? AND scheduled_at <= ?) OR (state = ? AND retryable = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?))"

const claimFreeCondition = "(claim_expires_at IS NULL OR claim_expires_at <= ?)"

type DeliveryRepository struct {
	*pg.DB
	now func() time.Time
}

func NewDeliveryRepository(db *pg.DB) *DeliveryRepository {
	return &DeliveryRepository{
		DB:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *DeliveryRepository) Create(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, error) {
	entity, err := toDeliveryEntity(rec)
	if err != nil {
		return nil, err
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = r.now()
	}
	entity.UpdatedAt = entity.CreatedAt

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toDeliveryModel(entity)
}

func (r *DeliveryRepository) Get(ctx context.Context, id int64) (*model.DeliveryRecord, error) {
	var entity DeliveryEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return toDeliveryModel(&entity)
}

func (r *DeliveryRepository) GetByExternalID(ctx context.Context, externalID string) (*model.DeliveryRecord, error) {
	var entity DeliveryEntity
	err := r.Read(ctx).Where("external_message_id = ?", externalID).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return toDeliveryModel(&entity)
}

func (r *DeliveryRepository) List(ctx context.Context, f model.DeliveryFilter) ([]*model.DeliveryRecord, int64, error) {
	q := r.Read(ctx).Model(&DeliveryEntity{})

	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		q = q.Where("state IN ?", states)
	}
	if f.Recipient != nil && *f.Recipient != "" {
		q = q.Where("recipient = ?", *f.Recipient)
	}
	if f.TemplateID != nil {
		q = q.Where("template_id = ?", *f.TemplateID)
	}
	if f.Trigger != nil {
		q = q.Where("trigger_event = ?", string(*f.Trigger))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at < ?", f.To.UTC())
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at ASC, id ASC"
	if f.Desc {
		order = "created_at DESC, id DESC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*DeliveryEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	records, err := toDeliveryModels(entities)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ClaimDue leases up to limit due records to owner. Every candidate is taken
// with a conditional update on its version, so a record is handed to exactly
// one caller even when several workers poll at once.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*model.DeliveryRecord, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 1
	}

	var candidates []*DeliveryEntity
	err := r.Write(ctx).
		Where(dueCondition, string(model.StatePending), now, string(model.StateFailed), true, now).
		Where(claimFreeCondition, now).
		Order("scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&candidates).
		Error
	if err != nil {
		return nil, err
	}

	expires := now.Add(lease)
	claimed := make([]*model.DeliveryRecord, 0, len(candidates))
	for _, c := range candidates {
		result := r.Write(ctx).
			Model(&DeliveryEntity{}).
			Where("id = ? AND version = ?", c.ID, c.Version).
			Where(dueCondition, string(model.StatePending), now, string(model.StateFailed), true, now).
			Where(claimFreeCondition, now).
			Updates(map[string]interface{}{
				"claimed_by":       owner,
				"claim_expires_at": expires,
				"version":          c.Version + 1,
				"updated_at":       now,
			})
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected != 1 {
			continue
		}

		c.ClaimedBy = owner
		c.ClaimExpiresAt = &expires
		c.Version++
		rec, err := toDeliveryModel(c)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, rec)
	}

	return claimed, nil
}

// Update loads the record, applies fn and writes the result guarded by the
// version it read. State changes append a transition row in the same
// transaction. fn may return model.ErrNoChange to skip the write, in which
// case the unchanged record is returned. Version conflicts are retried.
func (r *DeliveryRepository) Update(ctx context.Context, id int64, reason string, fn func(rec *model.DeliveryRecord) error) (*model.DeliveryRecord, error) {
	const maxRetries = 5
	const baseDelay = 2 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		rec, err := r.updateAttempt(ctx, id, reason, fn)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return rec, err
		}

		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, fmt.Errorf("%w: delivery %d after %d attempts", ErrMaxRetriesExceeded, id, maxRetries+1)
}

func (r *DeliveryRepository) updateAttempt(ctx context.Context, id int64, reason string, fn func(rec *model.DeliveryRecord) error) (*model.DeliveryRecord, error) {
	var (
		loaded  *model.DeliveryRecord
		updated *model.DeliveryRecord
	)

	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var entity DeliveryEntity
		if err := r.Write(ctx).Where("id = ?", id).First(&entity).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeliveryNotFound
			}
			return err
		}

		rec, err := toDeliveryModel(&entity)
		if err != nil {
			return err
		}
		loaded, _ = toDeliveryModel(&entity)

		fromState, fromRetryable := rec.State, rec.Retryable
		if err := fn(rec); err != nil {
			return err
		}
		if rec.RetryCount < loaded.RetryCount {
			return fmt.Errorf("retry_count of delivery %d cannot decrease", id)
		}

		now := r.now()
		rec.Version = entity.Version + 1
		rec.UpdatedAt = now

		next, err := toDeliveryEntity(rec)
		if err != nil {
			return err
		}
		result := r.Write(ctx).
			Model(&DeliveryEntity{}).
			Where("id = ? AND version = ?", id, entity.Version).
			Updates(next.columns())
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}

		if rec.State != fromState || rec.Retryable != fromRetryable || rec.RetryCount != loaded.RetryCount {
			transition := &TransitionEntity{
				DeliveryID: id,
				FromState:  string(fromState),
				ToState:    string(rec.State),
				Retryable:  rec.Retryable,
				Reason:     reason,
				At:         now,
			}
			if err := r.Write(ctx).Create(transition).Error; err != nil {
				return err
			}
		}

		updated = rec
		return nil
	})

	if errors.Is(err, model.ErrNoChange) {
		return loaded, nil
	}
	if err != nil {
		return loaded, err
	}
	return updated, nil
}

// ReleaseClaim drops the lease if owner still holds it.
func (r *DeliveryRepository) ReleaseClaim(ctx context.Context, id int64, owner string) error {
	return r.Write(ctx).
		Model(&DeliveryEntity{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		Updates(map[string]interface{}{
			"claimed_by":       "",
			"claim_expires_at": nil,
			"version":          gorm.Expr("version + 1"),
		}).
		Error
}

func (r *DeliveryRepository) AppendAck(ctx context.Context, ack *model.AckRecord) (*model.AckRecord, error) {
	entity := toAckEntity(ack)
	if entity.ReceivedAt.IsZero() {
		entity.ReceivedAt = r.now()
	}
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toAckModel(entity), nil
}

func (r *DeliveryRepository) ListAcks(ctx context.Context, deliveryID int64) ([]*model.AckRecord, error) {
	var entities []*AckEntity
	err := r.Read(ctx).
		Where("delivery_id = ?", deliveryID).
		Order("id ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	acks := make([]*model.AckRecord, len(entities))
	for i, e := range entities {
		acks[i] = toAckModel(e)
	}
	return acks, nil
}

func (r *DeliveryRepository) ListTransitions(ctx context.Context, deliveryID int64) ([]*model.Transition, error) {
	var entities []*TransitionEntity
	err := r.Read(ctx).
		Where("delivery_id = ?", deliveryID).
		Order("id ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	transitions := make([]*model.Transition, len(entities))
	for i, e := range entities {
		transitions[i] = toTransitionModel(e)
	}
	return transitions, nil
}

func (r *DeliveryRepository) GetDetails(ctx context.Context, id int64) (*model.DeliveryDetails, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	acks, err := r.ListAcks(ctx, id)
	if err != nil {
		return nil, err
	}
	transitions, err := r.ListTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.DeliveryDetails{DeliveryRecord: rec, Acks: acks, Transitions: transitions}, nil
}
