package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/pkg/pg"
	"gorm.io/gorm"
)

var ErrTemplateNotFound = errors.New("template not found")

type TemplateRepository struct {
	*pg.DB
}

func NewTemplateRepository(db *pg.DB) *TemplateRepository {
	return &TemplateRepository{
		db,
	}
}

func (r *TemplateRepository) Create(ctx context.Context, t *model.Template) (*model.Template, error) {
	entity := toTemplateEntity(t)
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toTemplateModel(entity), nil
}

// Save overwrites the editable fields of a template. Usage counters are kept.
func (r *TemplateRepository) Save(ctx context.Context, t *model.Template) error {
	entity := toTemplateEntity(t)
	result := r.Write(ctx).
		Model(&TemplateEntity{}).
		Where("id = ?", t.ID).
		Updates(map[string]interface{}{
			"name":            entity.Name,
			"trigger_event":   entity.TriggerEvent,
			"body":            entity.Body,
			"channel_enabled": entity.ChannelEnabled,
			"payload_kind":    entity.PayloadKind,
			"attachment":      entity.Attachment,
			"auto_dispatch":   entity.AutoDispatch,
			"delay_seconds":   entity.DelaySeconds,
			"active":          entity.Active,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (r *TemplateRepository) Get(ctx context.Context, id int64) (*model.Template, error) {
	var entity TemplateEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return toTemplateModel(&entity), nil
}

// ListByTrigger returns every template bound to trigger, ordered by id.
func (r *TemplateRepository) ListByTrigger(ctx context.Context, trigger model.TriggerEvent) ([]*model.Template, error) {
	var entities []*TemplateEntity
	err := r.Read(ctx).
		Where("trigger_event = ?", string(trigger)).
		Order("id ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toTemplateModels(entities), nil
}

func (r *TemplateRepository) IncrementUsage(ctx context.Context, id int64, at time.Time) error {
	result := r.Write(ctx).
		Model(&TemplateEntity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + ?", 1),
			"last_used_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
