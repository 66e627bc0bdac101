package repository

import (
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
)

type TemplateEntity struct {
	ID             int64      `db:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	Name           string     `db:"name"            gorm:"column:name;not null"`
	TriggerEvent   string     `db:"trigger_event"   gorm:"column:trigger_event;not null;index"`
	Body           string     `db:"body"            gorm:"column:body;not null"`
	ChannelEnabled bool       `db:"channel_enabled" gorm:"column:channel_enabled;not null"`
	PayloadKind    string     `db:"payload_kind"    gorm:"column:payload_kind;not null;default:text"`
	Attachment     string     `db:"attachment"      gorm:"column:attachment"`
	AutoDispatch   bool       `db:"auto_dispatch"   gorm:"column:auto_dispatch;not null"`
	DelaySeconds   int64      `db:"delay_seconds"   gorm:"column:delay_seconds;not null;default:0"`
	Active         bool       `db:"active"          gorm:"column:active;not null"`
	UsageCount     int64      `db:"usage_count"     gorm:"column:usage_count;not null;default:0"`
	LastUsedAt     *time.Time `db:"last_used_at"    gorm:"column:last_used_at"`
	CreatedAt      time.Time  `db:"created_at"      gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `db:"updated_at"      gorm:"column:updated_at;autoUpdateTime"`
}

func (TemplateEntity) TableName() string {
	return "followup_templates"
}

func toTemplateEntity(m *model.Template) *TemplateEntity {
	if m == nil {
		return nil
	}
	kind := m.PayloadKind
	if kind == "" {
		kind = model.PayloadText
	}
	return &TemplateEntity{
		ID:             m.ID,
		Name:           m.Name,
		TriggerEvent:   string(m.Trigger),
		Body:           m.Body,
		ChannelEnabled: m.ChannelEnabled,
		PayloadKind:    string(kind),
		Attachment:     m.Attachment,
		AutoDispatch:   m.AutoDispatch,
		DelaySeconds:   int64(m.Delay / time.Second),
		Active:         m.Active,
		UsageCount:     m.UsageCount,
		LastUsedAt:     m.LastUsedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toTemplateModel(e *TemplateEntity) *model.Template {
	if e == nil {
		return nil
	}
	return &model.Template{
		ID:             e.ID,
		Name:           e.Name,
		Trigger:        model.TriggerEvent(e.TriggerEvent),
		Body:           e.Body,
		ChannelEnabled: e.ChannelEnabled,
		PayloadKind:    model.PayloadKind(e.PayloadKind),
		Attachment:     e.Attachment,
		AutoDispatch:   e.AutoDispatch,
		Delay:          time.Duration(e.DelaySeconds) * time.Second,
		Active:         e.Active,
		UsageCount:     e.UsageCount,
		LastUsedAt:     e.LastUsedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func toTemplateModels(entities []*TemplateEntity) []*model.Template {
	models := make([]*model.Template, len(entities))
	for i, e := range entities {
		models[i] = toTemplateModel(e)
	}
	return models
}
