package repository

import (
	"encoding/json"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/pkg/errors"
)

type DeliveryEntity struct {
	ID                int64      `db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	Recipient         string     `db:"recipient"           gorm:"column:recipient;not null;index"`
	TemplateID        *int64     `db:"template_id"         gorm:"column:template_id;index"`
	TriggerEvent      string     `db:"trigger_event"       gorm:"column:trigger_event;not null"`
	PayloadKind       string     `db:"payload_kind"        gorm:"column:payload_kind;not null"`
	Attachment        string     `db:"attachment"          gorm:"column:attachment"`
	Body              string     `db:"body"                gorm:"column:body"`
	Variables         string     `db:"variables"           gorm:"column:variables;not null"`
	RenderedContent   string     `db:"rendered_content"    gorm:"column:rendered_content"`
	RenderedAt        *time.Time `db:"rendered_at"         gorm:"column:rendered_at"`
	ScheduledAt       time.Time  `db:"scheduled_at"        gorm:"column:scheduled_at;not null;index:idx_delivery_due,priority:2"`
	State             string     `db:"state"               gorm:"column:state;not null;index:idx_delivery_due,priority:1"`
	Retryable         bool       `db:"retryable"           gorm:"column:retryable;not null;default:false"`
	NextAttemptAt     *time.Time `db:"next_attempt_at"     gorm:"column:next_attempt_at"`
	RetryCount        int        `db:"retry_count"         gorm:"column:retry_count;not null;default:0"`
	LastError         string     `db:"last_error"          gorm:"column:last_error"`
	ExternalMessageID *string    `db:"external_message_id" gorm:"column:external_message_id;uniqueIndex"`
	ClaimedBy         string     `db:"claimed_by"          gorm:"column:claimed_by"`
	ClaimExpiresAt    *time.Time `db:"claim_expires_at"    gorm:"column:claim_expires_at"`
	Version           int64      `db:"version"             gorm:"column:version;not null;default:0"`
	SentAt            *time.Time `db:"sent_at"             gorm:"column:sent_at"`
	DeliveredAt       *time.Time `db:"delivered_at"        gorm:"column:delivered_at"`
	ReadAt            *time.Time `db:"read_at"             gorm:"column:read_at"`
	FailedAt          *time.Time `db:"failed_at"           gorm:"column:failed_at"`
	CancelledAt       *time.Time `db:"cancelled_at"        gorm:"column:cancelled_at"`
	CreatedAt         time.Time  `db:"created_at"          gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `db:"updated_at"          gorm:"column:updated_at;autoUpdateTime"`
}

func (DeliveryEntity) TableName() string {
	return "delivery_records"
}

// columns lists the mutable columns written by Update. Identity, creation
// time and the immutable snapshot fields are left out.
func (e *DeliveryEntity) columns() map[string]interface{} {
	return map[string]interface{}{
		"rendered_content":    e.RenderedContent,
		"rendered_at":         e.RenderedAt,
		"state":               e.State,
		"retryable":           e.Retryable,
		"next_attempt_at":     e.NextAttemptAt,
		"retry_count":         e.RetryCount,
		"last_error":          e.LastError,
		"external_message_id": e.ExternalMessageID,
		"claimed_by":          e.ClaimedBy,
		"claim_expires_at":    e.ClaimExpiresAt,
		"version":             e.Version,
		"sent_at":             e.SentAt,
		"delivered_at":        e.DeliveredAt,
		"read_at":             e.ReadAt,
		"failed_at":           e.FailedAt,
		"cancelled_at":        e.CancelledAt,
		"updated_at":          e.UpdatedAt,
	}
}

func toDeliveryEntity(m *model.DeliveryRecord) (*DeliveryEntity, error) {
	if m == nil {
		return nil, nil
	}
	vars := m.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return nil, errors.Wrap(err, "encode variables")
	}
	return &DeliveryEntity{
		ID:                m.ID,
		Recipient:         m.Recipient,
		TemplateID:        m.TemplateID,
		TriggerEvent:      string(m.Trigger),
		PayloadKind:       string(m.PayloadKind),
		Attachment:        m.Attachment,
		Body:              m.Body,
		Variables:         string(raw),
		RenderedContent:   m.RenderedContent,
		RenderedAt:        m.RenderedAt,
		ScheduledAt:       m.ScheduledAt,
		State:             string(m.State),
		Retryable:         m.Retryable,
		NextAttemptAt:     m.NextAttemptAt,
		RetryCount:        m.RetryCount,
		LastError:         m.LastError,
		ExternalMessageID: m.ExternalMessageID,
		ClaimedBy:         m.ClaimedBy,
		ClaimExpiresAt:    m.ClaimExpiresAt,
		Version:           m.Version,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		FailedAt:          m.FailedAt,
		CancelledAt:       m.CancelledAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func toDeliveryModel(e *DeliveryEntity) (*model.DeliveryRecord, error) {
	if e == nil {
		return nil, nil
	}
	vars := map[string]string{}
	if e.Variables != "" {
		if err := json.Unmarshal([]byte(e.Variables), &vars); err != nil {
			return nil, errors.Wrapf(err, "decode variables of delivery %d", e.ID)
		}
	}
	return &model.DeliveryRecord{
		ID:                e.ID,
		Recipient:         e.Recipient,
		TemplateID:        e.TemplateID,
		Trigger:           model.TriggerEvent(e.TriggerEvent),
		PayloadKind:       model.PayloadKind(e.PayloadKind),
		Attachment:        e.Attachment,
		Body:              e.Body,
		Variables:         vars,
		RenderedContent:   e.RenderedContent,
		RenderedAt:        e.RenderedAt,
		ScheduledAt:       e.ScheduledAt,
		State:             model.DeliveryState(e.State),
		Retryable:         e.Retryable,
		NextAttemptAt:     e.NextAttemptAt,
		RetryCount:        e.RetryCount,
		LastError:         e.LastError,
		ExternalMessageID: e.ExternalMessageID,
		ClaimedBy:         e.ClaimedBy,
		ClaimExpiresAt:    e.ClaimExpiresAt,
		Version:           e.Version,
		SentAt:            e.SentAt,
		DeliveredAt:       e.DeliveredAt,
		ReadAt:            e.ReadAt,
		FailedAt:          e.FailedAt,
		CancelledAt:       e.CancelledAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}, nil
}

func toDeliveryModels(entities []*DeliveryEntity) ([]*model.DeliveryRecord, error) {
	models := make([]*model.DeliveryRecord, len(entities))
	for i, e := range entities {
		m, err := toDeliveryModel(e)
		if err != nil {
			return nil, err
		}
		models[i] = m
	}
	return models, nil
}

type AckEntity struct {
	ID                int64     `db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	DeliveryID        int64     `db:"delivery_id"         gorm:"column:delivery_id;not null;index"`
	ExternalMessageID string    `db:"external_message_id" gorm:"column:external_message_id;not null"`
	Kind              string    `db:"kind"                gorm:"column:kind;not null"`
	Code              int       `db:"code"                gorm:"column:code;not null"`
	DedupeKey         string    `db:"dedupe_key"          gorm:"column:dedupe_key"`
	Raw               string    `db:"raw"                 gorm:"column:raw"`
	ReceivedAt        time.Time `db:"received_at"         gorm:"column:received_at;not null"`
}

func (AckEntity) TableName() string {
	return "delivery_acks"
}

func toAckEntity(m *model.AckRecord) *AckEntity {
	return &AckEntity{
		ID:                m.ID,
		DeliveryID:        m.DeliveryID,
		ExternalMessageID: m.ExternalMessageID,
		Kind:              string(m.Kind),
		Code:              m.Code,
		DedupeKey:         m.DedupeKey,
		Raw:               m.Raw,
		ReceivedAt:        m.ReceivedAt,
	}
}

func toAckModel(e *AckEntity) *model.AckRecord {
	return &model.AckRecord{
		ID:                e.ID,
		DeliveryID:        e.DeliveryID,
		ExternalMessageID: e.ExternalMessageID,
		Kind:              model.AckKind(e.Kind),
		Code:              e.Code,
		DedupeKey:         e.DedupeKey,
		Raw:               e.Raw,
		ReceivedAt:        e.ReceivedAt,
	}
}

type TransitionEntity struct {
	ID         int64     `db:"id"          gorm:"primaryKey;autoIncrement;column:id"`
	DeliveryID int64     `db:"delivery_id" gorm:"column:delivery_id;not null;index"`
	FromState  string    `db:"from_state"  gorm:"column:from_state;not null"`
	ToState    string    `db:"to_state"    gorm:"column:to_state;not null"`
	Retryable  bool      `db:"retryable"   gorm:"column:retryable;not null;default:false"`
	Reason     string    `db:"reason"      gorm:"column:reason"`
	At         time.Time `db:"at"          gorm:"column:at;not null"`
}

func (TransitionEntity) TableName() string {
	return "delivery_transitions"
}

func toTransitionModel(e *TransitionEntity) *model.Transition {
	return &model.Transition{
		ID:         e.ID,
		DeliveryID: e.DeliveryID,
		From:       model.DeliveryState(e.FromState),
		To:         model.DeliveryState(e.ToState),
		Retryable:  e.Retryable,
		Reason:     e.Reason,
		At:         e.At,
	}
}
