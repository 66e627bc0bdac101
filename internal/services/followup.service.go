package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/repository"
	"github.com/nimasrn/followup-gateway/pkg/logger"
)

var (
	ErrTemplateInactive     = errors.New("template is not active")
	ErrChannelDisabled      = errors.New("template channel is disabled")
	ErrAutoDispatchDisabled = errors.New("template auto dispatch is disabled")
	ErrTriggerMismatch      = errors.New("trigger does not match template")
	ErrNotCancellable       = errors.New("delivery can no longer be cancelled")
	ErrNotFound             = errors.New("error notfound")
	ErrInvalidRequest       = errors.New("invalid request")
)

type DeliveryRepository interface {
	Create(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, error)
	Update(ctx context.Context, id int64, reason string, fn func(rec *model.DeliveryRecord) error) (*model.DeliveryRecord, error)
	GetDetails(ctx context.Context, id int64) (*model.DeliveryDetails, error)
	List(ctx context.Context, f model.DeliveryFilter) ([]*model.DeliveryRecord, int64, error) // results, totalCount
}

type TemplateRepository interface {
	Get(ctx context.Context, id int64) (*model.Template, error)
	ListByTrigger(ctx context.Context, trigger model.TriggerEvent) ([]*model.Template, error)
}

// FollowupService is the scheduler: it turns trigger events and ad-hoc
// requests into pending delivery records. Rendering and sending are left to
// the dispatch workers.
type FollowupService struct {
	deliveryRepo DeliveryRepository
	templateRepo TemplateRepository
	now          func() time.Time
}

func NewFollowupService(deliveryRepo DeliveryRepository, templateRepo TemplateRepository) *FollowupService {
	return &FollowupService{
		deliveryRepo: deliveryRepo,
		templateRepo: templateRepo,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *FollowupService) Schedule(ctx context.Context, p model.ScheduleRequest) (*model.DeliveryRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	recipient, err := model.NormalizeRecipient(p.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	tmpl, err := s.templateRepo.Get(ctx, p.TemplateID)
	if err != nil {
		if errors.Is(err, repository.ErrTemplateNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load template: %w", err)
	}

	trigger := p.Trigger
	if trigger == "" {
		trigger = tmpl.Trigger
	}
	if err := checkSchedulable(tmpl, trigger, p.Manual); err != nil {
		return nil, err
	}

	return s.create(ctx, tmpl, trigger, recipient, p.Variables)
}

// ScheduleForTrigger is the automated path. It schedules one record per
// template of trigger that is active, channel enabled and auto dispatched.
// Other templates are skipped, which is not an error.
func (s *FollowupService) ScheduleForTrigger(ctx context.Context, trigger model.TriggerEvent, recipient string, vars map[string]string) ([]*model.DeliveryRecord, error) {
	if !trigger.Valid() || trigger == model.TriggerManual {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, model.ErrUnknownTrigger)
	}

	normalized, err := model.NormalizeRecipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	templates, err := s.templateRepo.ListByTrigger(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	created := make([]*model.DeliveryRecord, 0, len(templates))
	for _, tmpl := range templates {
		if err := checkSchedulable(tmpl, trigger, false); err != nil {
			logger.Debug("template skipped for trigger",
				"template_id", tmpl.ID, "trigger", trigger, "reason", err)
			continue
		}

		rec, err := s.create(ctx, tmpl, trigger, normalized, vars)
		if err != nil {
			return created, err
		}
		created = append(created, rec)
	}

	logger.Info("trigger scheduled",
		"trigger", trigger, "templates", len(templates), "scheduled", len(created))
	return created, nil
}

// ScheduleAdHoc creates a record without a template. The payload text is
// sent as is.
func (s *FollowupService) ScheduleAdHoc(ctx context.Context, p model.AdHocRequest) (*model.DeliveryRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	recipient, err := model.NormalizeRecipient(p.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := s.now()
	scheduledAt := now
	if p.SendAt != nil && p.SendAt.After(now) {
		scheduledAt = p.SendAt.UTC()
	}

	rec := &model.DeliveryRecord{
		Recipient:   recipient,
		Trigger:     model.TriggerManual,
		PayloadKind: p.Payload.Kind(),
		Attachment:  strings.TrimSpace(p.Payload.Attachment()),
		Body:        p.Payload.Content(),
		Variables:   map[string]string{},
		ScheduledAt: scheduledAt,
		State:       model.StatePending,
		CreatedAt:   now,
	}

	created, err := s.deliveryRepo.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	logger.Info("ad-hoc delivery scheduled",
		"delivery_id", created.ID, "payload_kind", created.PayloadKind, "scheduled_at", created.ScheduledAt)
	return created, nil
}

// Cancel stops a delivery that has not been sent yet. A send already in
// flight completes, but its result is dropped.
func (s *FollowupService) Cancel(ctx context.Context, id int64) (*model.DeliveryRecord, error) {
	rec, err := s.deliveryRepo.Update(ctx, id, "cancelled", func(r *model.DeliveryRecord) error {
		if err := r.Cancel(s.now()); err != nil {
			return ErrNotCancellable
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDeliveryNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	logger.Info("delivery cancelled", "delivery_id", id)
	return rec, nil
}

func (s *FollowupService) Get(ctx context.Context, id int64) (*model.DeliveryDetails, error) {
	details, err := s.deliveryRepo.GetDetails(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrDeliveryNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return details, nil
}

func (s *FollowupService) List(ctx context.Context, f model.DeliveryFilter) ([]*model.DeliveryRecord, int64, error) {
	if f.Recipient != nil && *f.Recipient != "" {
		normalized, err := model.NormalizeRecipient(*f.Recipient)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		f.Recipient = &normalized
	}
	return s.deliveryRepo.List(ctx, f)
}

func (s *FollowupService) create(ctx context.Context, tmpl *model.Template, trigger model.TriggerEvent, recipient string, vars map[string]string) (*model.DeliveryRecord, error) {
	frozen := make(map[string]string, len(vars))
	for k, v := range vars {
		frozen[k] = v
	}

	kind := tmpl.PayloadKind
	if kind == "" {
		kind = model.PayloadText
	}

	now := s.now()
	templateID := tmpl.ID
	rec := &model.DeliveryRecord{
		Recipient:   recipient,
		TemplateID:  &templateID,
		Trigger:     trigger,
		PayloadKind: kind,
		Attachment:  tmpl.Attachment,
		Variables:   frozen,
		ScheduledAt: now.Add(tmpl.Delay),
		State:       model.StatePending,
		CreatedAt:   now,
	}

	created, err := s.deliveryRepo.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	logger.Info("follow-up scheduled",
		"delivery_id", created.ID, "template_id", tmpl.ID, "trigger", trigger, "scheduled_at", created.ScheduledAt)
	return created, nil
}

func checkSchedulable(tmpl *model.Template, trigger model.TriggerEvent, manual bool) error {
	switch {
	case !tmpl.Active:
		return ErrTemplateInactive
	case !tmpl.ChannelEnabled:
		return ErrChannelDisabled
	case tmpl.Trigger != trigger:
		return ErrTriggerMismatch
	case !manual && !tmpl.AutoDispatch:
		return ErrAutoDispatchDisabled
	}
	return nil
}
