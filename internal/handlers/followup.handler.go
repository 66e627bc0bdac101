package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/services"
	xhttp "github.com/nimasrn/followup-gateway/pkg/http"
	"github.com/nimasrn/followup-gateway/pkg/logger"
)

type FollowupService interface {
	Schedule(ctx context.Context, p model.ScheduleRequest) (*model.DeliveryRecord, error)
	ScheduleForTrigger(ctx context.Context, trigger model.TriggerEvent, recipient string, vars map[string]string) ([]*model.DeliveryRecord, error)
	ScheduleAdHoc(ctx context.Context, p model.AdHocRequest) (*model.DeliveryRecord, error)
	Cancel(ctx context.Context, id int64) (*model.DeliveryRecord, error)
	Get(ctx context.Context, id int64) (*model.DeliveryDetails, error)
	List(ctx context.Context, f model.DeliveryFilter) ([]*model.DeliveryRecord, int64, error)
}

type FollowupHandler struct {
	svc FollowupService
}

func RegisterFollowupRoutes(e *router.Group, h *FollowupHandler) {
	e.POST("/followups", h.ScheduleFollowup)
	e.POST("/followups/adhoc", h.ScheduleAdHoc)
	e.POST("/followups/{id}/cancel", h.CancelFollowup)
	e.GET("/followups/{id}", h.GetFollowup)
	e.GET("/followups", h.ListFollowups)
	e.POST("/triggers", h.FireTrigger)
}

func NewFollowupHandler(svc FollowupService) *FollowupHandler {
	return &FollowupHandler{
		svc: svc,
	}
}

type adHocRequest struct {
	Recipient  string            `json:"recipient"`
	Kind       model.PayloadKind `json:"kind"`
	Content    string            `json:"content"`
	Attachment string            `json:"attachment"`
	SendAt     *time.Time        `json:"send_at"`
}

type triggerRequest struct {
	Trigger   model.TriggerEvent `json:"trigger"`
	Recipient string             `json:"recipient"`
	Variables map[string]string  `json:"variables"`
}

type listResponse struct {
	Items []*model.DeliveryRecord `json:"items"`
	Total int64                   `json:"total"`
}

func (h *FollowupHandler) ScheduleFollowup(ctx *xhttp.RequestCtx) {
	var req model.ScheduleRequest
	if err := xhttp.ReadJSON(ctx, &req); err != nil {
		xhttp.WriteError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.svc.Schedule(ctx, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	xhttp.WriteJSON(ctx, xhttp.StatusCreated, rec)
}

func (h *FollowupHandler) ScheduleAdHoc(ctx *xhttp.RequestCtx) {
	var req adHocRequest
	if err := xhttp.ReadJSON(ctx, &req); err != nil {
		xhttp.WriteError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	payload, err := model.NewPayload(req.Kind, req.Content, req.Attachment)
	if err != nil {
		xhttp.WriteError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.svc.ScheduleAdHoc(ctx, model.AdHocRequest{
		Recipient: req.Recipient,
		Payload:   payload,
		SendAt:    req.SendAt,
	})
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	xhttp.WriteJSON(ctx, xhttp.StatusCreated, rec)
}

// FireTrigger is the synchronous entry for business events. The response
// lists the records scheduled for it, which may be none.
func (h *FollowupHandler) FireTrigger(ctx *xhttp.RequestCtx) {
	var req triggerRequest
	if err := xhttp.ReadJSON(ctx, &req); err != nil {
		xhttp.WriteError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	recs, err := h.svc.ScheduleForTrigger(ctx, req.Trigger, req.Recipient, req.Variables)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	xhttp.WriteJSON(ctx, xhttp.StatusAccepted, listResponse{Items: recs, Total: int64(len(recs))})
}

func (h *FollowupHandler) CancelFollowup(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		xhttp.WriteError(ctx, xhttp.StatusBadRequest, "invalid id")
		return
	}

	rec, err := h.svc.Cancel(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	xhttp.WriteJSON(ctx, xhttp.StatusOK, rec)
}

func (h *FollowupHandler) GetFollowup(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		xhttp.WriteError(ctx, xhttp.StatusBadRequest, "invalid id")
		return
	}

	details, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	xhttp.WriteJSON(ctx, xhttp.StatusOK, details)
}

func (h *FollowupHandler) ListFollowups(ctx *xhttp.RequestCtx) {
	f, err := parseFilter(ctx)
	if err != nil {
		xhttp.WriteError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	xhttp.WriteJSON(ctx, xhttp.StatusOK, listResponse{Items: items, Total: total})
}

func parseFilter(ctx *xhttp.RequestCtx) (model.DeliveryFilter, error) {
	var f model.DeliveryFilter

	if v := query(ctx, "state"); v != "" {
		states, err := model.ParseStates(splitList(v))
		if err != nil {
			return f, err
		}
		f.States = states
	}
	if v := query(ctx, "recipient"); v != "" {
		f.Recipient = &v
	}
	if v := query(ctx, "template_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid template_id")
		}
		f.TemplateID = &id
	}
	if v := query(ctx, "trigger"); v != "" {
		trigger := model.TriggerEvent(v)
		if !trigger.Valid() {
			return f, model.ErrUnknownTrigger
		}
		f.Trigger = &trigger
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}
	return f, nil
}

func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		xhttp.WriteError(ctx, xhttp.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFound):
		xhttp.WriteError(ctx, xhttp.StatusNotFound, "not found")
	case errors.Is(err, services.ErrNotCancellable):
		xhttp.WriteError(ctx, xhttp.StatusConflict, err.Error())
	case errors.Is(err, services.ErrTemplateInactive),
		errors.Is(err, services.ErrChannelDisabled),
		errors.Is(err, services.ErrAutoDispatchDisabled),
		errors.Is(err, services.ErrTriggerMismatch):
		xhttp.WriteError(ctx, xhttp.StatusUnprocessableEntity, err.Error())
	default:
		logger.Error("follow-up request failed", "path", string(ctx.Path()), "error", err)
		xhttp.WriteError(ctx, xhttp.StatusInternalServerError, "internal error")
	}
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, _ := ctx.UserValue(name).(string)
	return strconv.ParseInt(v, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
