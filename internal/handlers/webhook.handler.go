package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/session"
	xhttp "github.com/nimasrn/followup-gateway/pkg/http"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/prom"
)

const HeaderWebhookSecret = "X-Webhook-Secret"

const (
	EventMessageAck   = "message_ack"
	EventMessage      = "message"
	EventQR           = "qr"
	EventReady        = "ready"
	EventDisconnected = "disconnected"
)

type AckPublisher interface {
	PublishAck(ctx context.Context, ev *model.AckEvent) (string, error)
}

type SessionRecorder interface {
	Record(ctx context.Context, status session.Status, reason string, at time.Time) error
}

type WebhookHandler struct {
	acks     AckPublisher
	sessions SessionRecorder
	secret   []byte
}

// RegisterWebhookRoutes expects the group mounted at /webhooks.
func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/gateway", h.ReceiveEvent)
}

// NewWebhookHandler builds the gateway callback endpoint. An empty secret
// disables the header check.
func NewWebhookHandler(acks AckPublisher, sessions SessionRecorder, secret string) *WebhookHandler {
	return &WebhookHandler{
		acks:     acks,
		sessions: sessions,
		secret:   []byte(secret),
	}
}

type webhookEvent struct {
	Event     string `json:"event"`
	MessageID string `json:"messageId"`
	Ack       *int   `json:"ack"`
	ID        string `json:"id"`
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

func (e webhookEvent) at() time.Time {
	if e.Timestamp > 0 {
		return time.Unix(e.Timestamp, 0).UTC()
	}
	return time.Now().UTC()
}

var okResponse = map[string]string{"status": "ok"}

// ReceiveEvent answers 200 for everything it could read, including events it
// ignores. The gateway retries non-2xx responses, which must only happen
// when the ack could not be queued.
func (h *WebhookHandler) ReceiveEvent(ctx *xhttp.RequestCtx) {
	if !h.authorized(ctx) {
		prom.IncWebhookEvent("unauthorized")
		xhttp.WriteError(ctx, xhttp.StatusUnauthorized, "unauthorized")
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(ctx.PostBody(), &ev); err != nil {
		logger.Warn("malformed webhook payload", "error", err, "size", len(ctx.PostBody()))
		prom.IncWebhookEvent("malformed")
		xhttp.WriteJSON(ctx, xhttp.StatusOK, okResponse)
		return
	}
	switch ev.Event {
	case EventMessageAck, EventMessage, EventQR, EventReady, EventDisconnected:
		prom.IncWebhookEvent(ev.Event)
	default:
		prom.IncWebhookEvent("other")
	}

	switch ev.Event {
	case EventMessageAck:
		if err := h.handleAck(ctx, ev, string(ctx.PostBody())); err != nil {
			logger.Error("failed to queue ack", "external_id", ev.MessageID, "error", err)
			xhttp.WriteError(ctx, xhttp.StatusServiceUnavailable, "ack not accepted")
			return
		}
	case EventReady, EventDisconnected, EventQR:
		reason := ev.Reason
		if reason == "" {
			reason = ev.Error
		}
		if err := h.sessions.Record(ctx, session.Status(ev.Event), reason, ev.at()); err != nil {
			logger.Warn("failed to record session status", "event", ev.Event, "error", err)
		}
	case EventMessage:
		logger.Debug("inbound chat message ignored", "id", ev.ID)
	default:
		logger.Debug("unknown webhook event ignored", "event", ev.Event)
	}

	xhttp.WriteJSON(ctx, xhttp.StatusOK, okResponse)
}

func (h *WebhookHandler) handleAck(ctx context.Context, ev webhookEvent, raw string) error {
	if ev.MessageID == "" || ev.Ack == nil {
		logger.Warn("ack without message id or code discarded", "external_id", ev.MessageID)
		return nil
	}
	kind, ok := model.AckKindFromCode(*ev.Ack)
	if !ok {
		logger.Warn("unknown ack code discarded", "external_id", ev.MessageID, "code", *ev.Ack)
		return nil
	}

	_, err := h.acks.PublishAck(ctx, &model.AckEvent{
		ExternalMessageID: ev.MessageID,
		Kind:              kind,
		Code:              *ev.Ack,
		DedupeKey:         fmt.Sprintf("%s:%d", ev.MessageID, *ev.Ack),
		Reason:            ev.Error,
		Raw:               raw,
		ReceivedAt:        ev.at(),
	})
	return err
}

func (h *WebhookHandler) authorized(ctx *xhttp.RequestCtx) bool {
	if len(h.secret) == 0 {
		return true
	}
	got := ctx.Request.Header.Peek(HeaderWebhookSecret)
	return subtle.ConstantTimeCompare(got, h.secret) == 1
}
