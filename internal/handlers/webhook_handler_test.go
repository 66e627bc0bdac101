package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAckPublisher struct {
	mock.Mock
}

func (m *MockAckPublisher) PublishAck(ctx context.Context, ev *model.AckEvent) (string, error) {
	args := m.Called(ctx, ev)
	return args.String(0), args.Error(1)
}

type MockSessionRecorder struct {
	mock.Mock
}

func (m *MockSessionRecorder) Record(ctx context.Context, status session.Status, reason string, at time.Time) error {
	args := m.Called(ctx, status, reason, at)
	return args.Error(0)
}

func assertOK(t *testing.T, status int, body []byte) {
	t.Helper()
	assert.Equal(t, 200, status)
	var response map[string]string
	require.NoError(t, json.Unmarshal(body, &response))
	assert.Equal(t, "ok", response["status"])
}

func TestWebhookHandler_MessageAck(t *testing.T) {
	acks := new(MockAckPublisher)
	sessions := new(MockSessionRecorder)
	handler := NewWebhookHandler(acks, sessions, "")

	body := `{"event":"message_ack","messageId":"ext-1","ack":3,"timestamp":1767225600}`
	acks.On("PublishAck", mock.Anything, mock.MatchedBy(func(ev *model.AckEvent) bool {
		return ev.ExternalMessageID == "ext-1" &&
			ev.Kind == model.AckRead &&
			ev.Code == 3 &&
			ev.DedupeKey == "ext-1:3" &&
			ev.Raw == body &&
			ev.ReceivedAt.Equal(time.Unix(1767225600, 0))
	})).Return("1-0", nil).Once()

	ctx := setupTestContext("POST", "/webhooks/gateway", []byte(body))
	handler.ReceiveEvent(ctx)

	assertOK(t, ctx.Response.StatusCode(), ctx.Response.Body())
	acks.AssertExpectations(t)
	sessions.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookHandler_FailedAckCarriesReason(t *testing.T) {
	acks := new(MockAckPublisher)
	handler := NewWebhookHandler(acks, new(MockSessionRecorder), "")

	acks.On("PublishAck", mock.Anything, mock.MatchedBy(func(ev *model.AckEvent) bool {
		return ev.Kind == model.AckFailed && ev.Reason == "number not on channel"
	})).Return("1-0", nil).Once()

	ctx := setupTestContext("POST", "/webhooks/gateway",
		[]byte(`{"event":"message_ack","messageId":"ext-2","ack":-1,"error":"number not on channel"}`))
	handler.ReceiveEvent(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())
	acks.AssertExpectations(t)
}

func TestWebhookHandler_DiscardsUnusableEvents(t *testing.T) {
	bodies := map[string]string{
		"malformed":        `{"event":`,
		"empty":            ``,
		"missing ack code": `{"event":"message_ack","messageId":"ext-1"}`,
		"missing id":       `{"event":"message_ack","ack":2}`,
		"unknown ack code": `{"event":"message_ack","messageId":"ext-1","ack":9}`,
		"inbound message":  `{"event":"message","id":"in-1"}`,
		"unknown event":    `{"event":"call"}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			acks := new(MockAckPublisher)
			sessions := new(MockSessionRecorder)
			handler := NewWebhookHandler(acks, sessions, "")

			ctx := setupTestContext("POST", "/webhooks/gateway", []byte(body))
			handler.ReceiveEvent(ctx)

			assertOK(t, ctx.Response.StatusCode(), ctx.Response.Body())
			acks.AssertNotCalled(t, "PublishAck", mock.Anything, mock.Anything)
			sessions.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestWebhookHandler_SessionEvents(t *testing.T) {
	tests := []struct {
		body   string
		status session.Status
		reason string
	}{
		{`{"event":"ready"}`, session.StatusReady, ""},
		{`{"event":"disconnected","reason":"logged out"}`, session.StatusDisconnected, "logged out"},
		{`{"event":"qr"}`, session.StatusQR, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			sessions := new(MockSessionRecorder)
			handler := NewWebhookHandler(new(MockAckPublisher), sessions, "")
			sessions.On("Record", mock.Anything, tt.status, tt.reason, mock.AnythingOfType("time.Time")).Return(nil).Once()

			ctx := setupTestContext("POST", "/webhooks/gateway", []byte(tt.body))
			handler.ReceiveEvent(ctx)

			assert.Equal(t, 200, ctx.Response.StatusCode())
			sessions.AssertExpectations(t)
		})
	}

	t.Run("store failure is not surfaced", func(t *testing.T) {
		sessions := new(MockSessionRecorder)
		handler := NewWebhookHandler(new(MockAckPublisher), sessions, "")
		sessions.On("Record", mock.Anything, session.StatusReady, "", mock.Anything).Return(errors.New("redis down"))

		ctx := setupTestContext("POST", "/webhooks/gateway", []byte(`{"event":"ready"}`))
		handler.ReceiveEvent(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
	})
}

func TestWebhookHandler_Secret(t *testing.T) {
	acks := new(MockAckPublisher)
	handler := NewWebhookHandler(acks, new(MockSessionRecorder), "s3cret")
	body := []byte(`{"event":"message_ack","messageId":"ext-1","ack":2}`)

	t.Run("missing header", func(t *testing.T) {
		ctx := setupTestContext("POST", "/webhooks/gateway", body)
		handler.ReceiveEvent(ctx)

		assert.Equal(t, 401, ctx.Response.StatusCode())
		acks.AssertNotCalled(t, "PublishAck", mock.Anything, mock.Anything)
	})

	t.Run("wrong secret", func(t *testing.T) {
		ctx := setupTestContext("POST", "/webhooks/gateway", body)
		ctx.Request.Header.Set(HeaderWebhookSecret, "s3cret-not")
		handler.ReceiveEvent(ctx)

		assert.Equal(t, 401, ctx.Response.StatusCode())
	})

	t.Run("matching secret", func(t *testing.T) {
		acks.On("PublishAck", mock.Anything, mock.Anything).Return("1-0", nil).Once()

		ctx := setupTestContext("POST", "/webhooks/gateway", body)
		ctx.Request.Header.Set(HeaderWebhookSecret, "s3cret")
		handler.ReceiveEvent(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		acks.AssertExpectations(t)
	})
}

func TestWebhookHandler_QueueUnavailable(t *testing.T) {
	acks := new(MockAckPublisher)
	handler := NewWebhookHandler(acks, new(MockSessionRecorder), "")
	acks.On("PublishAck", mock.Anything, mock.Anything).Return("", errors.New("redis down"))

	ctx := setupTestContext("POST", "/webhooks/gateway", []byte(`{"event":"message_ack","messageId":"ext-1","ack":2}`))
	handler.ReceiveEvent(ctx)

	assert.Equal(t, 503, ctx.Response.StatusCode())
}

type stubHealth struct {
	deps map[string]string
	err  error
}

func (s stubHealth) Check(context.Context) (map[string]string, error) { return s.deps, s.err }

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler(stubHealth{deps: map[string]string{"postgres": "up"}})
	ctx := setupTestContext("GET", "/health", nil)
	handler.GetHealth(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())

	handler = NewHealthHandler(stubHealth{deps: map[string]string{"redis": "down"}, err: errors.New("redis: down")})
	ctx = setupTestContext("GET", "/health", nil)
	handler.GetHealth(ctx)
	assert.Equal(t, 503, ctx.Response.StatusCode())

	var response healthResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
	assert.Equal(t, "unhealthy", response.Status)
	assert.Equal(t, "down", response.Dependencies["redis"])
}
