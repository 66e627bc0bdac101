package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Ack codes as reported by the chat channel.
const (
	AckError     = -1
	AckServer    = 1
	AckDevice    = 2
	AckRead      = 3
	headerAPIKey = "X-Api-Key"
)

// SendRequest is the body of POST /api/v1/messages/send
type SendRequest struct {
	To         string `json:"to" binding:"required"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	Attachment string `json:"attachment"`
	Reference  string `json:"reference"`
}

type SendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// WebhookEvent is what the mock posts back to the follow-up gateway.
type WebhookEvent struct {
	Event     string `json:"event"`
	MessageID string `json:"messageId,omitempty"`
	Ack       *int   `json:"ack,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type HealthResponse struct {
	Status       string    `json:"status"`
	OperatorID   string    `json:"operator_id"`
	Timestamp    time.Time `json:"timestamp"`
	DeliveryRate float64   `json:"delivery_rate"`
	ReadRate     float64   `json:"read_rate"`
	Connected    bool      `json:"connected"`
}

type Options struct {
	DeliveryRate  float64
	ReadRate      float64
	MinDelay      time.Duration
	MaxDelay      time.Duration
	WebhookURL    string
	WebhookSecret string
	ApiKey        string
}

// MockGateway accepts sends, hands out message ids and reports delivery
// progress through the webhook like the real chat channel does.
type MockGateway struct {
	opts       Options
	operatorID string
	client     *http.Client

	mu        sync.Mutex
	rng       *rand.Rand
	connected bool

	wg sync.WaitGroup
}

func NewMockGateway(opts Options) *MockGateway {
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	return &MockGateway{
		opts:       opts,
		operatorID: "MOCK_GATEWAY_" + uuid.New().String()[:8],
		client:     &http.Client{Timeout: 5 * time.Second},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		connected:  true,
	}
}

func (m *MockGateway) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.opts.MaxDelay - m.opts.MinDelay
	if delta <= 0 {
		return m.opts.MinDelay
	}
	return m.opts.MinDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockGateway) roll(rate float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < rate
}

func (m *MockGateway) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// simulate walks one message through sent, delivered or failed, and maybe read.
func (m *MockGateway) simulate(messageID string) {
	defer m.wg.Done()

	time.Sleep(m.randomDelay())
	m.postAck(messageID, AckServer, "")

	time.Sleep(m.randomDelay())
	if !m.roll(m.opts.DeliveryRate) {
		m.postAck(messageID, AckError, "recipient unreachable")
		return
	}
	m.postAck(messageID, AckDevice, "")

	if m.roll(m.opts.ReadRate) {
		time.Sleep(m.randomDelay())
		m.postAck(messageID, AckRead, "")
	}
}

func (m *MockGateway) postAck(messageID string, code int, reason string) {
	m.post(WebhookEvent{
		Event:     "message_ack",
		MessageID: messageID,
		Ack:       &code,
		Error:     reason,
		Timestamp: time.Now().Unix(),
	})
}

// post delivers one webhook event. Failures are logged, the mock does not
// retry.
func (m *MockGateway) post(ev WebhookEvent) {
	if m.opts.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode webhook event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.WebhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if m.opts.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Secret", m.opts.WebhookSecret)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("event", ev.Event).Str("message_id", ev.MessageID).Msg("Webhook delivery failed")
		return
	}
	_ = resp.Body.Close()

	log.Debug().
		Str("event", ev.Event).
		Str("message_id", ev.MessageID).
		Int("status", resp.StatusCode).
		Msg("Webhook delivered")
}

// SetConnected flips the channel session and announces it.
func (m *MockGateway) SetConnected(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.mu.Unlock()

	if !changed {
		return
	}
	if connected {
		m.post(WebhookEvent{Event: "ready", Timestamp: time.Now().Unix()})
		return
	}
	m.post(WebhookEvent{Event: "disconnected", Reason: "session closed", Timestamp: time.Now().Unix()})
}

// AnnounceReady posts the session ready event, done once on start.
func (m *MockGateway) AnnounceReady() {
	m.post(WebhookEvent{Event: "ready", Timestamp: time.Now().Unix()})
}

// Wait blocks until every running simulation has posted its last ack.
func (m *MockGateway) Wait() {
	m.wg.Wait()
}

type Handler struct {
	gateway *MockGateway
}

func NewHandler(gateway *MockGateway) *Handler {
	return &Handler{gateway: gateway}
}

func (h *Handler) Send(c *gin.Context) {
	if key := h.gateway.opts.ApiKey; key != "" && c.GetHeader(headerAPIKey) != key {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}
	if !strings.HasPrefix(req.To, "+") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recipient must be in international format"})
		return
	}
	if req.Type == "" || req.Type == "text" {
		if strings.TrimSpace(req.Content) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
			return
		}
	} else if req.Attachment == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attachment is required"})
		return
	}
	if !h.gateway.isConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session not connected"})
		return
	}

	messageID := uuid.NewString()
	log.Info().
		Str("message_id", messageID).
		Str("to", req.To).
		Str("type", req.Type).
		Str("reference", req.Reference).
		Msg("Message accepted")

	h.gateway.wg.Add(1)
	go h.gateway.simulate(messageID)

	c.JSON(http.StatusCreated, SendResponse{MessageID: messageID, Status: "queued"})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	h.gateway.mu.Lock()
	connected := h.gateway.connected
	deliveryRate, readRate := h.gateway.opts.DeliveryRate, h.gateway.opts.ReadRate
	h.gateway.mu.Unlock()

	status, code := "healthy", http.StatusOK
	if !connected {
		status, code = "disconnected", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:       status,
		OperatorID:   h.gateway.operatorID,
		Timestamp:    time.Now(),
		DeliveryRate: deliveryRate,
		ReadRate:     readRate,
		Connected:    connected,
	})
}

// UpdateConfig changes the simulation at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		DeliveryRate *float64 `json:"delivery_rate"`
		ReadRate     *float64 `json:"read_rate"`
		Connected    *bool    `json:"connected"`
	}
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	h.gateway.mu.Lock()
	if config.DeliveryRate != nil && *config.DeliveryRate >= 0 && *config.DeliveryRate <= 1.0 {
		h.gateway.opts.DeliveryRate = *config.DeliveryRate
	}
	if config.ReadRate != nil && *config.ReadRate >= 0 && *config.ReadRate <= 1.0 {
		h.gateway.opts.ReadRate = *config.ReadRate
	}
	rates := gin.H{"delivery_rate": h.gateway.opts.DeliveryRate, "read_rate": h.gateway.opts.ReadRate}
	h.gateway.mu.Unlock()

	if config.Connected != nil {
		h.gateway.SetConnected(*config.Connected)
	}
	log.Info().Interface("config", rates).Msg("Configuration updated")

	rates["connected"] = h.gateway.isConnected()
	c.JSON(http.StatusOK, rates)
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/messages/send", handler.Send)
		v1.PUT("/config", handler.UpdateConfig)
	}
	router.GET("/health", handler.HealthCheck)

	return router
}
