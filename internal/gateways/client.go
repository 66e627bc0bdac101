package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/prom"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

var (
	ErrNoAvailableProviders = errors.New("no available providers")
	// ErrRejected marks a send the gateway refused for good. Retrying the
	// same request cannot succeed.
	ErrRejected        = errors.New("gateway rejected message")
	ErrInvalidResponse = errors.New("invalid gateway response")
)

const sendPath = "/api/v1/messages/send"

type SendRequest struct {
	Recipient  string `json:"to"`
	Kind       string `json:"type"`
	Content    string `json:"content,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	Reference  string `json:"reference,omitempty"`
}

type SendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// StatusError is returned for any non-success HTTP status.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway %s answered %d: %s", e.Provider, e.Code, e.Body)
}

func (e *StatusError) Permanent() bool {
	if e.Code == fasthttp.StatusRequestTimeout || e.Code == fasthttp.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

func (e *StatusError) Unwrap() error {
	if e.Permanent() {
		return ErrRejected
	}
	return nil
}

// IsPermanent reports whether a Send error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrInvalidResponse)
}

type Config struct {
	Providers               []ProviderConfig
	Timeout                 time.Duration
	ApiKey                  string
	RateLimit               float64
	RateBurst               int
	MaxConns                int
	ReadBufferSize          int
	WriteBufferSize         int
	HealthCheckInterval     time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	// Dial overrides the network dialer, tests use an in-memory listener.
	Dial fasthttp.DialFunc
}

type ProviderConfig struct {
	Name     string
	URL      string
	Priority int // lower is preferred
}

type Client struct {
	config    *Config
	providers []*Provider
	limiter   *rate.Limiter
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if len(config.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = 30 * time.Second
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	client := &Client{
		config:    config,
		providers: make([]*Provider, 0, len(config.Providers)),
		limiter:   rate.NewLimiter(limit, burst),
		stopCh:    make(chan struct{}),
	}

	for _, pc := range config.Providers {
		if pc.URL == "" {
			return nil, fmt.Errorf("provider %q has no url", pc.Name)
		}
		httpClient := &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
			Dial:                config.Dial,
		}
		client.providers = append(client.providers, NewProvider(pc.Name, pc.URL, pc.Priority, httpClient))
		logger.Info("gateway provider initialized", "name", pc.Name, "url", pc.URL, "priority", pc.Priority)
	}
	sort.SliceStable(client.providers, func(i, j int) bool {
		return client.providers[i].priority < client.providers[j].priority
	})

	if config.HealthCheckInterval > 0 {
		client.wg.Add(1)
		go client.healthChecker()
	}

	return client, nil
}

// SelectProvider returns the preferred provider that is currently available.
func (c *Client) SelectProvider() (*Provider, error) {
	for _, p := range c.providers {
		if p.IsAvailable() {
			return p, nil
		}
	}
	return nil, ErrNoAvailableProviders
}

// Send performs exactly one HTTP attempt against one provider. Failover
// happens across calls through the circuit breaker, never inside a call, so
// a timed out request is not repeated behind the caller's back.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if req == nil || req.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrRejected)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	provider, err := c.SelectProvider()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	raw, err := c.doRequest(ctx, provider, fasthttp.MethodPost, sendPath, body)
	latency := time.Since(start)

	var statusErr *StatusError
	switch {
	case err == nil:
		provider.metrics.RecordSuccess(latency.Milliseconds())
	case errors.As(err, &statusErr) && statusErr.Permanent():
		// the provider answered, it is healthy
		provider.metrics.RecordSuccess(latency.Milliseconds())
		prom.AddSendDuration(latency.Seconds(), provider.name, "rejected")
		return nil, err
	default:
		provider.metrics.RecordFailure()
		c.checkCircuitBreaker(provider)
		prom.AddSendDuration(latency.Seconds(), provider.name, "error")
		return nil, err
	}

	var resp SendResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message_id", ErrInvalidResponse)
	}
	prom.AddSendDuration(latency.Seconds(), provider.name, "ok")

	logger.Debug("message accepted by gateway",
		"reference", req.Reference, "external_id", resp.MessageID, "provider", provider.name, "latency_ms", latency.Milliseconds())

	return &resp, nil
}

func (c *Client) doRequest(ctx context.Context, provider *Provider, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(provider.url + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if c.config.ApiKey != "" {
		req.Header.Set("X-Api-Key", c.config.ApiKey)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := provider.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", provider.name, err)
	}

	code := resp.StatusCode()
	if code != fasthttp.StatusOK && code != fasthttp.StatusCreated && code != fasthttp.StatusAccepted {
		return nil, &StatusError{Provider: provider.name, Code: code, Body: string(resp.Body())}
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return result, nil
}

func (c *Client) checkCircuitBreaker(provider *Provider) {
	fails := provider.metrics.ConsecutiveFails.Load()
	if fails >= int32(c.config.CircuitBreakerThreshold) {
		provider.openCircuit(c.config.CircuitBreakerTimeout)
		logger.Warn("circuit breaker opened",
			"provider", provider.name, "consecutive_fails", fails, "timeout", c.config.CircuitBreakerTimeout)
	}
}

func (c *Client) healthChecker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.performHealthChecks()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) performHealthChecks() {
	for _, p := range c.providers {
		if p.GetState() == StateCircuitOpen {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := c.doRequest(ctx, p, fasthttp.MethodGet, "/health", nil)
		cancel()

		switch {
		case err != nil && p.GetState() == StateHealthy:
			p.SetState(StateUnhealthy)
			logger.Warn("gateway provider unhealthy", "provider", p.name, "error", err)
		case err == nil && p.GetState() == StateUnhealthy:
			p.SetState(StateHealthy)
			logger.Info("gateway provider recovered", "provider", p.name)
		}
	}
}

func (c *Client) GetProviderStats() []ProviderStats {
	stats := make([]ProviderStats, 0, len(c.providers))
	for _, p := range c.providers {
		stats = append(stats, p.Stats())
	}
	return stats
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		for _, p := range c.providers {
			p.client.CloseIdleConnections()
		}
		logger.Info("gateway client closed")
	})
	return nil
}
