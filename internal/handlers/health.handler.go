package handlers

import (
	"context"

	"github.com/fasthttp/router"
	xhttp "github.com/nimasrn/followup-gateway/pkg/http"
)

type HealthService interface {
	Check(ctx context.Context) (map[string]string, error)
}

type HealthHandler struct {
	healthService HealthService
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(healthService HealthService) *HealthHandler {
	return &HealthHandler{
		healthService: healthService,
	}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	deps, err := h.healthService.Check(ctx)
	if err != nil {
		xhttp.WriteJSON(ctx, xhttp.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Dependencies: deps})
		return
	}
	xhttp.WriteJSON(ctx, xhttp.StatusOK, healthResponse{Status: "ok", Dependencies: deps})
}
