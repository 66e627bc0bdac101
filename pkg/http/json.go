package xhttp

import (
	"encoding/json"
	"fmt"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func ReadJSON(ctx *RequestCtx, v interface{}) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return fmt.Errorf("request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func WriteJSON(ctx *RequestCtx, status int, v interface{}) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		ctx.SetStatusCode(StatusInternalServerError)
	}
}

func WriteError(ctx *RequestCtx, status int, message string) {
	WriteJSON(ctx, status, ErrorResponse{Error: message})
}
