package xhttp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(func(ctx *RequestCtx) { seen = RequestID(ctx) })

	ctx := &fasthttp.RequestCtx{}
	h(ctx)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, string(ctx.Response.Header.Peek(HeaderRequestID)))

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set(HeaderRequestID, "abc")
	h(ctx)
	assert.Equal(t, "abc", seen)
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(func(ctx *RequestCtx) { panic("boom") })
	ctx := &fasthttp.RequestCtx{}
	assert.NotPanics(t, func() { h(ctx) })
	assert.Equal(t, StatusInternalServerError, ctx.Response.StatusCode())
}

func TestEngine_MiddlewareOrder(t *testing.T) {
	e := CreateServer()
	var order []string
	mark := func(name string) MiddlewareFunc {
		return func(next RequestHandler) RequestHandler {
			return func(ctx *RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}
	e.Use(mark("first"))
	e.Use(mark("second"))
	e.GET("/ping", func(ctx *RequestCtx) {
		order = append(order, "handler")
		WriteJSON(ctx, StatusOK, map[string]string{"status": "ok"})
	})

	handler := e.DoRouting()
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/ping")
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	handler(ctx)

	assert.Equal(t, []string{"first", "second", "handler"}, order)
	assert.Equal(t, StatusOK, ctx.Response.StatusCode())
}

func TestNotFoundHandler(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	NotFoundHandler(ctx)
	assert.Equal(t, StatusNotFound, ctx.Response.StatusCode())

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "Not Found", body.Error)
}

func TestReadJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	var v map[string]string
	assert.Error(t, ReadJSON(ctx, &v))

	ctx.Request.SetBodyString(`{"a":"b"}`)
	require.NoError(t, ReadJSON(ctx, &v))
	assert.Equal(t, "b", v["a"])

	ctx.Request.SetBodyString(`{`)
	assert.Error(t, ReadJSON(ctx, &v))
}
