package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const RequestIDHeader = "X-Request-Id"

// RequestLogger logs one line per request and tags the response with a request id. An incoming
// X-Request-Id is kept so ids can follow a request across the CLI and the server.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		requestID := string(ctx.Request.Header.Peek(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.SetUserValue("requestId", requestID)
		ctx.Response.Header.Set(RequestIDHeader, requestID)

		next(ctx)

		status := ctx.Response.StatusCode()
		var event *zerolog.Event
		switch {
		case status >= fasthttp.StatusInternalServerError:
			event = log.Error()
		case status >= fasthttp.StatusBadRequest:
			event = log.Warn()
		default:
			event = log.Debug()
		}

		event.
			Str("requestId", requestID).
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}
