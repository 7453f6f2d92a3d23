package internal

import (
	"strings"

	"github.com/prappser/multipart_uploader/internal/health"
	"github.com/prappser/multipart_uploader/internal/middleware"
	"github.com/prappser/multipart_uploader/internal/status"
	"github.com/prappser/multipart_uploader/internal/storage"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/prappser/multipart_uploader/internal/websocket"
	"github.com/valyala/fasthttp"
)

func NewRequestHandler(config *Config, healthEndpoints *health.HealthEndpoints, statusEndpoints *status.StatusEndpoints, storageEndpoints *storage.Endpoints, uploadEndpoints *upload.UploadEndpoints, wsHandler *websocket.Handler) fasthttp.RequestHandler {
	corsMiddleware := middleware.NewCORSMiddleware(config.Server.AllowedOrigins)

	handler := func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := string(ctx.Method())

		switch {
		case path == "/health":
			healthEndpoints.Health(ctx)
		case path == "/status":
			statusEndpoints.Status(ctx)

		case path == "/api/upload":
			if method == fasthttp.MethodPost {
				storageEndpoints.Command(ctx)
			} else {
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			}

		case strings.HasPrefix(path, "/storage/parts/"):
			token := strings.TrimPrefix(path, "/storage/parts/")
			if token == "" || strings.Contains(token, "/") {
				ctx.Error("Not Found", fasthttp.StatusNotFound)
				return
			}
			ctx.SetUserValue("token", token)
			if method == fasthttp.MethodPut {
				storageEndpoints.PutPart(ctx)
			} else {
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			}
		case strings.HasPrefix(path, "/storage/objects/"):
			key := strings.TrimPrefix(path, "/storage/objects/")
			if key == "" {
				ctx.Error("Not Found", fasthttp.StatusNotFound)
				return
			}
			ctx.SetUserValue("key", key)
			if method == fasthttp.MethodGet || method == fasthttp.MethodHead {
				storageEndpoints.GetObject(ctx)
			} else {
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			}

		case path == "/uploads":
			switch method {
			case fasthttp.MethodPost:
				uploadEndpoints.StartUpload(ctx)
			case fasthttp.MethodGet:
				uploadEndpoints.ListUploads(ctx)
			default:
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			}
		case strings.HasPrefix(path, "/uploads/"):
			parts := strings.Split(path, "/")
			if len(parts) == 3 && parts[2] != "" {
				ctx.SetUserValue("uploadID", parts[2])
				if method == fasthttp.MethodDelete {
					uploadEndpoints.CancelUpload(ctx)
				} else {
					ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
				}
			} else {
				ctx.Error("Not Found", fasthttp.StatusNotFound)
			}

		case path == "/ws":
			wsHandler.HandleFastHTTP(ctx)

		default:
			ctx.Error("Not Found", fasthttp.StatusNotFound)
		}
	}

	return middleware.RequestLogger(corsMiddleware.Handle(handler))
}
