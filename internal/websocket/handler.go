package websocket

import (
	"slices"

	"github.com/fasthttp/websocket"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

type Handler struct {
	hub      *Hub
	pending  *upload.PendingList
	upgrader websocket.FastHTTPUpgrader
}

// NewHandler serves the upload feed. An empty allowedOrigins, or one containing "*", accepts
// any origin.
func NewHandler(hub *Hub, pending *upload.PendingList, allowedOrigins []string) *Handler {
	return &Handler{
		hub:     hub,
		pending: pending,
		upgrader: websocket.FastHTTPUpgrader{
			CheckOrigin: func(ctx *fasthttp.RequestCtx) bool {
				origin := string(ctx.Request.Header.Peek("Origin"))
				if origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
					return true
				}
				return slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// HandleFastHTTP handles WebSocket upgrade requests for FastHTTP
func (h *Handler) HandleFastHTTP(ctx *fasthttp.RequestCtx) {
	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := NewClient(h.hub, conn)

		client.send <- &OutgoingMessage{
			Type:     MessageTypeConnected,
			ClientID: client.id,
		}
		h.hub.RegisterWithSnapshot(client, h.pending.List)

		log.Info().
			Str("clientId", client.id).
			Str("remoteAddr", conn.RemoteAddr().String()).
			Msg("[WS] Client connected")

		go client.WritePump()
		client.ReadPump() // Blocks until disconnect
	})

	if err != nil {
		log.Error().Err(err).Msg("[WS] Failed to upgrade connection")
		return
	}
}
