package status

import (
	"github.com/goccy/go-json"
	"github.com/prappser/multipart_uploader/internal/storage"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

type SessionCounter interface {
	CountByStatus() (map[storage.SessionStatus]int, error)
}

type ClientCounter interface {
	GetStats() (totalClients, totalSubscriptions int)
}

type StatusEndpoints struct {
	version  string
	pending  *upload.PendingList
	sessions SessionCounter
	clients  ClientCounter
}

func NewEndpoints(version string, pending *upload.PendingList, sessions SessionCounter, clients ClientCounter) *StatusEndpoints {
	return &StatusEndpoints{
		version:  version,
		pending:  pending,
		sessions: sessions,
		clients:  clients,
	}
}

type StatusResponse struct {
	Health   string                        `json:"health"`
	Version  string                        `json:"version"`
	Uploads  map[upload.PendingStatus]int  `json:"uploads"`
	Sessions map[storage.SessionStatus]int `json:"sessions"`
	Clients  int                           `json:"clients"`
}

// Status handles GET /status: upload counts of this process and of the session ledger.
func (se *StatusEndpoints) Status(ctx *fasthttp.RequestCtx) {
	uploads := make(map[upload.PendingStatus]int)
	for _, item := range se.pending.List() {
		uploads[item.Status]++
	}

	sessions, err := se.sessions.CountByStatus()
	if err != nil {
		log.Error().Err(err).Msg("Failed to count upload sessions")
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	clients, _ := se.clients.GetStats()

	response := StatusResponse{
		Health:   "OK",
		Version:  se.version,
		Uploads:  uploads,
		Sessions: sessions,
		Clients:  clients,
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(responseJSON)
}
