package internal

import (
	"context"
	"fmt"

	"github.com/prappser/multipart_uploader/internal/health"
	"github.com/prappser/multipart_uploader/internal/status"
	"github.com/prappser/multipart_uploader/internal/storage"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/prappser/multipart_uploader/internal/websocket"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// Server holds everything `serve` wires together.
type Server struct {
	Handler      fasthttp.RequestHandler
	Orchestrator *upload.Orchestrator
	Pending      *upload.PendingList

	db      *DB
	janitor *storage.Janitor
}

func NewServer(ctx context.Context, config *Config, version string) (*Server, error) {
	if err := config.ValidateStore(); err != nil {
		return nil, err
	}
	if err := config.ValidateUpload(); err != nil {
		return nil, err
	}

	db, err := NewDB(config.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := storage.NewGateway(ctx, config.StorageConfig())
	if err != nil {
		db.Close()
		return nil, err
	}
	local, _ := store.(*storage.LocalGateway)

	repo := storage.NewRepository(db.DB)
	gateway := storage.NewTrackedGateway(store, repo)
	janitor := storage.NewJanitor(gateway, repo, config.Janitor.StaleAfter, config.Janitor.Interval)

	strategy := NewStrategy(config, gateway)
	pending := upload.NewPendingList()
	orchestrator := upload.NewOrchestrator(gateway, strategy, pending, config.UploadOptions())
	janitor.SkipRunning(orchestrator)

	hub := websocket.NewHub()
	go hub.Run()
	pending.Subscribe(hub.Publish)

	handler := NewRequestHandler(
		config,
		health.NewEndpoints(version, config.Store.Driver, string(strategy.Name())),
		status.NewEndpoints(version, pending, repo, hub),
		storage.NewEndpoints(gateway, local, config.Store.SignTTL),
		upload.NewUploadEndpoints(orchestrator, pending),
		websocket.NewHandler(hub, pending, config.Server.AllowedOrigins),
	)

	log.Info().
		Str("driver", config.Store.Driver).
		Str("bucket", config.Store.Bucket).
		Str("strategy", string(strategy.Name())).
		Int("concurrency", config.Upload.Concurrency).
		Msg("Upload server configured")

	return &Server{
		Handler:      handler,
		Orchestrator: orchestrator,
		Pending:      pending,
		db:           db,
		janitor:      janitor,
	}, nil
}

// NewStrategy builds the configured transfer strategy over gateway.
func NewStrategy(config *Config, gateway upload.Gateway) upload.TransferStrategy {
	if upload.StrategyName(config.Upload.Strategy) == upload.StrategyDirect {
		client := &fasthttp.Client{
			Name:                   "multipart-uploader",
			DisablePathNormalizing: true,
			MaxResponseBodySize:    1024 * 1024,
		}
		return upload.NewDirectSignedUpload(gateway, client, config.Store.SignTTL, config.Upload.PutTimeout)
	}
	return upload.NewRelayedUpload(gateway)
}

func (s *Server) Start() {
	s.janitor.Start()
}

// Close cancels in-flight uploads, which aborts their sessions, then releases resources.
func (s *Server) Close() error {
	s.Orchestrator.CancelAll()
	s.janitor.Stop()
	return s.db.Close()
}
