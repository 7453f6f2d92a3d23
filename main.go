package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prappser/multipart_uploader/internal"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/valyala/fasthttp"
)

const version = "1.0.0"

const usage = `usage:
  uploader [serve] [flags]          run the upload server
  uploader push [flags] FILE...     upload files through a running server
  uploader version`

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		serve(args)
	case "push":
		os.Exit(push(args))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func commonFlags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ExitOnError)
	flags.String("config", internal.DefaultConfigFile, "config file")
	flags.String("strategy", "", "part transfer strategy: relayed or direct")
	flags.Int("concurrency", 0, "parts in flight per upload")
	flags.String("log-level", "", "log level")
	flags.Bool("pretty", false, "human readable logs")
	return flags
}

func serve(args []string) {
	flags := commonFlags("serve")
	flags.String("addr", "", "listen address")
	flags.String("driver", "", "store driver: s3, minio or local")
	_ = flags.Parse(args)

	config, err := internal.LoadConfig(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
		return
	}
	internal.SetupLogger(config.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := internal.NewServer(ctx, config, version)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing server")
		return
	}
	app.Start()

	server := &fasthttp.Server{
		Handler:            app.Handler,
		Name:               "multipart-uploader",
		MaxRequestBodySize: config.Server.MaxBodySize,
		ReadTimeout:        5 * time.Minute,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", config.Server.Addr).Str("version", version).Msg("Upload server listening")
		errs <- server.ListenAndServe(config.Server.Addr)
	}()

	select {
	case err := <-errs:
		log.Fatal().Err(err).Msg("Error starting server")
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	// running uploads abort their sessions so Shutdown does not wait on them
	app.Orchestrator.CancelAll()
	if err := server.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Error shutting down server")
	}
	if err := app.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing server resources")
	}
}
