package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prappser/multipart_uploader/internal"
	"github.com/prappser/multipart_uploader/internal/remote"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// push uploads the named files through a running server and returns the process exit code.
func push(args []string) int {
	flags := commonFlags("push")
	flags.String("server", "", "server base URL")
	jobs := flags.IntP("jobs", "j", 4, "files uploaded at the same time")
	_ = flags.Parse(args)

	paths := flags.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}

	config, err := internal.LoadConfig(flags)
	if err != nil {
		log.Error().Err(err).Msg("Error loading config")
		return 1
	}
	internal.SetupLogger(config.Log)
	if err := config.ValidateUpload(); err != nil {
		log.Error().Err(err).Msg("Invalid upload settings")
		return 1
	}

	client := &fasthttp.Client{
		Name:                   "multipart-uploader-cli",
		DisablePathNormalizing: true,
	}
	gateway := remote.NewGateway(client, config.Client.ServerURL, config.Client.Timeout)

	strategy := internal.NewStrategy(config, gateway)

	pending := upload.NewPendingList()
	pending.Subscribe(remote.ProgressPrinter(os.Stdout))
	orchestrator := upload.NewOrchestrator(gateway, strategy, pending, config.UploadOptions())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results := remote.NewPusher(orchestrator, *jobs).Push(ctx, paths)
	for _, r := range results {
		if r.Err == nil {
			fmt.Printf("%s -> %s\n", r.Path, r.Location)
		}
	}

	if err := remote.Failures(results); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
