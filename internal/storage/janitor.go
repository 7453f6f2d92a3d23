package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/rs/zerolog/log"
)

const (
	defaultStaleAfter      = 24 * time.Hour
	defaultJanitorInterval = time.Hour
	// finalized ledger rows are kept this long for inspection
	ledgerRetention = 7 * 24 * time.Hour
)

// RunningUploads reports uploads this process is still driving.
type RunningUploads interface {
	Running(uploadID string) bool
}

// Janitor aborts sessions that stayed open longer than staleAfter. Browsers that close
// mid-upload never abort their own sessions, and the store keeps their parts until someone does.
// Sessions of uploads that are still running here are left alone however old they are.
type Janitor struct {
	gateway    upload.Gateway
	repo       *Repository
	running    RunningUploads
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewJanitor(gateway upload.Gateway, repo *Repository, staleAfter, interval time.Duration) *Janitor {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if interval <= 0 {
		interval = defaultJanitorInterval
	}

	return &Janitor{
		gateway:    gateway,
		repo:       repo,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// SkipRunning makes the janitor leave the sessions of running uploads open.
func (j *Janitor) SkipRunning(running RunningUploads) {
	j.running = running
}

func (j *Janitor) Start() {
	j.ticker = time.NewTicker(j.interval)
	log.Info().
		Dur("interval", j.interval).
		Dur("staleAfter", j.staleAfter).
		Msg("Upload session janitor started")

	j.wg.Add(1)
	go j.loop()
}

func (j *Janitor) loop() {
	defer j.wg.Done()
	for {
		select {
		case <-j.ticker.C:
			j.RunNow(context.Background())
		case <-j.done:
			j.ticker.Stop()
			return
		}
	}
}

func (j *Janitor) Stop() {
	log.Info().Msg("Stopping upload session janitor")
	if j.ticker != nil {
		close(j.done)
		j.wg.Wait()
	}
}

// RunNow aborts every stale session once and returns how many were aborted.
func (j *Janitor) RunNow(ctx context.Context) int {
	now := j.now()
	stale, err := j.repo.ListOpenBefore(now.Add(-j.staleAfter).Unix())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stale upload sessions")
		return 0
	}

	aborted := 0
	for _, record := range stale {
		if j.running != nil && j.running.Running(record.UploadID) {
			log.Debug().Str("uploadId", record.UploadID).Msg("Stale upload session still running, skipping")
			continue
		}
		err := j.gateway.AbortSession(ctx, record.Session())
		if err != nil && !errors.Is(err, upload.ErrSessionAlreadyFinalized) {
			log.Error().Err(err).Str("uploadId", record.UploadID).Msg("Failed to abort stale upload session")
			continue
		}
		if err := j.repo.UpdateStatus(record.UploadID, SessionAborted, now.Unix()); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Error().Err(err).Str("uploadId", record.UploadID).Msg("Failed to mark upload session aborted")
			continue
		}
		aborted++
	}

	deleted, err := j.repo.DeleteFinalizedBefore(now.Add(-ledgerRetention).Unix())
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune upload session ledger")
	}

	if aborted > 0 || deleted > 0 {
		log.Info().
			Int("aborted", aborted).
			Int64("pruned", deleted).
			Msg("Upload session cleanup completed")
	}
	return aborted
}
