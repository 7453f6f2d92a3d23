package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-multierror"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type PushResult struct {
	Path     string
	Location string
	Err      error
}

// Pusher uploads local files, each as its own run of the orchestrator.
type Pusher struct {
	orchestrator *upload.Orchestrator
	jobs         int
}

// NewPusher runs at most jobs files at the same time.
func NewPusher(orchestrator *upload.Orchestrator, jobs int) *Pusher {
	if jobs <= 0 {
		jobs = 1
	}
	return &Pusher{orchestrator: orchestrator, jobs: jobs}
}

// Push uploads every path and returns one result per path, in order. A failed file never stops
// the others. Canceling ctx cancels every running upload, which aborts its session.
func (p *Pusher) Push(ctx context.Context, paths []string) []PushResult {
	results := make([]PushResult, len(paths))

	stop := context.AfterFunc(ctx, p.orchestrator.CancelAll)
	defer stop()

	var g errgroup.Group
	g.SetLimit(p.jobs)
	for i, path := range paths {
		g.Go(func() error {
			results[i] = p.pushFile(ctx, path)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Pusher) pushFile(ctx context.Context, path string) PushResult {
	result := PushResult{Path: path}

	if err := ctx.Err(); err != nil {
		result.Err = fmt.Errorf("%w: %w", upload.ErrCanceled, err)
		return result
	}

	file, err := os.Open(path)
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", upload.ErrInvalidRequest, err)
		return result
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", upload.ErrInvalidRequest, err)
		return result
	}
	if info.IsDir() {
		result.Err = fmt.Errorf("%w: %s is a directory", upload.ErrInvalidRequest, path)
		return result
	}

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectReader(io.NewSectionReader(file, 0, info.Size())); err == nil {
		contentType = mtype.String()
	}

	run := p.orchestrator.NewUpload(upload.File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Body:        file,
	})
	completed, err := run.Run(ctx, nil)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("Push failed")
		result.Err = err
		return result
	}

	result.Location = completed.Location
	return result
}

// Failures combines the errors of every failed push, or returns nil.
func Failures(results []PushResult) error {
	var errs *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", r.Path, r.Err))
		}
	}
	return errs.ErrorOrNil()
}

// ProgressPrinter writes one line to w whenever an upload moves a percent or changes status.
func ProgressPrinter(w io.Writer) upload.PendingListener {
	var mu sync.Mutex
	last := make(map[string]upload.PendingUploadItem)

	return func(item upload.PendingUploadItem) {
		mu.Lock()
		defer mu.Unlock()

		prev, seen := last[item.UploadID]
		if seen && prev.Percent == item.Percent && prev.Status == item.Status {
			return
		}
		last[item.UploadID] = item

		sent := uint64(item.Size) * uint64(item.Percent) / 100
		line := fmt.Sprintf("%-32s %3d%%  %9s / %-9s %s", item.FileName, item.Percent,
			humanize.Bytes(sent), humanize.Bytes(uint64(item.Size)), item.Status)
		if item.Error != "" {
			line += "  " + item.Error
		}
		fmt.Fprintln(w, line)
	}
}
