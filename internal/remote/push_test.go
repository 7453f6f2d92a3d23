package remote

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestPusher_ShouldPushFilesIndependently(t *testing.T) {
	// given
	client := startUploaderServer(t)
	gateway := NewGateway(client, serverURL, time.Minute)
	pending := upload.NewPendingList()
	var out bytes.Buffer
	pending.Subscribe(ProgressPrinter(&out))
	orchestrator := upload.NewOrchestrator(gateway, upload.NewRelayedUpload(gateway), pending, upload.Options{ChunkSize: 4, RetryDelay: time.Millisecond})

	dir := t.TempDir()
	first := writeFile(t, dir, "first.txt", "the first file")
	second := writeFile(t, dir, "second.txt", "and the second one")
	missing := filepath.Join(dir, "missing.txt")

	// when
	results := NewPusher(orchestrator, 2).Push(context.Background(), []string{first, missing, second})

	// then
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, serverURL+"/storage/objects/first.txt", results[0].Location)
	assert.ErrorIs(t, results[1].Err, upload.ErrInvalidRequest)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "and the second one", fetch(t, client, results[2].Location))

	failures := Failures(results)
	require.Error(t, failures)
	assert.Contains(t, failures.Error(), "missing.txt")

	assert.Contains(t, out.String(), "first.txt")
	assert.Contains(t, out.String(), "100%")
	assert.Len(t, pending.List(), 2)
}

func TestPusher_ShouldNotStartWhenCanceled(t *testing.T) {
	client := startUploaderServer(t)
	gateway := NewGateway(client, serverURL, time.Minute)
	orchestrator := upload.NewOrchestrator(gateway, upload.NewRelayedUpload(gateway), nil, upload.Options{})
	path := writeFile(t, t.TempDir(), "a.txt", "abc")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewPusher(orchestrator, 1).Push(ctx, []string{path})

	assert.ErrorIs(t, results[0].Err, upload.ErrCanceled)
}

func TestFailures_ShouldBeNilWhenEverythingSucceeded(t *testing.T) {
	assert.NoError(t, Failures([]PushResult{{Path: "a", Location: "x"}}))
}

func TestProgressPrinter_ShouldSkipUnchangedProgress(t *testing.T) {
	var out bytes.Buffer
	printer := ProgressPrinter(&out)
	item := upload.PendingUploadItem{UploadID: "u", FileName: "movie.mp4", Size: 10 * 1000 * 1000, Percent: 50, Status: upload.PendingUploading}

	printer(item)
	printer(item)
	item.Percent = 100
	item.Status = upload.PendingCompleted
	printer(item)

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "5.0 MB / 10 MB")
	assert.Contains(t, string(lines[1]), "completed")
}
