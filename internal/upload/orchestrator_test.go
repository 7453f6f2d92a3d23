package upload

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(gateway Gateway, strategy TransferStrategy, pending *PendingList, opts Options) *Orchestrator {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	return NewOrchestrator(gateway, strategy, pending, opts)
}

func TestUpload_ShouldCompleteTwelveMiBFileWithThreeOrderedParts(t *testing.T) {
	// given
	gateway := newFakeGateway()
	pending := NewPendingList()
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), pending, Options{})
	file := testFile("movie.mp4", 12*mib)
	progress := &progressRecorder{}

	// when
	up := orchestrator.NewUpload(file)
	result, err := up.Run(context.Background(), progress.record)

	// then
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, up.State())

	data := make([]byte, 12*mib)
	_, _ = file.Body.ReadAt(data, 0)
	expected := []PartResult{
		{PartNumber: 1, ETag: etagFor(data[0 : 5*mib])},
		{PartNumber: 2, ETag: etagFor(data[5*mib : 10*mib])},
		{PartNumber: 3, ETag: etagFor(data[10*mib:])},
	}
	require.Len(t, gateway.completed, 1)
	assert.Equal(t, expected, gateway.completed[0])
	assert.Equal(t, expected, result.Parts)
	assert.Equal(t, "https://store.test/bucket/movie.mp4", result.Location)

	assert.Equal(t, []int{33, 67, 99, 100}, progress.snapshot())

	item, ok := pending.Get(result.Session.UploadID)
	require.True(t, ok)
	assert.Equal(t, PendingCompleted, item.Status)
	assert.Equal(t, result.Location, item.Path)
	assert.Equal(t, int64(12*mib), item.Size)
}

func TestUpload_ShouldAbortAndNeverCompleteWhenPartTwoFails(t *testing.T) {
	// given
	gateway := newFakeGateway()
	gateway.uploadErr = func(partNumber, attempt int) error {
		if partNumber == 2 {
			return errors.New("connection reset")
		}
		return nil
	}
	pending := NewPendingList()
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), pending, Options{MaxAttempts: 2})

	// when
	up := orchestrator.NewUpload(testFile("movie.mp4", 12*mib))
	result, err := up.Run(context.Background(), nil)

	// then
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrPartTransferFailed)
	var partErr *PartError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 2, partErr.PartNumber)
	assert.Equal(t, StateFailed, up.State())

	_, completes, aborts := gateway.stats()
	assert.Zero(t, completes)
	assert.Equal(t, 1, aborts)
	assert.Equal(t, 2, gateway.attempts[2])
	assert.Zero(t, gateway.attempts[3], "parts after the failure are not dispatched")

	item, ok := pending.Get(up.Session().UploadID)
	require.True(t, ok)
	assert.Equal(t, PendingFailed, item.Status)
}

func TestUpload_ShouldRetryTransientPartFailure(t *testing.T) {
	// given
	gateway := newFakeGateway()
	gateway.uploadErr = func(partNumber, attempt int) error {
		if partNumber == 1 && attempt == 1 {
			return errors.New("timeout")
		}
		return nil
	}
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), nil, Options{ChunkSize: 4})

	// when
	result, err := orchestrator.NewUpload(testFile("a.bin", 10)).Run(context.Background(), nil)

	// then
	require.NoError(t, err)
	assert.Len(t, result.Parts, 3)
	assert.Equal(t, 2, gateway.attempts[1])
}

func TestUpload_ShouldNotRetryInvalidRequest(t *testing.T) {
	// given
	gateway := newFakeGateway()
	gateway.uploadErr = func(partNumber, attempt int) error {
		return ErrInvalidRequest
	}
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), nil, Options{ChunkSize: 4, MaxAttempts: 5})

	// when
	_, err := orchestrator.NewUpload(testFile("a.bin", 10)).Run(context.Background(), nil)

	// then
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 1, gateway.attempts[1])
}

func TestUpload_ShouldRejectEmptyFileBeforeAnyStoreCall(t *testing.T) {
	// given
	gateway := newFakeGateway()
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), nil, Options{})

	// when
	up := orchestrator.NewUpload(testFile("empty.txt", 0))
	_, err := up.Run(context.Background(), nil)

	// then
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, StateFailed, up.State())
	creates, completes, aborts := gateway.stats()
	assert.Zero(t, creates)
	assert.Zero(t, completes)
	assert.Zero(t, aborts)
}

func TestUpload_ShouldFailWithoutAbortWhenSessionCreationFails(t *testing.T) {
	// given
	gateway := newFakeGateway()
	gateway.createErr = ErrStoreUnavailable
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), nil, Options{})

	// when
	up := orchestrator.NewUpload(testFile("a.bin", 10))
	_, err := up.Run(context.Background(), nil)

	// then
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, StateFailed, up.State())
	_, _, aborts := gateway.stats()
	assert.Zero(t, aborts)
}

func TestUpload_ShouldAbortWhenStoreRejectsCompletion(t *testing.T) {
	// given
	gateway := newFakeGateway()
	gateway.completeErr = ErrIncompletePartSet
	progress := &progressRecorder{}
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), nil, Options{ChunkSize: 4})

	// when
	up := orchestrator.NewUpload(testFile("a.bin", 10))
	_, err := up.Run(context.Background(), progress.record)

	// then
	assert.ErrorIs(t, err, ErrIncompletePartSet)
	assert.Equal(t, StateFailed, up.State())
	_, completes, aborts := gateway.stats()
	assert.Equal(t, 1, completes)
	assert.Equal(t, 1, aborts)
	assert.NotContains(t, progress.snapshot(), 100)
}

func TestUpload_ShouldReportAbortFailureAlongsideCause(t *testing.T) {
	// given
	gateway := newFakeGateway()
	gateway.completeErr = ErrIncompletePartSet
	gateway.abortErr = ErrStoreUnavailable
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), nil, Options{ChunkSize: 4})

	// when
	_, err := orchestrator.NewUpload(testFile("a.bin", 10)).Run(context.Background(), nil)

	// then
	assert.ErrorIs(t, err, ErrIncompletePartSet)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestUpload_ShouldRefuseSecondRun(t *testing.T) {
	gateway := newFakeGateway()
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), nil, Options{ChunkSize: 4})
	up := orchestrator.NewUpload(testFile("a.bin", 10))

	_, err := up.Run(context.Background(), nil)
	require.NoError(t, err)

	_, err = up.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, StateCompleted, up.State())
}

func TestUpload_ShouldStartOnlyOnceUnderConcurrentRuns(t *testing.T) {
	// given
	gateway := newFakeGateway()
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), nil, Options{ChunkSize: 4})
	up := orchestrator.NewUpload(testFile("a.bin", 10))

	// when
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := up.Run(context.Background(), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// then
	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Equal(t, 1, succeeded)
	creates, completes, _ := gateway.stats()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, completes)
}

func TestUpload_ShouldLetProgressCallbackInspectUpload(t *testing.T) {
	// given
	gateway := newFakeGateway()
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), nil, Options{ChunkSize: 4, Concurrency: 2})
	up := orchestrator.NewUpload(testFile("a.bin", 10))

	var mu sync.Mutex
	var states []State
	onProgress := func(p Progress) {
		state := up.State()
		assert.Equal(t, p.UploadID, up.Session().UploadID)
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}

	// when
	done := make(chan error, 1)
	go func() {
		_, err := up.Run(context.Background(), onProgress)
		done <- err
	}()

	// then
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("progress callback blocked the upload")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 4)
	assert.Equal(t, StateTransferringParts, states[0])
	assert.Equal(t, StateCompleted, states[3])
}

// reversedStrategy finishes higher part numbers first.
type reversedStrategy struct {
	inner TransferStrategy
	total int
}

func (r *reversedStrategy) Name() StrategyName { return "reversed" }

func (r *reversedStrategy) TransferChunk(ctx context.Context, session Session, chunk Chunk, file File) (PartResult, error) {
	time.Sleep(time.Duration(r.total-chunk.PartNumber) * 5 * time.Millisecond)
	return r.inner.TransferChunk(ctx, session, chunk, file)
}

func TestUpload_ShouldKeepPartOrderWithConcurrentTransfers(t *testing.T) {
	// given
	gateway := newFakeGateway()
	strategy := &reversedStrategy{inner: NewRelayedUpload(gateway), total: 8}
	progress := &progressRecorder{}
	orchestrator := newTestOrchestrator(gateway, strategy, nil, Options{ChunkSize: 4, Concurrency: 8})

	// when
	result, err := orchestrator.NewUpload(testFile("a.bin", 30)).Run(context.Background(), progress.record)

	// then
	require.NoError(t, err)
	require.Len(t, result.Parts, 8)
	for i, part := range gateway.completed[0] {
		assert.Equal(t, i+1, part.PartNumber)
	}

	values := progress.snapshot()
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1])
	}
	assert.Equal(t, 100, values[len(values)-1])
	assert.Equal(t, 99, values[len(values)-2])
}

// blockingStrategy commits part 1 and then blocks on every other part until ctx ends.
type blockingStrategy struct {
	inner   TransferStrategy
	started chan struct{}
	once    sync.Once
}

func (b *blockingStrategy) Name() StrategyName { return "blocking" }

func (b *blockingStrategy) TransferChunk(ctx context.Context, session Session, chunk Chunk, file File) (PartResult, error) {
	if chunk.PartNumber == 1 {
		return b.inner.TransferChunk(ctx, session, chunk, file)
	}
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return PartResult{}, ctx.Err()
}

func TestUpload_ShouldAbortSessionOnUserCancel(t *testing.T) {
	// given
	gateway := newFakeGateway()
	strategy := &blockingStrategy{inner: NewRelayedUpload(gateway), started: make(chan struct{})}
	pending := NewPendingList()
	orchestrator := newTestOrchestrator(gateway, strategy, pending, Options{ChunkSize: 4})
	up := orchestrator.NewUpload(testFile("a.bin", 10))

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := up.Run(context.Background(), nil)
		done <- outcome{result, err}
	}()

	// when
	<-strategy.started
	assert.True(t, orchestrator.Running(up.Session().UploadID))
	assert.True(t, orchestrator.Cancel(up.Session().UploadID))

	// then
	select {
	case out := <-done:
		assert.Nil(t, out.result)
		assert.ErrorIs(t, out.err, ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not stop after cancel")
	}
	assert.Equal(t, StateAborted, up.State())
	_, completes, aborts := gateway.stats()
	assert.Zero(t, completes)
	assert.Equal(t, 1, aborts)
	assert.False(t, orchestrator.Cancel(up.Session().UploadID), "finished uploads are no longer tracked")
	assert.False(t, orchestrator.Running(up.Session().UploadID))

	item, _ := pending.Get(up.Session().UploadID)
	assert.Equal(t, PendingAborted, item.Status)
}

func TestUpload_ShouldSupportConcurrentRunsSharingPendingList(t *testing.T) {
	// given
	gateway := newFakeGateway()
	pending := NewPendingList()
	orchestrator := newTestOrchestrator(gateway, NewRelayedUpload(gateway), pending, Options{ChunkSize: 4, Concurrency: 2})

	// when
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orchestrator.NewUpload(testFile("f.bin", 17)).Run(context.Background(), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// then
	items := pending.List()
	assert.Len(t, items, 10)
	for _, item := range items {
		assert.Equal(t, PendingCompleted, item.Status)
		assert.Equal(t, 100, item.Percent)
	}
}

func TestRelayedUpload_ShouldRejectMismatchedAcknowledgement(t *testing.T) {
	gateway := &mislabelingGateway{fakeGateway: newFakeGateway()}
	strategy := NewRelayedUpload(gateway)

	_, err := strategy.TransferChunk(context.Background(), Session{UploadID: "u", Key: "k"}, Chunk{PartNumber: 2, Start: 0, End: 4}, testFile("a", 4))

	assert.ErrorIs(t, err, ErrPartTransferFailed)
}

type mislabelingGateway struct {
	*fakeGateway
}

func (m *mislabelingGateway) UploadPart(ctx context.Context, session Session, partNumber int, body io.Reader, size int64) (PartResult, error) {
	return PartResult{PartNumber: partNumber + 1, ETag: `"x"`}, nil
}
