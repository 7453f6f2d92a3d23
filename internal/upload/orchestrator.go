package upload

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond
	maxRetryDelay      = 30 * time.Second
	abortTimeout       = 30 * time.Second
)

type Options struct {
	// Concurrency bounds in-flight part transfers per upload. 1 transfers parts strictly in order.
	Concurrency int
	// MaxAttempts is the number of tries per part, the first included.
	MaxAttempts int
	RetryDelay  time.Duration
	ChunkSize   int64
}

// Orchestrator drives multipart uploads through one gateway and one transfer strategy.
// It is safe to run many uploads concurrently.
type Orchestrator struct {
	gateway  Gateway
	strategy TransferStrategy
	pending  *PendingList
	opts     Options

	mu     sync.Mutex
	active map[string]*Upload
}

func NewOrchestrator(gateway Gateway, strategy TransferStrategy, pending *PendingList, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ChunkSize
	}
	return &Orchestrator{
		gateway:  gateway,
		strategy: strategy,
		pending:  pending,
		opts:     opts,
		active:   make(map[string]*Upload),
	}
}

func (o *Orchestrator) Strategy() StrategyName {
	return o.strategy.Name()
}

func (o *Orchestrator) NewUpload(file File) *Upload {
	return &Upload{
		orchestrator: o,
		file:         file,
		state:        StateIdle,
		canceled:     make(chan struct{}),
	}
}

// Cancel stops the in-flight upload with the given id. It reports false if no such upload runs.
func (o *Orchestrator) Cancel(uploadID string) bool {
	o.mu.Lock()
	u, ok := o.active[uploadID]
	o.mu.Unlock()
	if ok {
		u.Cancel()
	}
	return ok
}

// Running reports whether the upload with the given id is still in flight.
func (o *Orchestrator) Running(uploadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[uploadID]
	return ok
}

func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	uploads := make([]*Upload, 0, len(o.active))
	for _, u := range o.active {
		uploads = append(uploads, u)
	}
	o.mu.Unlock()

	for _, u := range uploads {
		u.Cancel()
	}
}

func (o *Orchestrator) track(u *Upload) {
	o.mu.Lock()
	o.active[u.session.UploadID] = u
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(u *Upload) {
	o.mu.Lock()
	delete(o.active, u.session.UploadID)
	o.mu.Unlock()
}

// Upload is a single run of the multipart state machine for one file.
type Upload struct {
	orchestrator *Orchestrator
	file         File

	mu       sync.Mutex
	state    State
	started  bool
	session  Session
	percent  int
	done     int
	canceled chan struct{}
	once     sync.Once

	// serializes progress delivery so reported percents never go backwards
	progressMu sync.Mutex
}

func (u *Upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Upload) Session() Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session
}

// Cancel requests a user-triggered abort. In-flight part results are discarded.
func (u *Upload) Cancel() {
	u.once.Do(func() { close(u.canceled) })
}

// start claims the run. Only the first caller gets true.
func (u *Upload) start() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started || u.state != StateIdle {
		return false
	}
	u.started = true
	return true
}

func (u *Upload) transition(to State) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !canTransition(u.state, to) {
		return fmt.Errorf("illegal upload transition %s -> %s", u.state, to)
	}
	u.state = to
	return nil
}

// Run executes the upload to a terminal state. It returns the completion on success; on any
// failure the session, if one was created, has been aborted before Run returns.
func (u *Upload) Run(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	o := u.orchestrator
	if !u.start() {
		return nil, fmt.Errorf("%w: upload already started", ErrInvalidRequest)
	}

	total := TotalChunks(u.file.Size, o.opts.ChunkSize)
	if total == 0 {
		_ = u.transition(StateFailed)
		return nil, fmt.Errorf("%w: %q is empty", ErrInvalidRequest, u.file.Name)
	}
	if total > MaxPartNumber {
		_ = u.transition(StateFailed)
		return nil, fmt.Errorf("%w: %q needs %d parts, max %d", ErrInvalidRequest, u.file.Name, total, MaxPartNumber)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-u.canceled:
			cancel()
		case <-ctx.Done():
		}
	}()

	session, err := o.gateway.CreateSession(ctx, u.file.Name, u.file.ContentType)
	if err != nil {
		log.Error().Err(err).Str("file", u.file.Name).Msg("Failed to create upload session")
		_ = u.transition(u.terminalFor(err))
		return nil, u.wrapCanceled(fmt.Errorf("create session: %w", err))
	}

	u.mu.Lock()
	u.session = session
	u.mu.Unlock()
	_ = u.transition(StateSessionCreated)

	o.track(u)
	defer o.untrack(u)

	if o.pending != nil {
		o.pending.Add(session.UploadID, u.file.Name, u.file.Size)
	}

	log.Info().
		Str("uploadId", session.UploadID).
		Str("key", session.Key).
		Int64("size", u.file.Size).
		Int("parts", total).
		Str("strategy", string(o.strategy.Name())).
		Msg("Upload session created")

	_ = u.transition(StateTransferringParts)
	parts, err := u.transferParts(ctx, session, total, onProgress)
	if err != nil {
		return nil, u.fail(session, err)
	}

	if err := u.transition(StateCompleting); err != nil {
		return nil, u.fail(session, err)
	}

	ordered, err := ValidateParts(parts, total)
	if err != nil {
		return nil, u.fail(session, err)
	}

	completion, err := o.gateway.CompleteSession(ctx, session, ordered)
	if err != nil {
		return nil, u.fail(session, fmt.Errorf("complete session: %w", err))
	}

	if err := u.transition(StateCompleted); err != nil {
		return nil, err
	}

	u.report(onProgress, Progress{UploadID: session.UploadID, PartsCompleted: total, TotalParts: total, Percent: 100})
	if o.pending != nil {
		o.pending.Complete(session.UploadID, completion.Location)
	}

	log.Info().
		Str("uploadId", session.UploadID).
		Str("key", session.Key).
		Str("location", completion.Location).
		Msg("Upload completed")

	return &Result{Session: session, Location: completion.Location, Parts: ordered}, nil
}

func (u *Upload) transferParts(ctx context.Context, session Session, total int, onProgress ProgressFunc) ([]PartResult, error) {
	o := u.orchestrator
	results := make([]PartResult, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)

	for chunk := range Split(u.file.Size, o.opts.ChunkSize) {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// a slot may free up only after a sibling failed
			if err := gctx.Err(); err != nil {
				return err
			}
			part, err := u.transferWithRetry(gctx, session, chunk)
			if err != nil {
				return &PartError{PartNumber: chunk.PartNumber, Err: err}
			}
			results[chunk.PartNumber-1] = part
			u.partDone(session.UploadID, total, onProgress)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (u *Upload) transferWithRetry(ctx context.Context, session Session, chunk Chunk) (PartResult, error) {
	o := u.orchestrator

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.opts.RetryDelay
	policy.MaxInterval = maxRetryDelay
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() (PartResult, error) {
		attempt++
		part, err := o.strategy.TransferChunk(ctx, session, chunk, u.file)
		if err == nil {
			return part, nil
		}
		if !errors.Is(err, ErrPartTransferFailed) || ctx.Err() != nil {
			return PartResult{}, backoff.Permanent(err)
		}
		log.Warn().
			Err(err).
			Str("uploadId", session.UploadID).
			Int("partNumber", chunk.PartNumber).
			Int("attempt", attempt).
			Msg("Part transfer failed")
		return PartResult{}, err
	}

	retries := uint64(o.opts.MaxAttempts - 1)
	return backoff.RetryWithData(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
}

// partDone records a finished part. The callback runs without u.mu held, so it may call
// State or Session.
func (u *Upload) partDone(uploadID string, total int, onProgress ProgressFunc) {
	u.progressMu.Lock()
	defer u.progressMu.Unlock()

	u.mu.Lock()
	u.done++
	percent := int(math.Round(100 * float64(u.done) / float64(total)))
	if percent > 99 {
		percent = 99
	}
	if percent < u.percent {
		percent = u.percent
	}
	u.percent = percent
	progress := Progress{UploadID: uploadID, PartsCompleted: u.done, TotalParts: total, Percent: percent}
	u.mu.Unlock()

	if onProgress != nil {
		onProgress(progress)
	}
	if u.orchestrator.pending != nil {
		u.orchestrator.pending.SetProgress(uploadID, percent)
	}
}

func (u *Upload) report(onProgress ProgressFunc, progress Progress) {
	u.progressMu.Lock()
	defer u.progressMu.Unlock()

	u.mu.Lock()
	u.percent = progress.Percent
	u.mu.Unlock()

	if onProgress != nil {
		onProgress(progress)
	}
}

// fail aborts the session and moves the run to its terminal failure state.
func (u *Upload) fail(session Session, cause error) error {
	o := u.orchestrator
	cause = u.wrapCanceled(cause)
	terminal := u.terminalFor(cause)

	log.Error().
		Err(cause).
		Str("uploadId", session.UploadID).
		Str("key", session.Key).
		Msg("Upload failed, aborting session")

	// The run context may already be canceled; the abort still has to reach the store.
	abortCtx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	err := cause
	if abortErr := o.gateway.AbortSession(abortCtx, session); abortErr != nil && !errors.Is(abortErr, ErrSessionAlreadyFinalized) {
		log.Error().Err(abortErr).Str("uploadId", session.UploadID).Msg("Failed to abort upload session")
		err = multierror.Append(cause, fmt.Errorf("abort session: %w", abortErr))
	}

	_ = u.transition(terminal)
	if o.pending != nil {
		status := PendingFailed
		if terminal == StateAborted {
			status = PendingAborted
		}
		o.pending.Fail(session.UploadID, status, cause.Error())
	}
	return err
}

func (u *Upload) isCanceled() bool {
	select {
	case <-u.canceled:
		return true
	default:
		return false
	}
}

func (u *Upload) wrapCanceled(err error) error {
	if u.isCanceled() && !errors.Is(err, ErrCanceled) {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return err
}

func (u *Upload) terminalFor(err error) State {
	if errors.Is(err, ErrCanceled) || u.isCanceled() {
		return StateAborted
	}
	return StateFailed
}
