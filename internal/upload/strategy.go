package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

type StrategyName string

const (
	StrategyRelayed StrategyName = "relayed"
	StrategyDirect  StrategyName = "direct"
)

// TransferStrategy commits one chunk as a part of session. Calls for the same part number may
// be repeated; the store keeps the last committed bytes until completion.
type TransferStrategy interface {
	Name() StrategyName
	TransferChunk(ctx context.Context, session Session, chunk Chunk, file File) (PartResult, error)
}

// HTTPClient is the subset of *fasthttp.Client used for direct part PUTs.
type HTTPClient interface {
	DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
}

// RelayedUpload streams chunk bytes through the gateway.
type RelayedUpload struct {
	gateway Gateway
}

func NewRelayedUpload(gateway Gateway) *RelayedUpload {
	return &RelayedUpload{gateway: gateway}
}

func (r *RelayedUpload) Name() StrategyName {
	return StrategyRelayed
}

func (r *RelayedUpload) TransferChunk(ctx context.Context, session Session, chunk Chunk, file File) (PartResult, error) {
	part, err := r.gateway.UploadPart(ctx, session, chunk.PartNumber, file.section(chunk), chunk.Size())
	if err != nil {
		return PartResult{}, classifyTransferError(err)
	}
	if part.PartNumber != 0 && part.PartNumber != chunk.PartNumber {
		return PartResult{}, fmt.Errorf("%w: store acknowledged part %d for part %d", ErrPartTransferFailed, part.PartNumber, chunk.PartNumber)
	}
	if part.ETag == "" {
		return PartResult{}, fmt.Errorf("%w: store returned no etag", ErrPartTransferFailed)
	}
	return PartResult{PartNumber: chunk.PartNumber, ETag: part.ETag}, nil
}

// DirectSignedUpload signs a PUT URL for the part and sends the bytes straight to the store.
type DirectSignedUpload struct {
	gateway Gateway
	client  HTTPClient
	ttl     time.Duration
	timeout time.Duration
}

func NewDirectSignedUpload(gateway Gateway, client HTTPClient, ttl, timeout time.Duration) *DirectSignedUpload {
	if ttl <= 0 {
		ttl = DefaultSignTTL
	}
	if timeout <= 0 || timeout >= ttl {
		timeout = ttl / 2
	}
	return &DirectSignedUpload{
		gateway: gateway,
		client:  client,
		ttl:     ttl,
		timeout: timeout,
	}
}

func (d *DirectSignedUpload) Name() StrategyName {
	return StrategyDirect
}

func (d *DirectSignedUpload) TransferChunk(ctx context.Context, session Session, chunk Chunk, file File) (PartResult, error) {
	url, err := d.gateway.SignPart(ctx, session, chunk.PartNumber, d.ttl)
	if err != nil {
		return PartResult{}, classifyTransferError(err)
	}

	if err := ctx.Err(); err != nil {
		return PartResult{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.URI().DisablePathNormalizing = true
	req.Header.SetMethod(fasthttp.MethodPut)
	req.Header.SetContentType("application/octet-stream")
	req.SetBodyStream(file.section(chunk), int(chunk.Size()))

	timeout := d.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	if err := d.client.DoTimeout(req, resp, timeout); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PartResult{}, ctxErr
		}
		return PartResult{}, fmt.Errorf("%w: put: %v", ErrPartTransferFailed, err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		body := resp.Body()
		if status == fasthttp.StatusForbidden && bytes.Contains(bytes.ToLower(body), []byte("expired")) {
			return PartResult{}, ExpiredURL(fmt.Sprintf("put returned %d", status))
		}
		return PartResult{}, fmt.Errorf("%w: put returned %d", ErrPartTransferFailed, status)
	}

	etag := string(resp.Header.Peek(fasthttp.HeaderETag))
	if etag == "" {
		return PartResult{}, fmt.Errorf("%w: put response has no ETag header", ErrPartTransferFailed)
	}

	return PartResult{PartNumber: chunk.PartNumber, ETag: etag}, nil
}

// classifyTransferError keeps request-level and cancellation errors as they are and marks the
// rest as retryable transfer failures.
func classifyTransferError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrPartTransferFailed),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrSessionAlreadyFinalized),
		errors.Is(err, ErrConfiguration):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrPartTransferFailed, err)
	}
}
