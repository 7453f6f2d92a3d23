// Package remote drives the command surface of an uploader server as an upload.Gateway, so the
// CLI can run the same orchestrator against a server it does not hold store credentials for.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prappser/multipart_uploader/internal/storage"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/valyala/fasthttp"
)

const defaultTimeout = 2 * time.Minute

// Doer is the subset of *fasthttp.Client used to reach the server.
type Doer interface {
	DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
}

type Gateway struct {
	client   Doer
	endpoint string
	timeout  time.Duration
}

// NewGateway targets the command endpoint under serverURL, e.g. http://localhost:8080.
func NewGateway(client Doer, serverURL string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gateway{
		client:   client,
		endpoint: strings.TrimSuffix(serverURL, "/") + "/api/upload",
		timeout:  timeout,
	}
}

func (g *Gateway) CreateSession(ctx context.Context, key, contentType string) (upload.Session, error) {
	var resp storage.CreateSessionResponse
	err := g.command(ctx, storage.EndpointCreate, map[string]string{
		"fileName": key,
		"fileType": contentType,
	}, nil, &resp)
	if err != nil {
		return upload.Session{}, err
	}
	return upload.Session{UploadID: resp.UploadID, Key: resp.Key, ContentType: contentType}, nil
}

func (g *Gateway) UploadPart(ctx context.Context, session upload.Session, partNumber int, body io.Reader, size int64) (upload.PartResult, error) {
	var resp storage.UploadPartResponse
	chunk := &formFile{name: "chunk", body: body}
	if err := g.command(ctx, storage.EndpointPart, partFields(session, partNumber), chunk, &resp); err != nil {
		return upload.PartResult{}, err
	}
	return upload.PartResult{PartNumber: resp.PartNumber, ETag: resp.ETag}, nil
}

func (g *Gateway) SignPart(ctx context.Context, session upload.Session, partNumber int, ttl time.Duration) (string, error) {
	fields := partFields(session, partNumber)
	if ttl > 0 {
		fields["expiresIn"] = strconv.Itoa(int(math.Ceil(ttl.Seconds())))
	}

	var resp storage.SignPartResponse
	if err := g.command(ctx, storage.EndpointSign, fields, nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("%w: server returned no url", upload.ErrStoreUnavailable)
	}
	return resp.URL, nil
}

func (g *Gateway) ListParts(ctx context.Context, session upload.Session) ([]upload.PartResult, error) {
	var resp storage.ListPartsResponse
	if err := g.command(ctx, storage.EndpointList, sessionFields(session), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Parts, nil
}

func (g *Gateway) CompleteSession(ctx context.Context, session upload.Session, parts []upload.PartResult) (upload.Completion, error) {
	encoded, err := json.Marshal(parts)
	if err != nil {
		return upload.Completion{}, fmt.Errorf("%w: encode parts: %v", upload.ErrInvalidRequest, err)
	}
	fields := sessionFields(session)
	fields["parts"] = string(encoded)

	var completion upload.Completion
	if err := g.command(ctx, storage.EndpointComplete, fields, nil, &completion); err != nil {
		return upload.Completion{}, err
	}
	return completion, nil
}

func (g *Gateway) AbortSession(ctx context.Context, session upload.Session) error {
	return g.command(ctx, storage.EndpointAbort, sessionFields(session), nil, nil)
}

type formFile struct {
	name string
	body io.Reader
}

func (g *Gateway) command(ctx context.Context, endpoint string, fields map[string]string, file *formFile, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, contentType, err := encodeForm(endpoint, fields, file)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(g.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentType)
	req.SetBody(body)

	timeout := g.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	if err := g.client.DoTimeout(req, resp, timeout); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", upload.ErrStoreUnavailable, endpoint, err)
	}

	if status := resp.StatusCode(); status != fasthttp.StatusOK {
		return decodeError(endpoint, status, resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: %s: malformed response: %v", upload.ErrStoreUnavailable, endpoint, err)
	}
	return nil
}

func encodeForm(endpoint string, fields map[string]string, file *formFile) ([]byte, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("endpoint", endpoint); err != nil {
		return nil, "", err
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if file != nil {
		fw, err := w.CreateFormFile(file.name, "blob")
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(fw, file.body); err != nil {
			return nil, "", fmt.Errorf("%w: read part: %v", upload.ErrPartTransferFailed, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body.Bytes(), w.FormDataContentType(), nil
}

// decodeError restores the error sentinel the server answered with.
func decodeError(endpoint string, status int, body []byte) error {
	var resp storage.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Code == "" {
		return fmt.Errorf("%w: %s returned %d", upload.ErrStoreUnavailable, endpoint, status)
	}
	return fmt.Errorf("%w: %s", upload.FromCode(resp.Code), resp.Error)
}

func sessionFields(session upload.Session) map[string]string {
	return map[string]string{
		"key":      session.Key,
		"uploadId": session.UploadID,
	}
}

func partFields(session upload.Session, partNumber int) map[string]string {
	fields := sessionFields(session)
	fields["partNumber"] = strconv.Itoa(partNumber)
	return fields
}
