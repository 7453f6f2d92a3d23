package storage

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	EndpointCreate   = "create-multipart-upload"
	EndpointPart     = "upload-part"
	EndpointSign     = "sign-part"
	EndpointList     = "list-parts"
	EndpointComplete = "complete-multipart-upload"
	EndpointAbort    = "abort-multipart-upload"
)

type Endpoints struct {
	gateway upload.Gateway
	local   *LocalGateway
	signTTL time.Duration
}

// NewEndpoints serves the command surface over gateway. local is nil unless the local driver
// is active, in which case the part and object routes are served too.
func NewEndpoints(gateway upload.Gateway, local *LocalGateway, signTTL time.Duration) *Endpoints {
	if signTTL <= 0 {
		signTTL = upload.DefaultSignTTL
	}
	return &Endpoints{
		gateway: gateway,
		local:   local,
		signTTL: signTTL,
	}
}

// Command dispatches one multipart store operation named by the form's endpoint field.
func (e *Endpoints) Command(ctx *fasthttp.RequestCtx) {
	contentType := string(ctx.Request.Header.ContentType())
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "Content-Type must be multipart/form-data")
		return
	}

	form, err := ctx.MultipartForm()
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "Failed to parse multipart form")
		return
	}

	endpoint := formValue(form, "endpoint")
	if endpoint == "" {
		endpoint = formValue(form, "endPoint")
	}

	switch endpoint {
	case EndpointCreate:
		e.createSession(ctx, form)
	case EndpointPart:
		e.uploadPart(ctx, form)
	case EndpointSign:
		e.signPart(ctx, form)
	case EndpointList:
		e.listParts(ctx, form)
	case EndpointComplete:
		e.completeSession(ctx, form)
	case EndpointAbort:
		e.abortSession(ctx, form)
	default:
		writeError(ctx, fasthttp.StatusNotFound, "not_found", "Endpoint not found")
	}
}

func (e *Endpoints) createSession(ctx *fasthttp.RequestCtx, form *multipart.Form) {
	fileName := formValue(form, "fileName")
	if fileName == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "fileName is required")
		return
	}
	fileType := formValue(form, "fileType")
	if fileType == "" {
		fileType = "application/octet-stream"
	}

	session, err := e.gateway.CreateSession(ctx, fileName, fileType)
	if err != nil {
		log.Error().Err(err).Str("key", fileName).Msg("Failed to create multipart upload")
		writeStoreError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, CreateSessionResponse{UploadID: session.UploadID, Key: session.Key})
}

func (e *Endpoints) uploadPart(ctx *fasthttp.RequestCtx, form *multipart.Form) {
	session, ok := sessionFromForm(ctx, form)
	if !ok {
		return
	}
	partNumber, ok := partNumberFromForm(ctx, form)
	if !ok {
		return
	}

	files := form.File["chunk"]
	if len(files) == 0 {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "chunk is required")
		return
	}
	chunk, err := files[0].Open()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "store_unavailable", "Failed to open uploaded chunk")
		return
	}
	defer chunk.Close()

	part, err := e.gateway.UploadPart(ctx, session, partNumber, chunk, files[0].Size)
	if err != nil {
		log.Error().Err(err).Str("uploadId", session.UploadID).Int("partNumber", partNumber).Msg("Failed to upload part")
		writeStoreError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, UploadPartResponse{ETag: part.ETag, PartNumber: partNumber})
}

func (e *Endpoints) signPart(ctx *fasthttp.RequestCtx, form *multipart.Form) {
	session, ok := sessionFromForm(ctx, form)
	if !ok {
		return
	}
	partNumber, ok := partNumberFromForm(ctx, form)
	if !ok {
		return
	}

	ttl := e.signTTL
	if raw := formValue(form, "expiresIn"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "expiresIn must be a positive number of seconds")
			return
		}
		ttl = min(time.Duration(seconds)*time.Second, e.signTTL)
	}

	url, err := e.gateway.SignPart(ctx, session, partNumber, ttl)
	if err != nil {
		log.Error().Err(err).Str("uploadId", session.UploadID).Int("partNumber", partNumber).Msg("Failed to sign part")
		writeStoreError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, SignPartResponse{
		URL:        url,
		PartNumber: partNumber,
		ExpiresAt:  time.Now().Add(ttl).Unix(),
	})
}

func (e *Endpoints) listParts(ctx *fasthttp.RequestCtx, form *multipart.Form) {
	session, ok := sessionFromForm(ctx, form)
	if !ok {
		return
	}

	parts, err := e.gateway.ListParts(ctx, session)
	if err != nil {
		log.Error().Err(err).Str("uploadId", session.UploadID).Msg("Failed to list parts")
		writeStoreError(ctx, err)
		return
	}
	if parts == nil {
		parts = []upload.PartResult{}
	}

	writeJSON(ctx, fasthttp.StatusOK, ListPartsResponse{Parts: parts})
}

func (e *Endpoints) completeSession(ctx *fasthttp.RequestCtx, form *multipart.Form) {
	session, ok := sessionFromForm(ctx, form)
	if !ok {
		return
	}

	var parts []upload.PartResult
	if err := json.Unmarshal([]byte(formValue(form, "parts")), &parts); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "parts must be a JSON array of {PartNumber, ETag}")
		return
	}

	ordered, err := upload.ValidateParts(parts, len(parts))
	if err != nil {
		writeStoreError(ctx, err)
		return
	}

	completion, err := e.gateway.CompleteSession(ctx, session, ordered)
	if err != nil {
		log.Error().Err(err).Str("uploadId", session.UploadID).Msg("Failed to complete multipart upload")
		writeStoreError(ctx, err)
		return
	}

	log.Info().
		Str("uploadId", session.UploadID).
		Str("key", session.Key).
		Int("parts", len(ordered)).
		Msg("Multipart upload completed")
	writeJSON(ctx, fasthttp.StatusOK, completion)
}

func (e *Endpoints) abortSession(ctx *fasthttp.RequestCtx, form *multipart.Form) {
	session, ok := sessionFromForm(ctx, form)
	if !ok {
		return
	}

	err := e.gateway.AbortSession(ctx, session)
	if errors.Is(err, upload.ErrSessionAlreadyFinalized) {
		// aborting twice is a no-op for the caller
		log.Debug().Str("uploadId", session.UploadID).Msg("Multipart upload already finalized, nothing to abort")
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Str("uploadId", session.UploadID).Msg("Failed to abort multipart upload")
		writeStoreError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, struct{}{})
}

// PutPart receives a part PUT against a URL signed by the local driver.
func (e *Endpoints) PutPart(ctx *fasthttp.RequestCtx) {
	if e.local == nil {
		writeError(ctx, fasthttp.StatusNotFound, "not_found", "Not Found")
		return
	}

	token, _ := ctx.UserValue("token").(string)
	if token == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	body := ctx.PostBody()
	part, err := e.local.PutSignedPart(ctx, token, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		// expired tokens answer 403 with "expired" in the body, like S3
		writeStoreError(ctx, err)
		return
	}

	ctx.Response.Header.Set(fasthttp.HeaderETag, part.ETag)
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// GetObject serves a completed object of the local driver.
func (e *Endpoints) GetObject(ctx *fasthttp.RequestCtx) {
	if e.local == nil {
		writeError(ctx, fasthttp.StatusNotFound, "not_found", "Not Found")
		return
	}

	key, _ := ctx.UserValue("key").(string)
	file, size, err := e.local.Open(key)
	if err != nil {
		writeError(ctx, fasthttp.StatusNotFound, "not_found", "Object not found")
		return
	}

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		file.Close()
		writeError(ctx, fasthttp.StatusInternalServerError, "store_unavailable", "Failed to read object")
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		writeError(ctx, fasthttp.StatusInternalServerError, "store_unavailable", "Failed to read object")
		return
	}

	ctx.SetContentType(mtype.String())
	// fasthttp closes the file once the body is written
	ctx.SetBodyStream(file, int(size))
}

func sessionFromForm(ctx *fasthttp.RequestCtx, form *multipart.Form) (upload.Session, bool) {
	session := upload.Session{
		Key:      formValue(form, "key"),
		UploadID: formValue(form, "uploadId"),
	}
	if session.Key == "" || session.UploadID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "key and uploadId are required")
		return upload.Session{}, false
	}
	return session, true
}

func partNumberFromForm(ctx *fasthttp.RequestCtx, form *multipart.Form) (int, bool) {
	partNumber, err := strconv.Atoi(formValue(form, "partNumber"))
	if err != nil || !upload.ValidPartNumber(partNumber) {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "partNumber must be between 1 and 10000")
		return 0, false
	}
	return partNumber, true
}

func formValue(form *multipart.Form, name string) string {
	if values := form.Value[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func writeStoreError(ctx *fasthttp.RequestCtx, err error) {
	writeError(ctx, upload.HTTPStatus(err), upload.Code(err), err.Error())
}

func writeError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	writeJSON(ctx, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.Error("Failed to encode response", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}
