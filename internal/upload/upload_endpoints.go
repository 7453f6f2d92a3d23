package upload

import (
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

type UploadEndpoints struct {
	orchestrator *Orchestrator
	pending      *PendingList
}

func NewUploadEndpoints(orchestrator *Orchestrator, pending *PendingList) *UploadEndpoints {
	return &UploadEndpoints{
		orchestrator: orchestrator,
		pending:      pending,
	}
}

// StartUpload handles POST /uploads. The request blocks until the upload reaches a terminal
// state; progress is published on the pending list meanwhile.
func (ue *UploadEndpoints) StartUpload(ctx *fasthttp.RequestCtx) {
	form, err := ctx.MultipartForm()
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "Failed to parse multipart form")
		return
	}

	files := form.File["file"]
	if len(files) == 0 {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	header := files[0]

	body, err := header.Open()
	if err != nil {
		log.Error().Err(err).Str("file", header.Filename).Msg("Failed to open uploaded file")
		writeError(ctx, fasthttp.StatusInternalServerError, "store_unavailable", "Failed to open uploaded file")
		return
	}
	defer body.Close()

	name := header.Filename
	if values := form.Value["key"]; len(values) > 0 && values[0] != "" {
		name = values[0]
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if mtype, err := mimetype.DetectReader(io.NewSectionReader(body, 0, header.Size)); err == nil {
			contentType = mtype.String()
		}
	}

	file := File{
		Name:        name,
		ContentType: contentType,
		Size:        header.Size,
		Body:        body,
	}

	run := ue.orchestrator.NewUpload(file)
	result, err := run.Run(ctx, nil)
	if err != nil {
		log.Error().Err(err).Str("file", name).Msg("Upload failed")
		if item, ok := ue.pending.Get(run.Session().UploadID); ok {
			writeJSON(ctx, HTTPStatus(err), item)
			return
		}
		writeError(ctx, HTTPStatus(err), Code(err), err.Error())
		return
	}

	if item, ok := ue.pending.Get(result.Session.UploadID); ok {
		writeJSON(ctx, fasthttp.StatusCreated, item)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, result)
}

// ListUploads handles GET /uploads
func (ue *UploadEndpoints) ListUploads(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, ue.pending.List())
}

// CancelUpload handles DELETE /uploads/{uploadID}
func (ue *UploadEndpoints) CancelUpload(ctx *fasthttp.RequestCtx) {
	uploadID, _ := ctx.UserValue("uploadID").(string)
	if uploadID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "Upload ID is required")
		return
	}

	if !ue.orchestrator.Cancel(uploadID) {
		if _, known := ue.pending.Get(uploadID); known {
			writeError(ctx, fasthttp.StatusConflict, "session_already_finalized", "Upload already finished")
			return
		}
		writeError(ctx, fasthttp.StatusNotFound, "not_found", "Upload not found")
		return
	}

	log.Info().Str("uploadId", uploadID).Msg("Upload cancel requested")
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	writeJSON(ctx, status, errorBody{Error: message, Code: code})
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
