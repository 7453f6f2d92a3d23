package storage

import "github.com/prappser/multipart_uploader/internal/upload"

type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// SessionRecord is the ledger row for one multipart session created through this server.
type SessionRecord struct {
	UploadID    string        `json:"uploadId"`
	Key         string        `json:"key"`
	ContentType string        `json:"contentType"`
	Status      SessionStatus `json:"status"`
	CreatedAt   int64         `json:"createdAt"`
	UpdatedAt   int64         `json:"updatedAt"`
}

func (r *SessionRecord) Session() upload.Session {
	return upload.Session{UploadID: r.UploadID, Key: r.Key, ContentType: r.ContentType}
}

type CreateSessionResponse struct {
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

type UploadPartResponse struct {
	ETag       string `json:"etag"`
	PartNumber int    `json:"partNumber"`
}

type SignPartResponse struct {
	URL        string `json:"url"`
	PartNumber int    `json:"partNumber"`
	ExpiresAt  int64  `json:"expiresAt"`
}

type ListPartsResponse struct {
	Parts []upload.PartResult `json:"parts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
