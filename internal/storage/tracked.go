package storage

import (
	"context"
	"errors"
	"time"

	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/rs/zerolog/log"
)

// TrackedGateway records every session it opens or finalizes in the ledger. Ledger writes
// never fail a store call.
type TrackedGateway struct {
	upload.Gateway
	repo *Repository
	now  func() time.Time
}

func NewTrackedGateway(gateway upload.Gateway, repo *Repository) *TrackedGateway {
	return &TrackedGateway{Gateway: gateway, repo: repo, now: time.Now}
}

func (t *TrackedGateway) CreateSession(ctx context.Context, key, contentType string) (upload.Session, error) {
	session, err := t.Gateway.CreateSession(ctx, key, contentType)
	if err != nil {
		return session, err
	}

	now := t.now().Unix()
	record := &SessionRecord{
		UploadID:    session.UploadID,
		Key:         session.Key,
		ContentType: contentType,
		Status:      SessionOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.repo.Create(record); err != nil {
		log.Error().Err(err).Str("uploadId", session.UploadID).Msg("Failed to record upload session")
	}
	return session, nil
}

func (t *TrackedGateway) CompleteSession(ctx context.Context, session upload.Session, parts []upload.PartResult) (upload.Completion, error) {
	completion, err := t.Gateway.CompleteSession(ctx, session, parts)
	if err != nil {
		return completion, err
	}
	t.finalize(session.UploadID, SessionCompleted)
	return completion, nil
}

func (t *TrackedGateway) AbortSession(ctx context.Context, session upload.Session) error {
	err := t.Gateway.AbortSession(ctx, session)
	if err == nil || errors.Is(err, upload.ErrSessionAlreadyFinalized) {
		t.finalize(session.UploadID, SessionAborted)
	}
	return err
}

func (t *TrackedGateway) finalize(uploadID string, status SessionStatus) {
	err := t.repo.UpdateStatus(uploadID, status, t.now().Unix())
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.Error().Err(err).Str("uploadId", uploadID).Str("status", string(status)).Msg("Failed to update upload session")
	}
}
