package upload

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"
)

// DefaultSignTTL is how long a presigned part URL stays valid.
const DefaultSignTTL = time.Hour

// Gateway executes single object-store operations for a multipart upload. Implementations
// carry no per-session state and must be safe for concurrent use.
type Gateway interface {
	CreateSession(ctx context.Context, key, contentType string) (Session, error)
	UploadPart(ctx context.Context, session Session, partNumber int, body io.Reader, size int64) (PartResult, error)
	SignPart(ctx context.Context, session Session, partNumber int, ttl time.Duration) (string, error)
	ListParts(ctx context.Context, session Session) ([]PartResult, error)
	CompleteSession(ctx context.Context, session Session, parts []PartResult) (Completion, error)
	// AbortSession returns nil or ErrSessionAlreadyFinalized for a session that no longer exists.
	AbortSession(ctx context.Context, session Session) error
}

// ValidateParts checks that parts cover 1..total exactly once and sorts them by part number.
func ValidateParts(parts []PartResult, total int) ([]PartResult, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: no parts to complete", ErrIncompletePartSet)
	}
	if len(parts) != total {
		return nil, fmt.Errorf("%w: have %d parts, want %d", ErrIncompletePartSet, len(parts), total)
	}

	sorted := slices.Clone(parts)
	slices.SortFunc(sorted, func(a, b PartResult) int { return a.PartNumber - b.PartNumber })

	for i, part := range sorted {
		if part.PartNumber != i+1 {
			return nil, fmt.Errorf("%w: part %d missing or duplicated", ErrIncompletePartSet, i+1)
		}
		if part.ETag == "" {
			return nil, fmt.Errorf("%w: part %d has no etag", ErrIncompletePartSet, part.PartNumber)
		}
	}
	return sorted, nil
}

// ValidPartNumber reports whether n is an acceptable S3 part number.
func ValidPartNumber(n int) bool {
	return n >= 1 && n <= MaxPartNumber
}
