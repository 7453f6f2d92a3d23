package upload

import (
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

var (
	ErrConfiguration           = errors.New("configuration error")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrPartTransferFailed      = errors.New("part transfer failed")
	ErrSignedURLExpired        = errors.New("signed url expired")
	ErrIncompletePartSet       = errors.New("incomplete part set")
	ErrSessionAlreadyFinalized = errors.New("session already finalized")
	ErrCanceled                = errors.New("upload canceled")
)

// PartError ties a failure to the part that produced it.
type PartError struct {
	PartNumber int
	Err        error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d: %v", e.PartNumber, e.Err)
}

func (e *PartError) Unwrap() error {
	return e.Err
}

// ExpiredURL builds an error matching both ErrPartTransferFailed and ErrSignedURLExpired.
func ExpiredURL(detail string) error {
	return fmt.Errorf("%w: %w: %s", ErrPartTransferFailed, ErrSignedURLExpired, detail)
}

// Code returns the stable wire code for err, used in HTTP error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrSignedURLExpired):
		return "signed_url_expired"
	case errors.Is(err, ErrPartTransferFailed):
		return "part_transfer_failed"
	case errors.Is(err, ErrIncompletePartSet):
		return "incomplete_part_set"
	case errors.Is(err, ErrSessionAlreadyFinalized):
		return "session_already_finalized"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	default:
		return "store_unavailable"
	}
}

// HTTPStatus maps err onto the status code the command surface answers with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrSignedURLExpired):
		return fasthttp.StatusForbidden
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrIncompletePartSet):
		return fasthttp.StatusBadRequest
	case errors.Is(err, ErrSessionAlreadyFinalized):
		return fasthttp.StatusNotFound
	case errors.Is(err, ErrCanceled):
		return fasthttp.StatusConflict
	case errors.Is(err, ErrConfiguration):
		return fasthttp.StatusInternalServerError
	default:
		return fasthttp.StatusBadGateway
	}
}

// FromCode is the inverse of Code.
func FromCode(code string) error {
	switch code {
	case "configuration":
		return ErrConfiguration
	case "signed_url_expired":
		return fmt.Errorf("%w: %w", ErrPartTransferFailed, ErrSignedURLExpired)
	case "part_transfer_failed":
		return ErrPartTransferFailed
	case "incomplete_part_set":
		return ErrIncompletePartSet
	case "session_already_finalized":
		return ErrSessionAlreadyFinalized
	case "invalid_request", "not_found":
		return ErrInvalidRequest
	case "canceled":
		return ErrCanceled
	default:
		return ErrStoreUnavailable
	}
}
