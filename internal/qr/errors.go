package qr

import (
	"errors"
	"fmt"
)

// Attempt failures. Every one of them is local to a single source: the
// resolver logs it and moves on to the next descriptor.
var (
	ErrTimeout            = errors.New("request timed out")
	ErrInvalidContentType = errors.New("invalid content type")
	ErrEmptyPayload       = errors.New("empty payload")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrMalformedConfig    = errors.New("malformed custom endpoint config")
	ErrEncoder            = errors.New("local encoder failed")
)

// StatusError is an HTTP failure. Code 0 means no response was received
// (connection refused, DNS failure, reset).
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("no response: %v", e.Err)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// FailureKind names an attempt failure for logs and API responses.
func FailureKind(err error) string {
	var statusErr *StatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &statusErr):
		return "http_error"
	case errors.Is(err, ErrInvalidContentType):
		return "invalid_content_type"
	case errors.Is(err, ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrMalformedConfig):
		return "malformed_config"
	case errors.Is(err, ErrEncoder):
		return "encoder_error"
	default:
		return "error"
	}
}
