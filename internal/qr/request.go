// Package qr resolves a piece of text into a QR image by walking an ordered
// list of sources (custom endpoint, local encoder, remote endpoints) and
// falling back to a rendered placeholder when every source fails.
package qr

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyText is returned by NewRequest for blank input.
var ErrEmptyText = errors.New("text is empty")

// Request is one user action's worth of text. It is never mutated after
// NewRequest returns it.
type Request struct {
	ID          string
	Text        string
	RequestedAt time.Time
}

// NewRequest trims text and stamps it with an ID and time.
func NewRequest(text string) (Request, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Request{}, ErrEmptyText
	}
	return Request{
		ID:          uuid.New().String(),
		Text:        text,
		RequestedAt: time.Now().UTC(),
	}, nil
}
