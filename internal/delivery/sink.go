// Package delivery hands a finished resolution to its consumers: the
// last-result cache and whatever presentation surfaces are listening.
package delivery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/qrpanel/internal/qr"
	"github.com/kalambet/qrpanel/internal/storage"
)

// ErrNoSurface means no presentation surface is open for the origin.
var ErrNoSurface = errors.New("no presentation surface")

// Payload is what a presentation surface receives.
type Payload struct {
	RequestID string    `json:"request_id"`
	Text      string    `json:"text"`
	Image     string    `json:"image"` // data URL
	Source    string    `json:"source"`
	Degraded  bool      `json:"degraded"`
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Presenter shows a payload to the user.
type Presenter interface {
	Present(ctx context.Context, p Payload) error
}

// Cache is the last-result store.
type Cache interface {
	SaveLastResult(r storage.LastResult) error
}

// Delivery is a result bound for one origin.
type Delivery struct {
	Result qr.Result
	Origin string
}

// NewPayload builds the presentation payload for d.
func NewPayload(d Delivery) Payload {
	return Payload{
		RequestID: d.Result.Request.ID,
		Text:      d.Result.Request.Text,
		Image:     d.Result.Image.DataURL(),
		Source:    d.Result.Source,
		Degraded:  d.Result.Degraded,
		Origin:    d.Origin,
		CreatedAt: time.Now().UTC(),
	}
}

// Sink writes results to the cache and then to the presenter. Neither
// failure reaches the caller: the resolution already succeeded.
type Sink struct {
	cache     Cache
	presenter Presenter
	logger    *zap.Logger
}

// NewSink creates a Sink. cache and presenter may be nil.
func NewSink(cache Cache, presenter Presenter, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{cache: cache, presenter: presenter, logger: logger.Named("delivery")}
}

// Deliver caches and presents d. It reports whether a surface accepted the
// payload.
func (s *Sink) Deliver(ctx context.Context, d Delivery) bool {
	res := d.Result

	if s.cache != nil {
		err := s.cache.SaveLastResult(storage.LastResult{
			RequestID:   res.Request.ID,
			Text:        res.Request.Text,
			Image:       res.Image.Data,
			ContentType: res.Image.ContentType,
			Source:      res.Source,
			Degraded:    res.Degraded,
		})
		if err != nil {
			s.logger.Error("caching last result", zap.String("request_id", res.Request.ID), zap.Error(err))
		}
	}

	if s.presenter == nil {
		return false
	}
	if err := s.presenter.Present(ctx, NewPayload(d)); err != nil {
		if errors.Is(err, ErrNoSurface) {
			s.logger.Debug("no surface open", zap.String("request_id", res.Request.ID), zap.String("origin", d.Origin))
		} else {
			s.logger.Warn("presenting result", zap.String("request_id", res.Request.ID), zap.Error(err))
		}
		return false
	}
	return true
}

// Fanout presents to every presenter in turn. It succeeds if at least one
// of them did.
type Fanout []Presenter

func (f Fanout) Present(ctx context.Context, p Payload) error {
	var errs []error
	delivered := false
	for _, pr := range f {
		if err := pr.Present(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	if len(errs) == 0 {
		return ErrNoSurface
	}
	return errors.Join(errs...)
}
