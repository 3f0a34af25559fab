package qr

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/qrpanel/internal/config"
)

// Attempter performs one attempt against one descriptor. *Fetcher is the
// production implementation.
type Attempter interface {
	Attempt(ctx context.Context, text string, d Descriptor) (Image, error)
}

// Outcome is the result of one attempt. A nil Err means success.
type Outcome struct {
	Source   string
	Kind     Kind
	Image    Image
	Err      error
	Duration time.Duration
}

// OK reports whether the attempt produced an image.
func (o Outcome) OK() bool { return o.Err == nil }

// Result is what a resolution hands to delivery: always an image, either
// from a real source or from the degraded renderer.
type Result struct {
	Request  Request
	Image    Image
	Source   string
	Degraded bool
	Attempts []Outcome
	Warnings []string
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Remotes are tried last, in order. Defaults to DefaultRemotes("").
	Remotes []Descriptor
	// LocalEnabled includes the offline encoder after the custom endpoint.
	LocalEnabled bool
	Logger       *zap.Logger
}

// Resolver walks the descriptor order for a request. It holds no
// per-request state and is safe for concurrent use.
type Resolver struct {
	attempter    Attempter
	remotes      []Descriptor
	localEnabled bool
	logger       *zap.Logger
}

// NewResolver creates a Resolver over the given attempter.
func NewResolver(a Attempter, opts ResolverOptions) *Resolver {
	remotes := opts.Remotes
	if remotes == nil {
		remotes = DefaultRemotes("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		attempter:    a,
		remotes:      remotes,
		localEnabled: opts.LocalEnabled,
		logger:       logger.Named("resolver"),
	}
}

// Order computes the attempt sequence for one resolution: custom (when
// enabled and well formed), then local, then remotes. A malformed custom
// endpoint is skipped and reported as a warning.
func (r *Resolver) Order(s config.CustomAPI) ([]Descriptor, []string) {
	order := make([]Descriptor, 0, len(r.remotes)+2)
	var warnings []string

	if s.UseCustomAPI {
		d, warns, err := CustomDescriptor(s)
		warnings = append(warnings, warns...)
		if err != nil {
			warnings = append(warnings, err.Error()+"; falling back to built-in sources")
		} else {
			order = append(order, d)
		}
	}
	if r.localEnabled {
		order = append(order, LocalDescriptor())
	}
	order = append(order, r.remotes...)
	return order, warnings
}

// Resolve tries each descriptor in order, one at a time, and stops at the
// first success. When every source fails, or ctx is cancelled before one
// succeeds, the degraded placeholder is returned instead. Resolve never
// fails.
func (r *Resolver) Resolve(ctx context.Context, req Request, s config.CustomAPI) Result {
	order, warnings := r.Order(s)
	res := Result{Request: req, Warnings: warnings}

	for _, w := range warnings {
		r.logger.Warn("custom endpoint settings", zap.String("request_id", req.ID), zap.String("warning", w))
	}

	for i, d := range order {
		if ctx.Err() != nil {
			r.logger.Info("resolution cancelled",
				zap.String("request_id", req.ID),
				zap.Int("remaining", len(order)-i),
				zap.Error(ctx.Err()))
			break
		}

		start := time.Now()
		img, err := r.attempter.Attempt(ctx, req.Text, d)
		out := Outcome{Source: d.Name, Kind: d.Kind, Err: err, Duration: time.Since(start)}
		if err == nil && img.Empty() {
			out.Err = ErrEmptyPayload
		}
		if out.OK() {
			out.Image = img
		}
		res.Attempts = append(res.Attempts, out)

		if !out.OK() {
			r.logger.Debug("source failed",
				zap.String("request_id", req.ID),
				zap.Int("attempt", i+1),
				zap.Int("of", len(order)),
				zap.String("source", d.Name),
				zap.String("kind", FailureKind(out.Err)),
				zap.Duration("duration", out.Duration),
				zap.Error(out.Err))
			continue
		}

		r.logger.Info("qr generated",
			zap.String("request_id", req.ID),
			zap.String("source", d.Name),
			zap.Duration("duration", time.Since(req.RequestedAt)))
		res.Image = img
		res.Source = d.Name
		return res
	}

	r.logger.Warn("all sources failed, rendering placeholder",
		zap.String("request_id", req.ID),
		zap.Int("attempts", len(res.Attempts)))
	res.Image = Render(req.Text)
	res.Source = SourceDegraded
	res.Degraded = true
	return res
}

// TestCustom makes exactly one attempt against the custom endpoint
// described by s, whether or not it is enabled. It backs the "test custom
// endpoint" action.
func (r *Resolver) TestCustom(ctx context.Context, s config.CustomAPI, text string) (Image, error) {
	d, _, err := CustomDescriptor(s)
	if err != nil {
		return Image{}, err
	}
	img, err := r.attempter.Attempt(ctx, text, d)
	if err != nil {
		return Image{}, err
	}
	if img.Empty() {
		return Image{}, ErrEmptyPayload
	}
	return img, nil
}
