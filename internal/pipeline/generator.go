package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/qrpanel/internal/config"
	"github.com/kalambet/qrpanel/internal/delivery"
	"github.com/kalambet/qrpanel/internal/present"
	"github.com/kalambet/qrpanel/internal/qr"
	"github.com/kalambet/qrpanel/internal/storage"
)

// Via names the surface a trigger came from.
type Via string

const (
	ViaSelection   Via = "selection"
	ViaContextMenu Via = "context_menu"
	ViaCLI         Via = "cli"
	ViaMCP         Via = "mcp"
)

// DefaultOrigin is used when a trigger does not name its tab.
const DefaultOrigin = "default"

// TestText is sent to a custom endpoint when the caller supplies none.
const TestText = "test"

// Trigger is one user action asking for a QR code.
type Trigger struct {
	Text   string
	Origin string
	Via    Via
}

// Settings is the settings provider.
type Settings interface {
	Snapshot() config.CustomAPI
}

// Resolver runs the fallback chain.
type Resolver interface {
	Resolve(ctx context.Context, req qr.Request, s config.CustomAPI) qr.Result
	TestCustom(ctx context.Context, s config.CustomAPI, text string) (qr.Image, error)
}

// Deliverer hands results to the cache and presentation surfaces.
type Deliverer interface {
	Deliver(ctx context.Context, d delivery.Delivery) bool
}

// ResolutionLog records finished resolutions.
type ResolutionLog interface {
	SaveResolution(r storage.Resolution) error
}

// Generation is the outcome of one Generate call.
type Generation struct {
	Result qr.Result
	Origin string
	// Delivered is true when a presentation surface accepted the result.
	Delivered bool
	// Shared is true when the call joined an identical in-flight one.
	Shared bool
	// Stale is true when the origin moved on before the result was ready.
	Stale bool
}

// AttemptSummary is the loggable form of a qr.Outcome.
type AttemptSummary struct {
	Source     string `json:"source"`
	OK         bool   `json:"ok"`
	Kind       string `json:"kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Summarize converts outcomes for logs and API responses.
func Summarize(outcomes []qr.Outcome) []AttemptSummary {
	out := make([]AttemptSummary, 0, len(outcomes))
	for _, o := range outcomes {
		s := AttemptSummary{Source: o.Source, OK: o.OK(), DurationMs: o.Duration.Milliseconds()}
		if o.Err != nil {
			s.Kind = qr.FailureKind(o.Err)
			s.Error = o.Err.Error()
		}
		out = append(out, s)
	}
	return out
}

// Generator wires settings, resolution, staleness gating and delivery.
type Generator struct {
	settings Settings
	resolver Resolver
	sink     Deliverer
	gate     *present.Gate
	log      ResolutionLog
	logger   *zap.Logger
}

// NewGenerator creates a Generator. log may be nil.
func NewGenerator(settings Settings, resolver Resolver, sink Deliverer, gate *present.Gate, log ResolutionLog, logger *zap.Logger) *Generator {
	if gate == nil {
		gate = present.NewGate()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		settings: settings,
		resolver: resolver,
		sink:     sink,
		gate:     gate,
		log:      log,
		logger:   logger.Named("pipeline"),
	}
}

// Gate returns the staleness gate shared with the presentation surfaces.
func (g *Generator) Gate() *present.Gate { return g.gate }

// Generate resolves t.Text into an image and delivers it to t.Origin:
//  1. Build the request (blank text is rejected)
//  2. Snapshot settings once for the whole resolution
//  3. Join an identical in-flight resolution for the origin, or start one
//  4. Deliver unless the origin has moved on or the caller has gone
//
// The shared resolution is detached from the caller's cancellation, so a
// caller that disconnects never changes what joined callers receive. Its
// own result is then marked stale and left undelivered.
//
// The only error is qr.ErrEmptyText; every other failure ends in a
// degraded image.
func (g *Generator) Generate(ctx context.Context, t Trigger) (Generation, error) {
	req, err := qr.NewRequest(t.Text)
	if err != nil {
		return Generation{}, err
	}
	origin := t.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	settings := g.settings.Snapshot()

	v, gen, shared, _ := g.gate.Do(origin, req.Text, func(leaderGen uint64) (any, error) {
		start := time.Now()
		res := g.resolver.Resolve(context.WithoutCancel(ctx), req, settings)
		out := Generation{Result: res, Origin: origin}

		switch {
		case ctx.Err() != nil:
			out.Stale = true
			g.logger.Info("caller gone, not delivering", zap.String("request_id", req.ID), zap.String("origin", origin), zap.Error(ctx.Err()))
		case !g.deliverIfCurrent(ctx, origin, leaderGen, &out):
			out.Stale = true
			g.logger.Info("dropping stale result", zap.String("request_id", req.ID), zap.String("origin", origin))
		}

		g.record(t, origin, out, time.Since(start))
		return out, nil
	})

	out := v.(Generation)
	out.Shared = shared
	if shared && out.Stale && ctx.Err() == nil {
		// The leader went stale or left, but this caller may still be the
		// origin's latest.
		out.Stale = !g.deliverIfCurrent(ctx, origin, gen, &out)
	}
	return out, nil
}

// deliverIfCurrent delivers out.Result while gen is origin's latest
// generation, and reports whether it did.
func (g *Generator) deliverIfCurrent(ctx context.Context, origin string, gen uint64, out *Generation) bool {
	return g.gate.IfCurrent(origin, gen, func() {
		out.Delivered = g.sink.Deliver(ctx, delivery.Delivery{Result: out.Result, Origin: origin})
	})
}

// TestCustom makes one attempt against the endpoint described by s. Blank
// text is replaced by TestText.
func (g *Generator) TestCustom(ctx context.Context, s config.CustomAPI, text string) (qr.Image, error) {
	if text == "" {
		text = TestText
	}
	return g.resolver.TestCustom(ctx, s, text)
}

// Invalidate drops whatever is in flight for origin.
func (g *Generator) Invalidate(origin string) {
	g.gate.Invalidate(origin)
}

func (g *Generator) record(t Trigger, origin string, out Generation, elapsed time.Duration) {
	if g.log == nil {
		return
	}
	res := out.Result
	attempts, err := json.Marshal(Summarize(res.Attempts))
	if err != nil {
		attempts = []byte("[]")
	}
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warnJSON, err := json.Marshal(warnings)
	if err != nil {
		warnJSON = []byte("[]")
	}

	err = g.log.SaveResolution(storage.Resolution{
		ID:           res.Request.ID,
		CreatedAt:    res.Request.RequestedAt,
		Text:         res.Request.Text,
		Origin:       origin,
		Via:          string(t.Via),
		Source:       res.Source,
		Degraded:     res.Degraded,
		Delivered:    out.Delivered,
		AttemptsJSON: string(attempts),
		WarningsJSON: string(warnJSON),
		DurationMs:   elapsed.Milliseconds(),
	})
	if err != nil {
		g.logger.Warn("recording resolution", zap.String("request_id", res.Request.ID), zap.Error(err))
	}
}
