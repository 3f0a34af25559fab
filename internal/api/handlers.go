package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kalambet/qrpanel/internal/config"
	"github.com/kalambet/qrpanel/internal/pipeline"
	"github.com/kalambet/qrpanel/internal/present"
	"github.com/kalambet/qrpanel/internal/qr"
	"github.com/kalambet/qrpanel/internal/selection"
	"github.com/kalambet/qrpanel/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Generator runs the generation pipeline.
type Generator interface {
	Generate(ctx context.Context, t pipeline.Trigger) (pipeline.Generation, error)
	TestCustom(ctx context.Context, s config.CustomAPI, text string) (qr.Image, error)
	Invalidate(origin string)
}

// SettingsStore reads and persists user settings.
type SettingsStore interface {
	Snapshot() config.CustomAPI
	Save(c config.CustomAPI) error
}

// ResultStore exposes the last-result cache and the resolution log.
type ResultStore interface {
	LastResult() (storage.LastResult, error)
	ClearLastResult() error
	ListResolutions(limit, offset int) ([]storage.Resolution, error)
	DeleteResolutions() (int64, error)
}

type Deps struct {
	Generator Generator
	Settings  SettingsStore
	Store     ResultStore
	Hub       *present.Hub
	Token     string
	Logger    *zap.Logger
	// Heartbeat is the SSE keep-alive interval. Defaults to 15s.
	Heartbeat time.Duration
}

// NewHandler returns the daemon's HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/qr", handleGenerate(deps))
		r.Post("/qr/test-custom", handleTestCustom(deps))
		r.Get("/last", handleGetLast(deps))
		r.Delete("/last", handleClearLast(deps))
		r.Get("/resolutions", handleListResolutions(deps))
		r.Delete("/resolutions", handleDeleteResolutions(deps))
		r.Get("/settings", handleGetSettings(deps))
		r.Put("/settings", handlePutSettings(deps))
		r.Post("/panel/{origin}/close", handleClosePanel(deps))
		r.Get("/events", handleEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type GenerateRequest struct {
	Text   string `json:"text"`
	HTML   string `json:"html,omitempty"`
	Origin string `json:"origin"`
	Via    string `json:"via"`
}

type GenerateResponse struct {
	RequestID string                    `json:"request_id"`
	Text      string                    `json:"text"`
	Source    string                    `json:"source"`
	Degraded  bool                      `json:"degraded"`
	Image     string                    `json:"image"`
	Delivered bool                      `json:"delivered"`
	Shared    bool                      `json:"shared,omitempty"`
	Stale     bool                      `json:"stale,omitempty"`
	Warnings  []string                  `json:"warnings"`
	Attempts  []pipeline.AttemptSummary `json:"attempts"`
}

func NewGenerateResponse(g pipeline.Generation) GenerateResponse {
	res := g.Result
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return GenerateResponse{
		RequestID: res.Request.ID,
		Text:      res.Request.Text,
		Source:    res.Source,
		Degraded:  res.Degraded,
		Image:     res.Image.DataURL(),
		Delivered: g.Delivered,
		Shared:    g.Shared,
		Stale:     g.Stale,
		Warnings:  warnings,
		Attempts:  pipeline.Summarize(res.Attempts),
	}
}

func parseVia(s string) (pipeline.Via, error) {
	switch via := pipeline.Via(s); via {
	case "":
		return pipeline.ViaSelection, nil
	case pipeline.ViaSelection, pipeline.ViaContextMenu, pipeline.ViaCLI, pipeline.ViaMCP:
		return via, nil
	default:
		return "", fmt.Errorf("unknown via %q", s)
	}
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		via, err := parseVia(req.Via)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		text := req.Text
		if text == "" && req.HTML != "" {
			text, err = selection.FromHTML(strings.NewReader(req.HTML))
			if err != nil && !errors.Is(err, selection.ErrEmpty) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid html: %v", err)
				return
			}
		}

		gen, err := deps.Generator.Generate(r.Context(), pipeline.Trigger{Text: text, Origin: req.Origin, Via: via})
		if errors.Is(err, qr.ErrEmptyText) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "generation failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, NewGenerateResponse(gen))
	}
}

type TestCustomRequest struct {
	config.CustomAPI
	Text string `json:"text"`
}

type TestCustomResponse struct {
	OK          bool   `json:"ok"`
	Image       string `json:"image"`
	ContentType string `json:"content_type"`
	Bytes       int    `json:"bytes"`
}

func handleTestCustom(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req TestCustomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		img, err := deps.Generator.TestCustom(r.Context(), req.CustomAPI, req.Text)
		if errors.Is(err, qr.ErrMalformedConfig) {
			httpError(w, http.StatusBadRequest, "malformed_config", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, qr.FailureKind(err), "custom endpoint failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, TestCustomResponse{
			OK:          true,
			Image:       img.DataURL(),
			ContentType: img.ContentType,
			Bytes:       len(img.Data),
		})
	}
}

type LastResultResponse struct {
	RequestID string    `json:"request_id"`
	Text      string    `json:"text"`
	Image     string    `json:"image"`
	Source    string    `json:"source"`
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"created_at"`
}

// handleGetLast restores the last result. ?format=raw answers with the
// image bytes instead of JSON.
func handleGetLast(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last, err := deps.Store.LastResult()
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no QR code generated yet")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load last result: %v", err)
			return
		}

		if r.URL.Query().Get("format") == "raw" {
			w.Header().Set("Content-Type", last.ContentType)
			w.Header().Set("Content-Length", strconv.Itoa(len(last.Image)))
			w.Write(last.Image)
			return
		}

		writeJSON(w, http.StatusOK, lastResultResponse(last))
	}
}

func lastResultResponse(last storage.LastResult) LastResultResponse {
	return LastResultResponse{
		RequestID: last.RequestID,
		Text:      last.Text,
		Image:     qr.Image{Data: last.Image, ContentType: last.ContentType}.DataURL(),
		Source:    last.Source,
		Degraded:  last.Degraded,
		CreatedAt: last.CreatedAt,
	}
}

func handleClearLast(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.ClearLastResult(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear last result: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

type ResolutionView struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	Text       string          `json:"text"`
	Origin     string          `json:"origin"`
	Via        string          `json:"via"`
	Source     string          `json:"source"`
	Degraded   bool            `json:"degraded"`
	Delivered  bool            `json:"delivered"`
	Attempts   json.RawMessage `json:"attempts"`
	Warnings   json.RawMessage `json:"warnings"`
	DurationMs int64           `json:"duration_ms"`
}

func handleListResolutions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		rows, err := deps.Store.ListResolutions(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list resolutions: %v", err)
			return
		}

		views := make([]ResolutionView, len(rows))
		for i, row := range rows {
			views[i] = ResolutionView{
				ID:         row.ID,
				CreatedAt:  row.CreatedAt,
				Text:       row.Text,
				Origin:     row.Origin,
				Via:        row.Via,
				Source:     row.Source,
				Degraded:   row.Degraded,
				Delivered:  row.Delivered,
				Attempts:   json.RawMessage(row.AttemptsJSON),
				Warnings:   json.RawMessage(row.WarningsJSON),
				DurationMs: row.DurationMs,
			}
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleDeleteResolutions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.DeleteResolutions()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete resolutions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "deleted": n})
	}
}

func handleGetSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Settings.Snapshot())
	}
}

func handlePutSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var s config.CustomAPI
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Settings.Save(s); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, deps.Settings.Snapshot())
	}
}

func handleClosePanel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := chi.URLParam(r, "origin")
		deps.Generator.Invalidate(origin)
		closed := 0
		if deps.Hub != nil {
			closed = deps.Hub.CloseOrigin(origin)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "closed", "subscribers": closed})
	}
}

// handleEvents streams delivered results for ?origin= (all origins when
// omitted) as server-sent events. ?restore=1 replays the last result first,
// the way a panel shows the previous code when it opens.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Hub == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "event stream not available")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		origin := r.URL.Query().Get("origin")
		if origin == "" {
			origin = present.AllOrigins
		}
		sub := deps.Hub.Subscribe(origin)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		if r.URL.Query().Get("restore") == "1" {
			if last, err := deps.Store.LastResult(); err == nil {
				writeEvent(w, "restore", lastResultResponse(last))
				flusher.Flush()
			}
		}

		heartbeat := time.NewTicker(deps.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case p, open := <-sub.C:
				if !open {
					writeEvent(w, "closed", map[string]string{"origin": origin})
					flusher.Flush()
					return
				}
				if err := writeEvent(w, "qr", p); err != nil {
					deps.Logger.Warn("writing event", zap.String("origin", origin), zap.Error(err))
					return
				}
				flusher.Flush()
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
