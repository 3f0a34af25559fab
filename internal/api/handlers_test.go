package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/qrpanel/internal/config"
	"github.com/kalambet/qrpanel/internal/delivery"
	"github.com/kalambet/qrpanel/internal/pipeline"
	"github.com/kalambet/qrpanel/internal/present"
	"github.com/kalambet/qrpanel/internal/qr"
	"github.com/kalambet/qrpanel/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockGenerator struct {
	mu          sync.Mutex
	triggers    []pipeline.Trigger
	invalidated []string
	testErr     error
	testText    string
}

func (m *mockGenerator) Generate(_ context.Context, t pipeline.Trigger) (pipeline.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(t.Text) == "" {
		return pipeline.Generation{}, qr.ErrEmptyText
	}
	m.triggers = append(m.triggers, t)
	req := qr.Request{ID: "req-1", Text: t.Text}
	return pipeline.Generation{
		Result: qr.Result{
			Request:  req,
			Image:    qr.Image{Data: []byte{0x89, 'P', 'N', 'G'}, ContentType: "image/png"},
			Source:   qr.SourceLocal,
			Attempts: []qr.Outcome{{Source: "custom", Err: qr.ErrInvalidContentType}, {Source: qr.SourceLocal}},
			Warnings: []string{"customApiHeaders ignored"},
		},
		Origin:    t.Origin,
		Delivered: true,
	}, nil
}

func (m *mockGenerator) TestCustom(_ context.Context, s config.CustomAPI, text string) (qr.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testText = text
	if m.testErr != nil {
		return qr.Image{}, m.testErr
	}
	if _, _, err := qr.CustomDescriptor(s); err != nil {
		return qr.Image{}, err
	}
	return qr.Image{Data: []byte("png-bytes"), ContentType: "image/png"}, nil
}

func (m *mockGenerator) Invalidate(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, origin)
}

type mockSettings struct {
	mu sync.Mutex
	s  config.CustomAPI
}

func (m *mockSettings) Snapshot() config.CustomAPI {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

func (m *mockSettings) Save(c config.CustomAPI) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = c
	return nil
}

// --- helpers ---

type testEnv struct {
	handler  http.Handler
	store    *storage.Store
	gen      *mockGenerator
	settings *mockSettings
	hub      *present.Hub
}

func setupHandler(t *testing.T, token string) testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := testEnv{
		store:    store,
		gen:      &mockGenerator{},
		settings: &mockSettings{s: config.CustomAPI{ShowSelectionButton: true, TimeoutMs: 5000}},
		hub:      present.NewHub(0),
	}
	env.handler = NewHandler(Deps{
		Generator: env.gen,
		Settings:  env.settings,
		Store:     store,
		Hub:       env.hub,
		Token:     token,
		Heartbeat: 20 * time.Millisecond,
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func errorType(t *testing.T, body io.Reader) string {
	t.Helper()
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp.Error.Type
}

func seedLast(t *testing.T, store *storage.Store) {
	t.Helper()
	err := store.SaveLastResult(storage.LastResult{
		RequestID:   "req-9",
		Text:        "hello",
		Image:       []byte("PNGDATA"),
		ContentType: "image/png",
		Source:      "remote:goqr",
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveLastResult: %v", err)
	}
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	env := setupHandler(t, testToken)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestAuth(t *testing.T) {
	env := setupHandler(t, testToken)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, authReq(http.MethodGet, "/settings", "", tt.token))
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	env := setupHandler(t, "")

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodGet, "/settings", "", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestGenerate(t *testing.T) {
	env := setupHandler(t, testToken)

	body := `{"text":"https://example.com","origin":"tab-7","via":"context_menu"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodPost, "/qr", body, testToken))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp GenerateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Source != "local" || !resp.Delivered || resp.RequestID != "req-1" {
		t.Errorf("unexpected response: %+v", resp)
	}
	img, ok := qr.ParseDataURL(resp.Image)
	if !ok || string(img.Data) != "\x89PNG" {
		t.Errorf("image = %q", resp.Image)
	}
	if len(resp.Attempts) != 2 || resp.Attempts[0].Kind != "invalid_content_type" {
		t.Errorf("attempts = %+v", resp.Attempts)
	}
	if len(resp.Warnings) != 1 {
		t.Errorf("warnings = %v", resp.Warnings)
	}

	got := env.gen.triggers[0]
	if got.Origin != "tab-7" || got.Via != pipeline.ViaContextMenu {
		t.Errorf("trigger = %+v", got)
	}
}

func TestGenerate_DefaultsViaToSelection(t *testing.T) {
	env := setupHandler(t, testToken)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodPost, "/qr", `{"text":"x"}`, testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if env.gen.triggers[0].Via != pipeline.ViaSelection {
		t.Errorf("via = %q", env.gen.triggers[0].Via)
	}
}

func TestGenerate_FromHTML(t *testing.T) {
	env := setupHandler(t, testToken)

	body := `{"html":"<p>wifi <b>password</b></p><script>x()</script>"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodPost, "/qr", body, testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if env.gen.triggers[0].Text != "wifi password" {
		t.Errorf("text = %q", env.gen.triggers[0].Text)
	}
}

func TestGenerate_BadRequests(t *testing.T) {
	env := setupHandler(t, testToken)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"empty text", `{"text":"   "}`},
		{"unknown via", `{"text":"x","via":"carrier_pigeon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, authReq(http.MethodPost, "/qr", tt.body, testToken))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if typ := errorType(t, w.Body); typ != "invalid_request_error" {
				t.Errorf("error type = %q", typ)
			}
		})
	}
}

func TestTestCustom(t *testing.T) {
	env := setupHandler(t, testToken)

	body := `{"customApiUrl":"https://qr.test/{TEXT}","customApiTimeout":2000,"text":"sample"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodPost, "/qr/test-custom", body, testToken))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp TestCustomResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Bytes != len("png-bytes") || resp.ContentType != "image/png" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if env.gen.testText != "sample" {
		t.Errorf("text = %q", env.gen.testText)
	}
}

func TestTestCustom_MalformedConfig(t *testing.T) {
	env := setupHandler(t, testToken)

	body := `{"customApiUrl":"qr.test/no-placeholder"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodPost, "/qr/test-custom", body, testToken))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if typ := errorType(t, w.Body); typ != "malformed_config" {
		t.Errorf("error type = %q", typ)
	}
}

func TestTestCustom_UpstreamFailure(t *testing.T) {
	env := setupHandler(t, testToken)
	env.gen.testErr = &qr.StatusError{Code: http.StatusInternalServerError}

	body := `{"customApiUrl":"https://qr.test/{TEXT}"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodPost, "/qr/test-custom", body, testToken))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if typ := errorType(t, w.Body); typ != "http_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestLast(t *testing.T) {
	env := setupHandler(t, testToken)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodGet, "/last", "", testToken))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any generation, got %d", w.Code)
	}

	seedLast(t, env.store)

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodGet, "/last", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp LastResultResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "hello" || resp.Source != "remote:goqr" || resp.Image != "data:image/png;base64,UE5HREFUQQ==" {
		t.Errorf("unexpected response: %+v", resp)
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodGet, "/last?format=raw", "", testToken))
	if w.Code != http.StatusOK || w.Body.String() != "PNGDATA" {
		t.Errorf("raw: %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodDelete, "/last", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	if _, err := env.store.LastResult(); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after clear: err = %v", err)
	}
}

func TestResolutions(t *testing.T) {
	env := setupHandler(t, testToken)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := env.store.SaveResolution(storage.Resolution{
			ID:           fmt.Sprintf("r%d", i),
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
			Text:         fmt.Sprintf("text %d", i),
			Origin:       "tab-1",
			Via:          "selection",
			Source:       "local",
			AttemptsJSON: `[{"source":"local","ok":true,"duration_ms":1}]`,
			WarningsJSON: `[]`,
		})
		if err != nil {
			t.Fatalf("SaveResolution: %v", err)
		}
	}

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodGet, "/resolutions?limit=2", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []ResolutionView
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 || views[0].ID != "r2" {
		t.Fatalf("views = %+v", views)
	}
	var attempts []pipeline.AttemptSummary
	if err := json.Unmarshal(views[0].Attempts, &attempts); err != nil || len(attempts) != 1 || !attempts[0].OK {
		t.Errorf("attempts = %s (%v)", views[0].Attempts, err)
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodDelete, "/resolutions", "", testToken))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deleted":3`) {
		t.Errorf("delete: %d %s", w.Code, w.Body.String())
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=-1", 20},
		{"limit=abc", 20},
		{"limit=500", 100},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/resolutions?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20, 100); got != tt.want {
			t.Errorf("%q: got %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestSettings(t *testing.T) {
	env := setupHandler(t, testToken)

	body := `{"showSelectionButton":false,"useCustomApi":true,"customApiUrl":"https://qr.test/{TEXT}","customApiHeaders":"{\"X-Key\":\"k\"}","customApiTimeout":3000}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodPut, "/settings", body, testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodGet, "/settings", "", testToken))
	var got config.CustomAPI
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.UseCustomAPI || got.URL != "https://qr.test/{TEXT}" || got.TimeoutMs != 3000 || got.ShowSelectionButton {
		t.Errorf("settings = %+v", got)
	}
}

func TestSettings_ValidationFailure(t *testing.T) {
	env := setupHandler(t, testToken)

	body := `{"useCustomApi":true,"customApiUrl":"https://qr.test/","customApiTimeout":3000}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodPut, "/settings", body, testToken))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "{TEXT}") {
		t.Errorf("body = %s", w.Body.String())
	}
	if env.settings.Snapshot().UseCustomAPI {
		t.Error("invalid settings were saved")
	}
}

func TestClosePanel(t *testing.T) {
	env := setupHandler(t, testToken)
	sub := env.hub.Subscribe("tab-3")

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authReq(http.MethodPost, "/panel/tab-3/close", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(env.gen.invalidated) != 1 || env.gen.invalidated[0] != "tab-3" {
		t.Errorf("invalidated = %v", env.gen.invalidated)
	}
	if _, open := <-sub.C; open {
		t.Error("subscription still open after close")
	}
}

// readEvent returns the next "event:" name and its data line, skipping
// comments.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestEvents_StreamsPayloads(t *testing.T) {
	env := setupHandler(t, testToken)
	seedLast(t, env.store)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events?origin=tab-1&restore=1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	event, data := readEvent(t, r)
	if event != "restore" || !strings.Contains(data, `"text":"hello"`) {
		t.Fatalf("first event = %s %s", event, data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers("tab-1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	err = env.hub.Present(context.Background(), delivery.Payload{RequestID: "req-2", Text: "fresh", Origin: "tab-1"})
	if err != nil {
		t.Fatalf("Present: %v", err)
	}

	event, data = readEvent(t, r)
	if event != "qr" {
		t.Fatalf("event = %q", event)
	}
	var p delivery.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.RequestID != "req-2" || p.Text != "fresh" {
		t.Errorf("payload = %+v", p)
	}

	env.hub.CloseOrigin("tab-1")
	event, _ = readEvent(t, r)
	if event != "closed" {
		t.Errorf("event = %q, want closed", event)
	}
}
