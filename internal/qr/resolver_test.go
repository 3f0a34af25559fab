package qr

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/qrpanel/internal/config"
)

// scriptedAttempter returns canned results keyed by descriptor name and
// records the order it was called in.
type scriptedAttempter struct {
	mu      sync.Mutex
	results map[string]error
	calls   []string
}

func (s *scriptedAttempter) Attempt(ctx context.Context, text string, d Descriptor) (Image, error) {
	s.mu.Lock()
	s.calls = append(s.calls, d.Name)
	err, ok := s.results[d.Name]
	s.mu.Unlock()
	if !ok || err != nil {
		if err == nil {
			err = &StatusError{Code: 0, Err: errors.New("unreachable")}
		}
		return Image{}, err
	}
	return Image{Data: []byte(d.Name), ContentType: "image/png"}, nil
}

func testRemotes() []Descriptor {
	return []Descriptor{
		{Name: "r1", Kind: KindRemote, Endpoint: "http://r1/{TEXT}", Timeout: time.Second},
		{Name: "r2", Kind: KindRemote, Endpoint: "http://r2/{TEXT}", Timeout: time.Second},
	}
}

func customOn(url string) config.CustomAPI {
	return config.CustomAPI{UseCustomAPI: true, URL: url, TimeoutMs: config.DefaultTimeoutMs}
}

func mustRequest(t *testing.T, text string) Request {
	t.Helper()
	req, err := NewRequest(text)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("  hi  ")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.Text != "hi" || req.ID == "" || req.RequestedAt.IsZero() {
		t.Errorf("request = %+v", req)
	}
	if _, err := NewRequest(" \n\t "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("blank text: err = %v, want ErrEmptyText", err)
	}
}

func TestOrder(t *testing.T) {
	r := NewResolver(&scriptedAttempter{}, ResolverOptions{Remotes: testRemotes(), LocalEnabled: true})

	names := func(ds []Descriptor) []string {
		out := make([]string, len(ds))
		for i, d := range ds {
			out[i] = d.Name
		}
		return out
	}

	order, warnings := r.Order(customOn("https://x.test/{TEXT}"))
	if want := []string{"custom", "local", "r1", "r2"}; !slices.Equal(names(order), want) {
		t.Errorf("order = %v, want %v", names(order), want)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}

	order, _ = r.Order(config.CustomAPI{})
	if want := []string{"local", "r1", "r2"}; !slices.Equal(names(order), want) {
		t.Errorf("custom disabled: order = %v, want %v", names(order), want)
	}

	offline := NewResolver(&scriptedAttempter{}, ResolverOptions{Remotes: testRemotes()})
	order, _ = offline.Order(config.CustomAPI{})
	if want := []string{"r1", "r2"}; !slices.Equal(names(order), want) {
		t.Errorf("local disabled: order = %v, want %v", names(order), want)
	}
}

func TestResolve_MissingPlaceholderSkipsCustom(t *testing.T) {
	a := &scriptedAttempter{results: map[string]error{"r1": nil}}
	r := NewResolver(a, ResolverOptions{Remotes: testRemotes()})

	res := r.Resolve(context.Background(), mustRequest(t, "hi"), customOn("https://x.test/qr"))
	if res.Source != "r1" || res.Degraded {
		t.Errorf("source = %q degraded = %v, want r1", res.Source, res.Degraded)
	}
	if slices.Contains(a.calls, SourceCustom) {
		t.Errorf("custom was attempted: %v", a.calls)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v, want one malformed-config warning", res.Warnings)
	}
}

func TestResolve_ShortCircuits(t *testing.T) {
	a := &scriptedAttempter{results: map[string]error{"custom": nil, "local": nil, "r1": nil}}
	r := NewResolver(a, ResolverOptions{Remotes: testRemotes(), LocalEnabled: true})

	res := r.Resolve(context.Background(), mustRequest(t, "hi"), customOn("https://x.test/{TEXT}"))
	if res.Source != SourceCustom {
		t.Errorf("source = %q, want custom", res.Source)
	}
	if !slices.Equal(a.calls, []string{"custom"}) {
		t.Errorf("calls = %v, want only custom", a.calls)
	}
	if len(res.Attempts) != 1 || !res.Attempts[0].OK() {
		t.Errorf("attempts = %+v", res.Attempts)
	}
}

func TestResolve_FallsThroughInOrder(t *testing.T) {
	a := &scriptedAttempter{results: map[string]error{
		"custom": ErrInvalidContentType,
		"local":  ErrEncoder,
		"r1":     &StatusError{Code: 503},
		"r2":     nil,
	}}
	r := NewResolver(a, ResolverOptions{Remotes: testRemotes(), LocalEnabled: true})

	res := r.Resolve(context.Background(), mustRequest(t, "hi"), customOn("https://x.test/{TEXT}"))
	if res.Source != "r2" {
		t.Errorf("source = %q, want r2", res.Source)
	}
	if want := []string{"custom", "local", "r1", "r2"}; !slices.Equal(a.calls, want) {
		t.Errorf("calls = %v, want %v", a.calls, want)
	}
	kinds := []string{}
	for _, o := range res.Attempts[:3] {
		kinds = append(kinds, FailureKind(o.Err))
	}
	if want := []string{"invalid_content_type", "encoder_error", "http_error"}; !slices.Equal(kinds, want) {
		t.Errorf("failure kinds = %v, want %v", kinds, want)
	}
}

// All sources unreachable and no local encoder: the placeholder is the
// result and it shows the selected text.
func TestResolve_AllFailDegrades(t *testing.T) {
	r := NewResolver(&scriptedAttempter{}, ResolverOptions{Remotes: testRemotes()})

	res := r.Resolve(context.Background(), mustRequest(t, "hello"), config.CustomAPI{})
	if !res.Degraded || res.Source != SourceDegraded {
		t.Fatalf("source = %q degraded = %v, want degraded", res.Source, res.Degraded)
	}
	if res.Image.Empty() {
		t.Fatal("degraded result has no image")
	}
	if !bytes.Equal(res.Image.Data, Render("hello").Data) {
		t.Error("degraded image differs from Render output")
	}
	if !slices.Contains(Layout(res.Request.Text).Lines, "hello") {
		t.Errorf("placeholder lines = %v, want to contain hello", Layout("hello").Lines)
	}
	if len(res.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(res.Attempts))
	}
}

func TestResolve_CancelledStopsChain(t *testing.T) {
	a := &scriptedAttempter{}
	r := NewResolver(a, ResolverOptions{Remotes: testRemotes(), LocalEnabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Resolve(ctx, mustRequest(t, "hi"), config.CustomAPI{})
	if !res.Degraded {
		t.Error("cancelled resolution should degrade")
	}
	if len(a.calls) != 0 {
		t.Errorf("calls = %v, want none", a.calls)
	}
}

// A slow custom endpoint times out and the next source still gets tried.
func TestResolve_TimeoutMovesOn(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	var fastHits int
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fastHits++
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNG"))
	}))
	defer fast.Close()

	remotes := []Descriptor{
		{Name: "slow", Kind: KindRemote, Endpoint: slow.URL + "/{TEXT}", Timeout: 100 * time.Millisecond},
		{Name: "fast", Kind: KindRemote, Endpoint: fast.URL + "/{TEXT}", Timeout: time.Second},
	}
	r := NewResolver(NewFetcher(nil, nil), ResolverOptions{Remotes: remotes})

	start := time.Now()
	res := r.Resolve(context.Background(), mustRequest(t, "hi"), config.CustomAPI{})
	if res.Source != "fast" {
		t.Fatalf("source = %q, want fast", res.Source)
	}
	if !errors.Is(res.Attempts[0].Err, ErrTimeout) {
		t.Errorf("first attempt err = %v, want ErrTimeout", res.Attempts[0].Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("resolution took %v", elapsed)
	}
	if fastHits != 1 {
		t.Errorf("fast hits = %d, want 1", fastHits)
	}
}

// Custom endpoint returns 37 bytes of PNG and wins.
func TestResolve_CustomSucceeds(t *testing.T) {
	payload := bytes.Repeat([]byte{0x89}, 37)
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer srv.Close()

	r := NewResolver(NewFetcher(nil, nil), ResolverOptions{Remotes: []Descriptor{}})
	res := r.Resolve(context.Background(), mustRequest(t, "a b"), customOn(srv.URL+"/{TEXT}"))
	if res.Source != SourceCustom || res.Degraded {
		t.Fatalf("source = %q degraded = %v", res.Source, res.Degraded)
	}
	if len(res.Image.Data) != 37 {
		t.Errorf("image bytes = %d, want 37", len(res.Image.Data))
	}
	if gotPath != "/a%20b" {
		t.Errorf("path = %q, want /a%%20b", gotPath)
	}
}

// Custom endpoint returns JSON; the local encoder is next in line.
func TestResolve_CustomJSONFallsToLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	r := NewResolver(NewFetcher(nil, QRCodeEncoder{Size: 64}), ResolverOptions{Remotes: testRemotes(), LocalEnabled: true})
	res := r.Resolve(context.Background(), mustRequest(t, "hi"), customOn(srv.URL+"/{TEXT}"))
	if res.Source != SourceLocal {
		t.Fatalf("source = %q, want local", res.Source)
	}
	if !errors.Is(res.Attempts[0].Err, ErrInvalidContentType) {
		t.Errorf("custom err = %v, want ErrInvalidContentType", res.Attempts[0].Err)
	}
}

func TestTestCustom(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewResolver(NewFetcher(nil, nil), ResolverOptions{Remotes: testRemotes(), LocalEnabled: true})

	// Enabled flag is irrelevant for the test action.
	s := config.CustomAPI{URL: srv.URL + "/{TEXT}", TimeoutMs: 2000}
	_, err := r.TestCustom(context.Background(), s, "test")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 500 {
		t.Fatalf("err = %v, want status 500", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want exactly 1", hits)
	}

	_, err = r.TestCustom(context.Background(), config.CustomAPI{URL: "not a url"}, "test")
	if !errors.Is(err, ErrMalformedConfig) {
		t.Errorf("err = %v, want ErrMalformedConfig", err)
	}
}

func TestDataURLRoundTrip(t *testing.T) {
	img := Image{Data: []byte{1, 2, 3}, ContentType: "image/gif"}
	got, ok := ParseDataURL(img.DataURL())
	if !ok {
		t.Fatal("ParseDataURL failed")
	}
	if got.ContentType != "image/gif" || !bytes.Equal(got.Data, img.Data) {
		t.Errorf("got %+v", got)
	}
	if _, ok := ParseDataURL("http://x"); ok {
		t.Error("non data URL parsed")
	}
}
