package qr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// maxImageSize is the largest image body an attempt accepts.
const maxImageSize = 4 << 20

// LocalEncoder produces PNG bytes for text without touching the network.
type LocalEncoder interface {
	Encode(text string) ([]byte, error)
}

// QRCodeEncoder is the default LocalEncoder.
type QRCodeEncoder struct {
	Size int
}

func (e QRCodeEncoder) Encode(text string) ([]byte, error) {
	size := e.Size
	if size <= 0 {
		size = 200
	}
	return qrcode.Encode(text, qrcode.Medium, size)
}

// Fetcher performs a single attempt against one descriptor. It never
// retries; moving on is the resolver's job.
type Fetcher struct {
	httpClient *http.Client
	local      LocalEncoder
}

// NewFetcher creates a Fetcher. httpClient may be nil; local may be nil if
// no descriptor of KindLocal will be attempted.
func NewFetcher(httpClient *http.Client, local LocalEncoder) *Fetcher {
	if httpClient == nil {
		// Per-attempt deadlines come from the descriptor via context.
		httpClient = &http.Client{}
	}
	return &Fetcher{httpClient: httpClient, local: local}
}

// Attempt produces an image for text from d.
func (f *Fetcher) Attempt(ctx context.Context, text string, d Descriptor) (Image, error) {
	switch d.Kind {
	case KindLocal:
		return f.encodeLocal(text)
	case KindCustom, KindRemote:
		return f.fetch(ctx, text, d)
	default:
		return Image{}, fmt.Errorf("%w: unknown source kind %q", ErrMalformedConfig, d.Kind)
	}
}

func (f *Fetcher) encodeLocal(text string) (Image, error) {
	if f.local == nil {
		return Image{}, fmt.Errorf("%w: no encoder configured", ErrEncoder)
	}
	data, err := f.local.Encode(text)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrEncoder, err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: encoder returned no data", ErrEncoder)
	}
	return Image{Data: data, ContentType: "image/png"}, nil
}

func (f *Fetcher) fetch(ctx context.Context, text string, d Descriptor) (Image, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, d.URL(text), nil)
	if err != nil {
		return Image{}, fmt.Errorf("%w: building request: %v", ErrMalformedConfig, err)
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Image{}, classifyTransport(reqCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Image{}, &StatusError{Code: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "image") {
		return Image{}, fmt.Errorf("%w: %q", ErrInvalidContentType, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return Image{}, classifyTransport(reqCtx, err)
	}
	if len(body) > maxImageSize {
		return Image{}, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, maxImageSize)
	}
	if len(body) == 0 {
		return Image{}, ErrEmptyPayload
	}

	return Image{Data: body, ContentType: mediaType(contentType)}, nil
}

// classifyTransport maps a client error to ErrTimeout when the attempt's
// own deadline fired, and to a status-less StatusError otherwise.
func classifyTransport(reqCtx context.Context, err error) error {
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &StatusError{Code: 0, Err: err}
}
