package qr

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/qrpanel/internal/config"
)

// Kind is the mechanism behind a descriptor.
type Kind string

const (
	KindLocal  Kind = "local"
	KindCustom Kind = "custom"
	KindRemote Kind = "remote"
)

// Source names reported in results.
const (
	SourceCustom   = "custom"
	SourceLocal    = "local"
	SourceDegraded = "degraded"
)

// DefaultTimeout applies to shipped remotes and to custom settings whose
// timeout is out of range.
const DefaultTimeout = time.Duration(config.DefaultTimeoutMs) * time.Millisecond

// Descriptor identifies one QR source for the duration of a resolution.
type Descriptor struct {
	Name     string
	Kind     Kind
	Endpoint string // contains config.TextPlaceholder; unused for KindLocal
	Timeout  time.Duration
	Headers  map[string]string
}

// URL substitutes the first placeholder with the percent-encoded text.
func (d Descriptor) URL(text string) string {
	return strings.Replace(d.Endpoint, config.TextPlaceholder, encodeComponent(text), 1)
}

// encodeComponent escapes text the way a browser's encodeURIComponent
// does for spaces (%20 rather than +).
func encodeComponent(text string) string {
	return strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
}

// DefaultRemotes is the fixed, ordered list of third-party endpoints.
// apiNinjasKey may be empty, in which case that endpoint will reject the
// request and the resolver moves on.
func DefaultRemotes(apiNinjasKey string) []Descriptor {
	return []Descriptor{
		{
			Name:     "QR Server",
			Kind:     KindRemote,
			Endpoint: "https://api.qrserver.com/v1/create-qr-code/?size=200x200&data={TEXT}",
			Timeout:  DefaultTimeout,
		},
		{
			Name:     "QuickChart",
			Kind:     KindRemote,
			Endpoint: "https://quickchart.io/qr?text={TEXT}&size=200",
			Timeout:  DefaultTimeout,
		},
		{
			Name:     "API Ninjas",
			Kind:     KindRemote,
			Endpoint: "https://api.api-ninjas.com/v1/qrcode?data={TEXT}&format=png&size=200",
			Timeout:  DefaultTimeout,
			Headers: map[string]string{
				"X-Api-Key": apiNinjasKey,
				"Accept":    "image/png",
			},
		},
	}
}

// LocalDescriptor is the offline encoder entry.
func LocalDescriptor() Descriptor {
	return Descriptor{Name: SourceLocal, Kind: KindLocal, Timeout: DefaultTimeout}
}

// CustomDescriptor builds the custom entry from user settings. A malformed
// URL yields ErrMalformedConfig. Bad headers or an out-of-range timeout are
// tolerated and reported as warnings.
func CustomDescriptor(s config.CustomAPI) (Descriptor, []string, error) {
	endpoint := strings.TrimSpace(s.URL)
	if err := config.CheckEndpointTemplate(endpoint); err != nil {
		return Descriptor{}, nil, fmt.Errorf("%w: customApiUrl %v", ErrMalformedConfig, err)
	}

	var warnings []string

	headers, err := config.ParseHeaders(s.Headers)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("custom headers ignored: %v", err))
		headers = nil
	}

	timeout := time.Duration(s.TimeoutMs) * time.Millisecond
	if s.TimeoutMs < config.MinTimeoutMs || s.TimeoutMs > config.MaxTimeoutMs {
		if s.TimeoutMs != 0 {
			warnings = append(warnings, fmt.Sprintf("custom timeout %dms outside [%d, %d], using %dms",
				s.TimeoutMs, config.MinTimeoutMs, config.MaxTimeoutMs, config.DefaultTimeoutMs))
		}
		timeout = DefaultTimeout
	}

	return Descriptor{
		Name:     SourceCustom,
		Kind:     KindCustom,
		Endpoint: endpoint,
		Timeout:  timeout,
		Headers:  headers,
	}, warnings, nil
}
