package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// TextPlaceholder marks where the selected text goes in a custom endpoint URL.
const TextPlaceholder = "{TEXT}"

const (
	DefaultTimeoutMs = 5000
	MinTimeoutMs     = 1000
	MaxTimeoutMs     = 30000
)

// CustomAPI is the user-editable settings schema shared with the options UI.
// JSON names match what the extension stores.
type CustomAPI struct {
	ShowSelectionButton bool   `json:"showSelectionButton"`
	UseCustomAPI        bool   `json:"useCustomApi"`
	URL                 string `json:"customApiUrl" validate:"required,endpoint_template"`
	Headers             string `json:"customApiHeaders" validate:"omitempty,json_object"`
	TimeoutMs           int    `json:"customApiTimeout" validate:"min=1000,max=30000"`
}

var (
	ErrMissingScheme      = errors.New("must start with http:// or https://")
	ErrMissingPlaceholder = errors.New("must contain the " + TextPlaceholder + " placeholder")
)

// CheckEndpointTemplate reports why url cannot serve as a custom endpoint
// template, or nil when it can.
func CheckEndpointTemplate(url string) error {
	if url == "" {
		return errors.New("is empty")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ErrMissingScheme
	}
	if !strings.Contains(url, TextPlaceholder) {
		return ErrMissingPlaceholder
	}
	return nil
}

// ParseHeaders decodes the customApiHeaders JSON object. An empty string
// yields no headers.
func ParseHeaders(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("headers must be a JSON object of strings: %w", err)
	}
	if headers == nil {
		return nil, errors.New("headers must be a JSON object, got null")
	}
	return headers, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("endpoint_template", func(fl validator.FieldLevel) bool {
		return CheckEndpointTemplate(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("json_object", func(fl validator.FieldLevel) bool {
		_, err := ParseHeaders(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the settings the way the options panel does before saving.
// The custom endpoint fields are only checked while useCustomApi is on.
func (c CustomAPI) Validate() error {
	if !c.UseCustomAPI {
		return nil
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(c, fe))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

func fieldMessage(c CustomAPI, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required when useCustomApi is enabled"
	case "endpoint_template":
		return fmt.Sprintf("%s %v", fe.Field(), CheckEndpointTemplate(c.URL))
	case "json_object":
		return fe.Field() + ` must be a JSON object, e.g. {"Authorization": "Bearer token"}`
	case "min", "max":
		return fmt.Sprintf("%s must be between %d and %d milliseconds", fe.Field(), MinTimeoutMs, MaxTimeoutMs)
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// SettingsStore is the settings provider consumed by the generation
// pipeline. Snapshot is read once per resolution; Save persists through
// the config backend.
type SettingsStore struct {
	mu      sync.RWMutex
	backend ConfigBackend
	current CustomAPI
}

// NewSettingsStore seeds the store from an already loaded config.
func NewSettingsStore(b ConfigBackend, initial CustomAPI) *SettingsStore {
	return &SettingsStore{backend: b, current: initial}
}

// OpenSettingsStore loads the config file backend and returns a store over it.
func OpenSettingsStore(cfg Config) *SettingsStore {
	return NewSettingsStore(newFileBackend(configFilePath()), cfg.Custom)
}

// Snapshot returns a copy of the current settings.
func (s *SettingsStore) Snapshot() CustomAPI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save validates and persists settings. Resolutions already holding a
// snapshot are unaffected.
func (s *SettingsStore) Save(c CustomAPI) error {
	c.URL = strings.TrimSpace(c.URL)
	c.Headers = strings.TrimSpace(c.Headers)
	if c.TimeoutMs == 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	writes := []struct {
		key string
		fn  func() error
	}{
		{"selection.show_button", func() error { return s.backend.SetString("selection.show_button", fmt.Sprint(c.ShowSelectionButton)) }},
		{"custom.enabled", func() error { return s.backend.SetString("custom.enabled", fmt.Sprint(c.UseCustomAPI)) }},
		{"custom.url", func() error { return s.backend.SetString("custom.url", c.URL) }},
		{"custom.headers", func() error { return s.backend.SetString("custom.headers", c.Headers) }},
		{"custom.timeout_ms", func() error { return s.backend.SetInt("custom.timeout_ms", c.TimeoutMs) }},
	}
	for _, w := range writes {
		if err := w.fn(); err != nil {
			return fmt.Errorf("writing %s: %w", w.key, err)
		}
	}

	s.current = c
	return nil
}
