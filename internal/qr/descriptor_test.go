package qr

import (
	"errors"
	"testing"
	"time"

	"github.com/kalambet/qrpanel/internal/config"
)

func TestDescriptorURL(t *testing.T) {
	d := Descriptor{Endpoint: "https://x.test/q?a={TEXT}&b={TEXT}"}

	got := d.URL("a b&c/é")
	want := "https://x.test/q?a=a%20b%26c%2F%C3%A9&b={TEXT}"
	if got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}

func TestDefaultRemotes(t *testing.T) {
	remotes := DefaultRemotes("secret")
	if len(remotes) != 3 {
		t.Fatalf("len = %d, want 3", len(remotes))
	}
	names := []string{"QR Server", "QuickChart", "API Ninjas"}
	for i, r := range remotes {
		if r.Name != names[i] {
			t.Errorf("remotes[%d] = %q, want %q", i, r.Name, names[i])
		}
		if r.Timeout != 5*time.Second {
			t.Errorf("%s timeout = %v", r.Name, r.Timeout)
		}
	}
	if remotes[2].Headers["X-Api-Key"] != "secret" {
		t.Errorf("API Ninjas key header = %q", remotes[2].Headers["X-Api-Key"])
	}
}

func TestCustomDescriptor(t *testing.T) {
	d, warnings, err := CustomDescriptor(config.CustomAPI{
		UseCustomAPI: true,
		URL:          "  https://x.test/{TEXT}  ",
		Headers:      `{"Authorization":"Bearer t"}`,
		TimeoutMs:    2500,
	})
	if err != nil {
		t.Fatalf("CustomDescriptor: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if d.Endpoint != "https://x.test/{TEXT}" {
		t.Errorf("endpoint = %q", d.Endpoint)
	}
	if d.Timeout != 2500*time.Millisecond {
		t.Errorf("timeout = %v", d.Timeout)
	}
	if d.Headers["Authorization"] != "Bearer t" {
		t.Errorf("headers = %v", d.Headers)
	}
}

func TestCustomDescriptor_Malformed(t *testing.T) {
	for _, url := range []string{"", "ftp://x.test/{TEXT}", "https://x.test/"} {
		_, _, err := CustomDescriptor(config.CustomAPI{UseCustomAPI: true, URL: url, TimeoutMs: 5000})
		if !errors.Is(err, ErrMalformedConfig) {
			t.Errorf("url %q: err = %v, want ErrMalformedConfig", url, err)
		}
	}
}

func TestCustomDescriptor_Tolerated(t *testing.T) {
	d, warnings, err := CustomDescriptor(config.CustomAPI{
		UseCustomAPI: true,
		URL:          "https://x.test/{TEXT}",
		Headers:      "{not json",
		TimeoutMs:    60000,
	})
	if err != nil {
		t.Fatalf("CustomDescriptor: %v", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want 2", warnings)
	}
	if d.Headers != nil {
		t.Errorf("headers = %v, want nil", d.Headers)
	}
	if d.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", d.Timeout, DefaultTimeout)
	}
}
