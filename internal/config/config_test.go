package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Queue.Capacity != 50 || cfg.Queue.BatchSize != 50 {
		t.Errorf("Queue = %+v, want capacity 50 batch 50", cfg.Queue)
	}
	if cfg.Queue.FlushDelay != 1200*time.Millisecond {
		t.Errorf("FlushDelay = %s, want 1.2s", cfg.Queue.FlushDelay)
	}
	if cfg.ConsentDefault != "pending" {
		t.Errorf("ConsentDefault = %q, want pending", cfg.ConsentDefault)
	}
}

func TestServesDebugPanel(t *testing.T) {
	tests := []struct {
		panel  bool
		listen string
		want   bool
	}{
		{false, "", false},
		{true, "", false},
		{false, "127.0.0.1:7070", false},
		{true, "127.0.0.1:7070", true},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.DebugPanel = tt.panel
		cfg.Debug.Listen = tt.listen
		if got := cfg.ServesDebugPanel(); got != tt.want {
			t.Errorf("ServesDebugPanel(panel=%v, listen=%q) = %v, want %v", tt.panel, tt.listen, got, tt.want)
		}
	}
}

func TestThrottleWindow(t *testing.T) {
	cfg := Default()
	tests := []struct {
		name string
		want time.Duration
	}{
		{"cta_click", 800 * time.Millisecond},
		{"outbound_click", 800 * time.Millisecond},
		{"billing_toggle", 250 * time.Millisecond},
		{"page_view", 0},
	}
	for _, tt := range tests {
		if got := cfg.ThrottleWindow(tt.name); got != tt.want {
			t.Errorf("ThrottleWindow(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
	if got := len(cfg.ThrottleWindows()); got != 3 {
		t.Errorf("ThrottleWindows() has %d entries, want 3", got)
	}
}

func TestURLs(t *testing.T) {
	tests := []struct {
		base, endpoint, want string
	}{
		{"", "/api/analytics/events", "/api/analytics/events"},
		{"https://example.com", "/api/leads", "https://example.com/api/leads"},
		{"https://example.com/", "api/leads", "https://example.com/api/leads"},
		{"https://example.com", "https://ingest.example.net/e", "https://ingest.example.net/e"},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.APIBase = tt.base
		cfg.EventsEndpoint = tt.endpoint
		cfg.LeadsEndpoint = tt.endpoint
		if got := cfg.EventsURL(); got != tt.want {
			t.Errorf("EventsURL(%q, %q) = %q, want %q", tt.base, tt.endpoint, got, tt.want)
		}
		if got := cfg.LeadsURL(); got != tt.want {
			t.Errorf("LeadsURL(%q, %q) = %q, want %q", tt.base, tt.endpoint, got, tt.want)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pulse.yaml")

	yaml := `
api_base: "https://example.com"
consent_default: denied
sample_rates:
  scroll_depth: 0.1
throttle_ms:
  cta_click: 1000
queue:
  batch_size: 20
transport:
  compress: true
debug:
  mask_session_ids: true
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.EventsURL() != "https://example.com/api/analytics/events" {
		t.Errorf("EventsURL() = %q", cfg.EventsURL())
	}
	if cfg.ConsentDefault != "denied" {
		t.Errorf("ConsentDefault = %q, want denied", cfg.ConsentDefault)
	}
	if cfg.SampleRates["scroll_depth"] != 0.1 {
		t.Errorf("SampleRates[scroll_depth] = %v, want 0.1", cfg.SampleRates["scroll_depth"])
	}
	if cfg.ThrottleWindow("cta_click") != time.Second {
		t.Errorf("ThrottleWindow(cta_click) = %s, want 1s", cfg.ThrottleWindow("cta_click"))
	}
	if cfg.Queue.BatchSize != 20 {
		t.Errorf("Queue.BatchSize = %d, want 20", cfg.Queue.BatchSize)
	}
	if !cfg.Transport.Compress || !cfg.Debug.MaskSessionIDs {
		t.Error("Transport.Compress and Debug.MaskSessionIDs should be true")
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Queue.Capacity != DefaultQueueCapacity {
		t.Errorf("Queue.Capacity = %d, want default %d", cfg.Queue.Capacity, DefaultQueueCapacity)
	}
	if cfg.Transport.Timeout != DefaultTimeout {
		t.Errorf("Transport.Timeout = %s, want default %s", cfg.Transport.Timeout, DefaultTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/pulse.yaml"); err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/pulse.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}
	if cfg.EventsURL() != DefaultEventsEndpoint {
		t.Errorf("EventsURL() = %q, want default", cfg.EventsURL())
	}

	cfg, err = LoadOrDefault("")
	if err != nil || cfg == nil {
		t.Fatalf("LoadOrDefault(\"\") = %v, %v", cfg, err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rate above one", func(c *Config) { c.SampleRates["scroll_depth"] = 1.5 }},
		{"negative rate", func(c *Config) { c.SampleRates["engaged_time"] = -0.1 }},
		{"negative window", func(c *Config) { c.ThrottleMS["cta_click"] = -1 }},
		{"unknown consent", func(c *Config) { c.ConsentDefault = "maybe" }},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"zero batch", func(c *Config) { c.Queue.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		raw       string
		wantDebug *bool
		wantRate  *float64
	}{
		{"https://example.com/", nil, nil},
		{"https://example.com/?debugAnalytics=1", ptr(true), nil},
		{"https://example.com/?debugAnalytics=0", ptr(false), nil},
		{"https://example.com/?debugAnalytics=yes", nil, nil},
		{"https://example.com/?sampleRate=0.25", nil, ptr(0.25)},
		{"https://example.com/?sampleRate=2", nil, nil},
		{"https://example.com/?sampleRate=abc", nil, nil},
		{"https://example.com/?sampleRate=NaN", nil, nil},
		{"https://example.com/?debugAnalytics=1&sampleRate=0", ptr(true), ptr(0.0)},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatal(err)
		}
		got := ParseOverrides(u)
		if !eqPtr(got.Debug, tt.wantDebug) {
			t.Errorf("%s: Debug = %v, want %v", tt.raw, deref(got.Debug), deref(tt.wantDebug))
		}
		if !eqPtr(got.SampleRate, tt.wantRate) {
			t.Errorf("%s: SampleRate = %v, want %v", tt.raw, deref(got.SampleRate), deref(tt.wantRate))
		}
	}

	if o := ParseOverrides(nil); o.Debug != nil || o.SampleRate != nil {
		t.Errorf("ParseOverrides(nil) = %+v, want zero", o)
	}
}

func ptr[T any](v T) *T { return &v }

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
