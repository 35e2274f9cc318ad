package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultEventsEndpoint = "/api/analytics/events"
	DefaultLeadsEndpoint  = "/api/leads"
	DefaultQueueCapacity  = 50
	DefaultBatchSize      = 50
	DefaultFlushDelay     = 1200 * time.Millisecond
	DefaultTimeout        = 10 * time.Second
	DefaultLogCapacity    = 200
)

type Config struct {
	APIBase           string             `yaml:"api_base"`
	EventsEndpoint    string             `yaml:"events_endpoint"`
	LeadsEndpoint     string             `yaml:"leads_endpoint"`
	ForceDebug        bool               `yaml:"force_debug"`
	DebugPanel        bool               `yaml:"debug_panel"`
	ConsentDefault    string             `yaml:"consent_default"`
	ShowConsentBanner bool               `yaml:"show_consent_banner"`
	SampleRates       map[string]float64 `yaml:"sample_rates"`
	ThrottleMS        map[string]int     `yaml:"throttle_ms"`
	Queue             QueueConfig        `yaml:"queue"`
	Transport         TransportConfig    `yaml:"transport"`
	Storage           StorageConfig      `yaml:"storage"`
	Debug             DebugConfig        `yaml:"debug"`
}

type QueueConfig struct {
	Capacity   int           `yaml:"capacity"`
	BatchSize  int           `yaml:"batch_size"`
	FlushDelay time.Duration `yaml:"flush_delay"`
}

type TransportConfig struct {
	Compress bool          `yaml:"compress"`
	Timeout  time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	// Dir holds the durable state file. Empty means $XDG_STATE_HOME/pulse.
	Dir string `yaml:"dir"`
}

type DebugConfig struct {
	LogCapacity    int    `yaml:"log_capacity"`
	MaskSessionIDs bool   `yaml:"mask_session_ids"`
	Listen         string `yaml:"listen"`
}

func Default() *Config {
	return &Config{
		EventsEndpoint: DefaultEventsEndpoint,
		LeadsEndpoint:  DefaultLeadsEndpoint,
		ConsentDefault: "pending",
		SampleRates: map[string]float64{
			"scroll_depth": 0.5,
			"engaged_time": 0.5,
		},
		ThrottleMS: map[string]int{
			"cta_click":      800,
			"outbound_click": 800,
			"billing_toggle": 250,
		},
		Queue: QueueConfig{
			Capacity:   DefaultQueueCapacity,
			BatchSize:  DefaultBatchSize,
			FlushDelay: DefaultFlushDelay,
		},
		Transport: TransportConfig{
			Timeout: DefaultTimeout,
		},
		Debug: DebugConfig{
			LogCapacity: DefaultLogCapacity,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	for name, r := range c.SampleRates {
		if math.IsNaN(r) || r < 0 || r > 1 {
			return fmt.Errorf("sample_rates.%s: %v not in [0,1]", name, r)
		}
	}
	for name, ms := range c.ThrottleMS {
		if ms < 0 {
			return fmt.Errorf("throttle_ms.%s: negative window %d", name, ms)
		}
	}
	switch c.ConsentDefault {
	case "pending", "granted", "denied":
	default:
		return fmt.Errorf("consent_default: unknown state %q", c.ConsentDefault)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity: must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size: must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Queue.FlushDelay < 0 {
		return fmt.Errorf("queue.flush_delay: negative %s", c.Queue.FlushDelay)
	}
	return nil
}

func (c *Config) EventsURL() string { return joinURL(c.APIBase, c.EventsEndpoint) }

func (c *Config) LeadsURL() string { return joinURL(c.APIBase, c.LeadsEndpoint) }

func joinURL(base, endpoint string) string {
	if base == "" {
		return endpoint
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// ServesDebugPanel reports whether the live debug panel should be served.
func (c *Config) ServesDebugPanel() bool {
	return c.DebugPanel && c.Debug.Listen != ""
}

// ThrottleWindow returns the window for name, zero when unthrottled.
func (c *Config) ThrottleWindow(name string) time.Duration {
	return time.Duration(c.ThrottleMS[name]) * time.Millisecond
}

// ThrottleWindows converts ThrottleMS for the throttle engine.
func (c *Config) ThrottleWindows() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.ThrottleMS))
	for name := range c.ThrottleMS {
		out[name] = c.ThrottleWindow(name)
	}
	return out
}

// Overrides are the settings a page URL may carry.
type Overrides struct {
	// Debug is nil when the URL says nothing about debug mode.
	Debug      *bool
	SampleRate *float64
}

// ParseOverrides reads debugAnalytics=1|0 and sampleRate from u. Malformed
// values are ignored.
func ParseOverrides(u *url.URL) Overrides {
	var o Overrides
	if u == nil {
		return o
	}
	q := u.Query()
	switch q.Get("debugAnalytics") {
	case "1":
		on := true
		o.Debug = &on
	case "0":
		off := false
		o.Debug = &off
	}
	if raw := q.Get("sampleRate"); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(r) && r >= 0 && r <= 1 {
			o.SampleRate = &r
		}
	}
	return o
}
