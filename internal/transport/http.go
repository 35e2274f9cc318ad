package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/sitepulse/pulse/internal/event"
)

// HeaderMode carries the transmission mode to the endpoint.
const HeaderMode = "X-Pulse-Transmission"

// HTTP posts batches as JSON to the ingest endpoint.
type HTTP struct {
	endpoint string
	client   *http.Client
	compress bool
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithClient replaces the default HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithGzip compresses request bodies.
func WithGzip(on bool) HTTPOption {
	return func(h *HTTP) { h.compress = on }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) { h.client.Timeout = d }
}

// NewHTTP creates a transport targeting endpoint, a full URL such as
// "http://127.0.0.1:8000/api/analytics/events".
func NewHTTP(endpoint string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Endpoint returns the target URL.
func (h *HTTP) Endpoint() string { return h.endpoint }

func (h *HTTP) Send(ctx context.Context, batch event.Batch, mode Mode) error {
	n := len(batch.Events)
	body, err := h.encode(batch)
	if err != nil {
		return &TransmissionError{Mode: mode, Events: n, Err: err}
	}

	if mode == Durable {
		// The caller may be shutting down; the attempt must not be
		// abandoned because its context is cancelled.
		ctx = context.WithoutCancel(ctx)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransmissionError{Mode: mode, Events: n, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMode, mode.String())
	if h.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if mode == Best {
		req.Header.Set("Connection", "keep-alive")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &TransmissionError{Mode: mode, Events: n, Err: err}
	}
	defer resp.Body.Close()
	// The response body is not part of the contract; drain it so the
	// connection can be reused.
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransmissionError{
			Mode:       mode,
			Events:     n,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("POST %s: %s", h.endpoint, resp.Status),
		}
	}
	return nil
}

func (h *HTTP) encode(batch event.Batch) ([]byte, error) {
	if batch.Events == nil {
		batch.Events = []event.Event{}
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshaling batch: %w", err)
	}
	if !h.compress {
		return data, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}
	return buf.Bytes(), nil
}
