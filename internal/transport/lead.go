package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// ErrLeadRejected is returned when the lead endpoint answers without
// "ok": true.
var ErrLeadRejected = errors.New("lead rejected")

// Lead is a submitted form plus the identity metadata attached to it.
type Lead struct {
	Fields      map[string]string `json:"-"`
	SessionID   string            `json:"session_id"`
	Attribution map[string]string `json:"attribution,omitempty"`
	Page        string            `json:"page,omitempty"`
}

// MarshalJSON flattens the form fields next to the metadata. Metadata keys
// win over form fields with the same name.
func (l Lead) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(l.Fields)+3)
	for k, v := range l.Fields {
		out[k] = v
	}
	out["session_id"] = l.SessionID
	if len(l.Attribution) > 0 {
		out["attribution"] = l.Attribution
	}
	if l.Page != "" {
		out["page"] = l.Page
	}
	return json.Marshal(out)
}

type leadResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// LeadClient posts leads. Unlike event delivery, lead errors are returned:
// the form needs to tell the user whether it went through.
type LeadClient struct {
	endpoint string
	client   *http.Client
}

func NewLeadClient(endpoint string, client *http.Client) *LeadClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &LeadClient{endpoint: endpoint, client: client}
}

func (c *LeadClient) Submit(ctx context.Context, lead Lead) error {
	data, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("marshaling lead: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading lead response: %w", err)
	}
	var out leadResponse
	if err := json.Unmarshal(body, &out); err != nil || !out.OK {
		if out.Error != "" {
			return fmt.Errorf("%w (%d): %s", ErrLeadRejected, resp.StatusCode, out.Error)
		}
		return fmt.Errorf("%w (%d)", ErrLeadRejected, resp.StatusCode)
	}
	return nil
}
