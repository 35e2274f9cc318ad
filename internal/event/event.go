package event

import (
	"time"
)

// Well-known event names emitted by the pipeline itself or by the site.
const (
	PageView      = "page_view"
	ConsentUpdate = "consent_update"
	WebVital      = "web_vital"
	CTAClick      = "cta_click"
	OutboundClick = "outbound_click"
	ScrollDepth   = "scroll_depth"
	EngagedTime   = "engaged_time"
	BillingToggle = "billing_toggle"
	LeadSubmit    = "lead_submit"
)

// Event is a single telemetry record. Once queued it is never modified;
// use Clone before handing it to code that may mutate the payload.
type Event struct {
	Name      string         `json:"event_name"`
	Label     string         `json:"label,omitempty"`
	Path      string         `json:"path"`
	Href      string         `json:"href,omitempty"`
	SessionID string         `json:"session_id"`
	Consent   string         `json:"consent_state"`
	CreatedAt time.Time      `json:"created_at"`
	Payload   map[string]any `json:"payload"`
}

// Batch is the body posted to the ingest endpoint.
type Batch struct {
	Events []Event `json:"events"`
}

// Clone returns a deep copy of the event. Nested maps and slices in the
// payload are copied too so the clone can be mutated independently.
func (e Event) Clone() Event {
	e.Payload = clonePayload(e.Payload)
	return e
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case map[string]string:
		c := make(map[string]string, len(t))
		for k, s := range t {
			c[k] = s
		}
		return c
	case []any:
		c := make([]any, len(t))
		for i, x := range t {
			c[i] = cloneValue(x)
		}
		return c
	case []string:
		c := make([]string, len(t))
		copy(c, t)
		return c
	default:
		return v
	}
}
