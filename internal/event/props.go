package event

import "fmt"

// Props are the caller-supplied properties of a tracked event. The "label"
// and "href" keys are promoted to top-level Event fields and also take part
// in throttling.
type Props map[string]any

// Label returns the "label" property as a string.
func (p Props) Label() string { return p.str("label") }

// Href returns the "href" property as a string.
func (p Props) Href() string { return p.str("href") }

func (p Props) str(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Payload returns a copy of the props without the promoted keys.
func (p Props) Payload() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if k == "label" || k == "href" {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}
