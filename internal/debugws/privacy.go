package debugws

import (
	"crypto/sha256"
	"fmt"
	"net/url"

	"github.com/sitepulse/pulse/internal/debuglog"
)

// PrivacyFilter masks identifying fields of debug entries before they leave
// the process. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskSessionIDs bool
	StripQueries   bool
}

// IsNoop reports whether the filter does nothing.
func (f PrivacyFilter) IsNoop() bool {
	return !f.MaskSessionIDs && !f.StripQueries
}

// Apply returns a masked copy of e. The original entry is never modified.
func (f PrivacyFilter) Apply(e debuglog.Entry) debuglog.Entry {
	if e.Event == nil || f.IsNoop() {
		return e
	}
	ev := e.Event.Clone()
	if f.MaskSessionIDs && ev.SessionID != "" {
		ev.SessionID = shortHash(ev.SessionID)
	}
	if f.StripQueries && ev.Href != "" {
		ev.Href = stripQuery(ev.Href)
	}
	e.Event = &ev
	return e
}

// FilterSlice applies the filter to every entry, returning a new slice.
func (f PrivacyFilter) FilterSlice(entries []debuglog.Entry) []debuglog.Entry {
	out := make([]debuglog.Entry, len(entries))
	for i, e := range entries {
		out[i] = f.Apply(e)
	}
	return out
}

func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
