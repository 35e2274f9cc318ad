// Package identity derives the per-session identifier and captures
// first-touch attribution parameters.
package identity

import (
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/storage"
)

// AttributionKeys are the canonical campaign parameters, in the order they
// are reported.
var AttributionKeys = []string{
	"utm_source",
	"utm_medium",
	"utm_campaign",
	"utm_term",
	"utm_content",
}

// Attribution maps attribution keys to their captured values. Keys with no
// known value are absent.
type Attribution map[string]string

// Clone returns a copy of the bag.
func (a Attribution) Clone() Attribution {
	out := make(Attribution, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Provider owns the session id key in session storage and the attribution
// keys in durable storage.
type Provider struct {
	session storage.Store
	durable storage.Store
	log     *zap.Logger
	newID   func() string

	mu          sync.Mutex
	id          string
	attribution Attribution
}

func NewProvider(session, durable storage.Store, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		session:     session,
		durable:     durable,
		log:         logger,
		newID:       NewSessionID,
		attribution: Attribution{},
	}
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return "sid-" + uuid.NewString()
}

// SessionID returns the identifier for the current session, creating and
// persisting one on first use. Once returned, the id never changes for the
// life of the Provider even if storage later fails.
func (p *Provider) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id
	}

	v, ok, err := p.session.Get(storage.KeySessionID)
	if err == nil && ok && v != "" {
		p.id = v
		return p.id
	}
	if err != nil {
		p.log.Debug("session storage read failed", zap.Error(err))
	}

	p.id = p.newID()
	if err := p.session.Set(storage.KeySessionID, p.id); err != nil {
		p.log.Debug("session storage write failed, using ephemeral id", zap.Error(err))
	}
	return p.id
}

// CaptureAttribution merges the navigation's query parameters into the
// durable attribution bag. A parameter present in the URL wins and is stored;
// otherwise the stored value is kept. Absent parameters never erase.
func (p *Provider) CaptureAttribution(query url.Values) Attribution {
	p.mu.Lock()
	defer p.mu.Unlock()

	bag := Attribution{}
	for _, key := range AttributionKeys {
		if v := query.Get(key); v != "" {
			bag[key] = v
			if err := p.durable.Set(storage.AttributionKey+key, v); err != nil {
				p.log.Debug("attribution write failed", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		if v, ok, err := p.durable.Get(storage.AttributionKey + key); err == nil && ok && v != "" {
			bag[key] = v
		} else if prev, ok := p.attribution[key]; ok {
			bag[key] = prev
		}
	}
	p.attribution = bag
	return bag.Clone()
}

// Attribution returns the most recently captured bag.
func (p *Provider) Attribution() Attribution {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attribution.Clone()
}
