// Package sampling decides whether an event occurrence is recorded. The
// decision is deterministic per session and event name: a session either
// always or never records a given event at a given rate.
package sampling

import (
	"errors"
	"math"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/storage"
)

// ErrInvalidRate is returned for rates that are not a finite number in [0,1].
var ErrInvalidRate = errors.New("sample rate must be a number between 0 and 1")

// ValidRate reports whether r is usable as a sample rate.
func ValidRate(r float64) bool {
	return !math.IsNaN(r) && !math.IsInf(r, 0) && r >= 0 && r <= 1
}

// ParseRate parses a rate from text, rejecting anything outside [0,1].
func ParseRate(s string) (float64, bool) {
	r, err := strconv.ParseFloat(s, 64)
	if err != nil || !ValidRate(r) {
		return 0, false
	}
	return r, true
}

// Fraction maps a session and event name to a stable value in [0,1).
func Fraction(sessionID, name string) float64 {
	h := xxhash.Sum64String(sessionID + "|" + name)
	return float64(h>>11) / (1 << 53)
}

// Engine resolves per-event rates and applies the bucketing rule.
type Engine struct {
	sessionID string
	rates     map[string]float64
	store     storage.Store
	log       *zap.Logger

	mu      sync.RWMutex
	urlRate *float64
}

// NewEngine creates an engine for one session. rates holds the configured
// per-event rates; invalid entries are ignored. store holds the durable
// per-client override.
func NewEngine(sessionID string, rates map[string]float64, store storage.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	clean := make(map[string]float64, len(rates))
	for name, r := range rates {
		if ValidRate(r) {
			clean[name] = r
		} else {
			logger.Debug("ignoring invalid configured sample rate", zap.String("event", name), zap.Float64("rate", r))
		}
	}
	return &Engine{
		sessionID: sessionID,
		rates:     clean,
		store:     store,
		log:       logger,
	}
}

// SetURLRate applies the page URL's global sample rate. Invalid rates are
// ignored and leave any previous override in place.
func (e *Engine) SetURLRate(r float64) bool {
	if !ValidRate(r) {
		return false
	}
	e.mu.Lock()
	e.urlRate = &r
	e.mu.Unlock()
	return true
}

// SetClientRate persists a global per-client override.
func (e *Engine) SetClientRate(r float64) error {
	if !ValidRate(r) {
		return ErrInvalidRate
	}
	if err := e.store.Set(storage.KeySampleRate, strconv.FormatFloat(r, 'f', -1, 64)); err != nil {
		e.log.Debug("persisting sample rate failed", zap.Error(err))
	}
	return nil
}

// ClearClientRate removes the per-client override.
func (e *Engine) ClearClientRate() {
	if err := e.store.Remove(storage.KeySampleRate); err != nil {
		e.log.Debug("clearing sample rate failed", zap.Error(err))
	}
}

// ClientRate returns the stored per-client override if it is valid.
func (e *Engine) ClientRate() (float64, bool) {
	v, ok, err := e.store.Get(storage.KeySampleRate)
	if err != nil || !ok {
		return 0, false
	}
	return ParseRate(v)
}

// GlobalRate returns the override that currently applies to every event:
// the URL rate if present, else the per-client rate.
func (e *Engine) GlobalRate() (float64, bool) {
	e.mu.RLock()
	u := e.urlRate
	e.mu.RUnlock()
	if u != nil {
		return *u, true
	}
	return e.ClientRate()
}

// Rate resolves the effective rate for name without a per-call override.
func (e *Engine) Rate(name string) float64 {
	if r, ok := e.GlobalRate(); ok {
		return r
	}
	if r, ok := e.rates[name]; ok {
		return r
	}
	return 1
}

// ShouldSample reports whether an occurrence of name is recorded.
func (e *Engine) ShouldSample(name string) bool {
	return e.Decide(name, nil)
}

// Decide is ShouldSample with an optional per-call rate that takes priority
// over every other source. An invalid override is ignored.
func (e *Engine) Decide(name string, override *float64) bool {
	rate := e.Rate(name)
	if override != nil && ValidRate(*override) {
		rate = *override
	}
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	}
	return Fraction(e.sessionID, name) <= rate
}
