// Package throttle suppresses repeated occurrences of the same event in the
// same context within a configured window.
package throttle

import (
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Context identifies where an occurrence happened. Together with the event
// name it forms the throttle key, so the same control on two different
// pages throttles independently.
type Context struct {
	Label string
	Href  string
	Path  string
}

func key(name string, c Context) string {
	return strings.Join([]string{name, c.Label, c.Href, c.Path}, "|")
}

// Engine keeps the last accepted time per key. State is in memory only.
type Engine struct {
	clock   quartz.Clock
	windows map[string]time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewEngine creates an engine with per-event minimum intervals. Events with
// no entry, or a non-positive one, are never throttled.
func NewEngine(clock quartz.Clock, windows map[string]time.Duration) *Engine {
	if clock == nil {
		clock = quartz.NewReal()
	}
	w := make(map[string]time.Duration, len(windows))
	for name, d := range windows {
		if d > 0 {
			w[name] = d
		}
	}
	return &Engine{
		clock:   clock,
		windows: w,
		last:    make(map[string]time.Time),
	}
}

// Window returns the configured interval for name, or zero.
func (e *Engine) Window(name string) time.Duration {
	return e.windows[name]
}

// IsThrottled reports whether this occurrence must be suppressed. An
// accepted occurrence records the current time; a suppressed one leaves the
// stored time untouched so the window is measured from the last accepted
// occurrence.
func (e *Engine) IsThrottled(name string, c Context) bool {
	window, ok := e.windows[name]
	if !ok {
		return false
	}

	k := key(name, c)
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if last, seen := e.last[k]; seen && now.Sub(last) < window {
		return true
	}
	e.last[k] = now
	return false
}

// Reset forgets every stored timestamp.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = make(map[string]time.Time)
}
