// Package perf passively collects page-quality metrics from the host
// runtime's observation primitives and reports each one once per page life.
package perf

import (
	"sync"

	"go.uber.org/zap"
)

// EntryType is the kind of performance entry to observe.
type EntryType string

const (
	LargestContentfulPaint EntryType = "largest-contentful-paint"
	LayoutShift            EntryType = "layout-shift"
	EventTiming            EntryType = "event"
)

// MinInteractionDuration is the smallest event duration that counts toward
// interaction responsiveness, in milliseconds.
const MinInteractionDuration = 40

// Entry is a performance entry. Times are milliseconds since navigation.
type Entry struct {
	Type           EntryType `json:"type"`
	StartTime      float64   `json:"start_time"`
	Duration       float64   `json:"duration,omitempty"`
	Value          float64   `json:"value,omitempty"`
	HadRecentInput bool      `json:"had_recent_input,omitempty"`
	InteractionID  uint64    `json:"interaction_id,omitempty"`
}

// Handle stops a running observation.
type Handle interface {
	Disconnect()
}

// Runtime is the host's observation capability. Observe returns false when
// the entry type is not supported, which is not an error.
type Runtime interface {
	Observe(t EntryType, fn func([]Entry)) (Handle, bool)
}

// Observer accumulates entries until Flush.
type Observer struct {
	log *zap.Logger

	mu      sync.Mutex
	handles []Handle
	flushed bool

	lcp    float64
	hasLCP bool
	cls    float64
	hasCLS bool
	inp    float64
	hasINP bool
}

// Start subscribes to every supported entry type. A nil runtime yields an
// observer that reports nothing.
func Start(rt Runtime, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Observer{log: logger}
	if rt == nil {
		logger.Debug("performance observation unavailable")
		return o
	}

	subs := []struct {
		t  EntryType
		fn func([]Entry)
	}{
		{LargestContentfulPaint, o.onLCP},
		{LayoutShift, o.onLayoutShift},
		{EventTiming, o.onEvent},
	}
	for _, s := range subs {
		h, ok := rt.Observe(s.t, s.fn)
		if !ok || h == nil {
			logger.Debug("entry type not supported", zap.String("type", string(s.t)))
			continue
		}
		o.mu.Lock()
		o.handles = append(o.handles, h)
		o.mu.Unlock()
	}
	return o
}

// Supported reports whether at least one entry type is being observed.
func (o *Observer) Supported() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles) > 0 || o.flushed
}

func (o *Observer) onLCP(entries []Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flushed {
		return
	}
	for _, e := range entries {
		if e.Type != "" && e.Type != LargestContentfulPaint {
			continue
		}
		o.lcp = e.StartTime
		o.hasLCP = true
	}
}

func (o *Observer) onLayoutShift(entries []Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flushed {
		return
	}
	for _, e := range entries {
		if e.Type != "" && e.Type != LayoutShift {
			continue
		}
		if e.HadRecentInput {
			continue
		}
		o.cls += e.Value
		o.hasCLS = true
	}
}

func (o *Observer) onEvent(entries []Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flushed {
		return
	}
	for _, e := range entries {
		if e.Type != "" && e.Type != EventTiming {
			continue
		}
		if e.Duration < MinInteractionDuration {
			continue
		}
		if !o.hasINP || e.Duration > o.inp {
			o.inp = e.Duration
			o.hasINP = true
		}
	}
}

// Flush disconnects the observations and returns the rated metrics that had
// at least one qualifying entry. Only the first call returns anything.
func (o *Observer) Flush() []Observation {
	o.mu.Lock()
	if o.flushed {
		o.mu.Unlock()
		return nil
	}
	o.flushed = true
	handles := o.handles
	o.handles = nil

	var out []Observation
	if o.hasLCP {
		out = append(out, Observation{Metric: LCP, Value: o.lcp, Rating: Rate(LCP, o.lcp)})
	}
	if o.hasCLS {
		out = append(out, Observation{Metric: CLS, Value: o.cls, Rating: Rate(CLS, o.cls)})
	}
	if o.hasINP {
		out = append(out, Observation{Metric: INP, Value: o.inp, Rating: Rate(INP, o.inp)})
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.Disconnect()
	}
	return out
}
