package perf

import "sync"

// ManualRuntime is a Runtime fed by the host. Each Record call delivers the
// entry to the callback observing its type, if any.
type ManualRuntime struct {
	mu        sync.Mutex
	supported map[EntryType]bool
	observers map[EntryType]*manualHandle
}

// NewManualRuntime supports the given entry types, or all three when none
// are given.
func NewManualRuntime(types ...EntryType) *ManualRuntime {
	if len(types) == 0 {
		types = []EntryType{LargestContentfulPaint, LayoutShift, EventTiming}
	}
	sup := make(map[EntryType]bool, len(types))
	for _, t := range types {
		sup[t] = true
	}
	return &ManualRuntime{
		supported: sup,
		observers: make(map[EntryType]*manualHandle),
	}
}

type manualHandle struct {
	rt          *ManualRuntime
	t           EntryType
	fn          func([]Entry)
	disconnects int
}

func (h *manualHandle) Disconnect() {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	h.disconnects++
	if h.rt.observers[h.t] == h {
		delete(h.rt.observers, h.t)
	}
}

func (r *ManualRuntime) Observe(t EntryType, fn func([]Entry)) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.supported[t] {
		return nil, false
	}
	h := &manualHandle{rt: r, t: t, fn: fn}
	r.observers[t] = h
	return h, true
}

// Record delivers entries to their observers. Entries of unobserved types
// are dropped.
func (r *ManualRuntime) Record(entries ...Entry) {
	for _, e := range entries {
		r.mu.Lock()
		h := r.observers[e.Type]
		r.mu.Unlock()
		if h != nil {
			h.fn([]Entry{e})
		}
	}
}

// Observing reports how many entry types currently have an observer.
func (r *ManualRuntime) Observing() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}
