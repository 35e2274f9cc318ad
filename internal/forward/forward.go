// Package forward mirrors consented events to host-provided sinks such as a
// tag manager data layer.
package forward

import (
	"maps"
	"sync"
)

// Forwarder receives a copy of every event that passed the consent gate.
// Implementations must not block.
type Forwarder interface {
	Forward(name string, payload map[string]any)
}

// Func adapts a function to Forwarder.
type Func func(name string, payload map[string]any)

func (f Func) Forward(name string, payload map[string]any) { f(name, payload) }

// DataLayer collects pushes in the shape tag managers expect: the event name
// under "event" alongside the flattened payload.
type DataLayer struct {
	mu      sync.Mutex
	entries []map[string]any
}

func NewDataLayer() *DataLayer { return &DataLayer{} }

func (d *DataLayer) Forward(name string, payload map[string]any) {
	entry := make(map[string]any, len(payload)+1)
	maps.Copy(entry, payload)
	entry["event"] = name

	d.mu.Lock()
	d.entries = append(d.entries, entry)
	d.mu.Unlock()
}

// Entries returns the pushed entries in order.
func (d *DataLayer) Entries() []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]map[string]any, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *DataLayer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
