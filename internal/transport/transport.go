// Package transport delivers event batches to the ingest endpoint.
package transport

import (
	"context"
	"fmt"

	"github.com/sitepulse/pulse/internal/event"
)

// Mode selects how a batch is transmitted.
type Mode int

const (
	// Best is an ordinary request with a keep-alive hint. Used for timer
	// driven flushes while the page is alive.
	Best Mode = iota
	// Durable is attempted even while the page is being torn down. Used on
	// the exit path.
	Durable
)

func (m Mode) String() string {
	switch m {
	case Best:
		return "best"
	case Durable:
		return "durable"
	}
	return "unknown"
}

// Transport sends one batch.
type Transport interface {
	Send(ctx context.Context, batch event.Batch, mode Mode) error
}

// TransmissionError describes a failed attempt. StatusCode is zero for
// network-level failures.
type TransmissionError struct {
	Mode       Mode
	Events     int
	StatusCode int
	Err        error
}

func (e *TransmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transmission of %d events: status %d", e.Mode, e.Events, e.StatusCode)
	}
	return fmt.Sprintf("%s transmission of %d events: %v", e.Mode, e.Events, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// Result is the outcome of one dispatch. The dispatcher records it for
// diagnostics and then drops it: delivery is best-effort and a failed batch
// is never retried or surfaced to the caller.
type Result struct {
	Mode   Mode
	Events int
	Err    error
}

// OK reports whether the batch was accepted by the endpoint.
func (r Result) OK() bool { return r.Err == nil }
