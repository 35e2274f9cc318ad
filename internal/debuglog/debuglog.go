// Package debuglog keeps an in-memory mirror of what the pipeline did, for
// diagnostics. Nothing here influences delivery.
package debuglog

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/event"
)

type Kind string

const (
	KindEvent             Kind = "event"
	KindSampledOut        Kind = "sampled_out"
	KindThrottled         Kind = "throttled"
	KindBlocked           Kind = "blocked"
	KindFlush             Kind = "flush"
	KindTransmissionError Kind = "transmission_error"
	KindConsent           Kind = "consent"
	KindWebVital          Kind = "web_vital"
	KindPanic             Kind = "panic"
	KindIngest            Kind = "ingest"
)

const DefaultCapacity = 200

// Entry is one diagnostic record.
type Entry struct {
	At      time.Time    `json:"at"`
	Kind    Kind         `json:"kind"`
	Name    string       `json:"name,omitempty"`
	Event   *event.Event `json:"event,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Surface is a bounded ring of entries. When enabled it also writes every
// entry to its logger.
type Surface struct {
	log      *zap.Logger
	capacity int

	mu          sync.RWMutex
	entries     []Entry
	enabled     bool
	subscribers []func(Entry)
}

func New(capacity int, logger *zap.Logger) *Surface {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Surface{
		log:      logger,
		capacity: capacity,
	}
}

// SetEnabled turns logger output on or off. Entries are kept either way.
func (s *Surface) SetEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
}

func (s *Surface) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Subscribe registers fn to receive every new entry. fn runs synchronously
// on the recording goroutine and must not block.
func (s *Surface) Subscribe(fn func(Entry)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Record appends e, evicting the oldest entry when full. Events are cloned
// so later payload changes by the caller do not leak into the log.
func (s *Surface) Record(e Entry) {
	if e.Event != nil {
		c := e.Event.Clone()
		e.Event = &c
		if e.Name == "" {
			e.Name = c.Name
		}
	}

	s.mu.Lock()
	if len(s.entries) >= s.capacity {
		n := copy(s.entries, s.entries[len(s.entries)-s.capacity+1:])
		s.entries = s.entries[:n]
	}
	s.entries = append(s.entries, e)
	enabled := s.enabled
	subs := s.subscribers
	s.mu.Unlock()

	if enabled {
		s.log.Debug("analytics",
			zap.String("kind", string(e.Kind)),
			zap.String("name", e.Name),
			zap.String("message", e.Message),
			zap.Any("event", e.Event))
	}
	for _, fn := range subs {
		fn(e)
	}
}

// Logs returns a copy of the retained entries, oldest first.
func (s *Surface) Logs() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Surface) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Export renders the retained entries as indented JSON.
func (s *Surface) Export() ([]byte, error) {
	logs := s.Logs()
	return json.MarshalIndent(logs, "", "  ")
}
