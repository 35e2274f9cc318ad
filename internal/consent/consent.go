// Package consent tracks the user's tracking permission and gates outbound
// transmission on it.
package consent

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/storage"
)

type State string

const (
	Pending State = "pending"
	Granted State = "granted"
	Denied  State = "denied"
)

// ParseState accepts exactly "pending", "granted" or "denied".
func ParseState(s string) (State, bool) {
	switch State(s) {
	case Pending, Granted, Denied:
		return State(s), true
	}
	return "", false
}

const (
	evGrant = "grant"
	evDeny  = "deny"
)

// Transition describes a completed state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Manager holds the consent state machine. It is the only writer of the
// consent key in durable storage.
type Manager struct {
	store storage.Store
	clock quartz.Clock
	log   *zap.Logger

	mu        sync.Mutex
	machine   *fsm.FSM
	listeners []func(Transition)
}

// NewManager restores the persisted state, falling back to def when nothing
// valid is stored. An invalid def is treated as Pending.
func NewManager(store storage.Store, def State, clock quartz.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if _, ok := ParseState(string(def)); !ok {
		def = Pending
	}

	initial := def
	if v, ok, err := store.Get(storage.KeyConsent); err == nil && ok {
		if s, valid := ParseState(v); valid {
			initial = s
		} else {
			logger.Debug("ignoring invalid stored consent", zap.String("value", v))
		}
	}

	return &Manager{
		store: store,
		clock: clock,
		log:   logger,
		machine: fsm.NewFSM(
			string(initial),
			fsm.Events{
				{Name: evGrant, Src: []string{string(Pending), string(Denied)}, Dst: string(Granted)},
				{Name: evDeny, Src: []string{string(Pending), string(Granted)}, Dst: string(Denied)},
			},
			fsm.Callbacks{},
		),
	}
}

// State returns the current consent state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.machine.Current())
}

// CanSend reports whether an event may be transmitted. Forced events always
// pass.
func (m *Manager) CanSend(forced bool) bool {
	return forced || m.State() == Granted
}

// OnTransition registers fn to run after every state change. Listeners run
// outside the manager's lock and may call back into it.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Set moves to next, which must be Granted or Denied. Setting the current
// state again is a no-op. The new state is persisted before listeners run.
// It reports whether a transition happened.
func (m *Manager) Set(next State) (Transition, bool) {
	var ev string
	switch next {
	case Granted:
		ev = evGrant
	case Denied:
		ev = evDeny
	default:
		return Transition{}, false
	}

	m.mu.Lock()
	from := State(m.machine.Current())
	if !m.machine.Can(ev) {
		m.mu.Unlock()
		return Transition{}, false
	}
	if err := m.machine.Event(context.Background(), ev); err != nil {
		m.mu.Unlock()
		m.log.Debug("consent transition rejected", zap.String("event", ev), zap.Error(err))
		return Transition{}, false
	}
	if err := m.store.Set(storage.KeyConsent, string(next)); err != nil {
		m.log.Debug("persisting consent failed", zap.Error(err))
	}
	tr := Transition{From: from, To: next, At: m.clock.Now()}
	listeners := make([]func(Transition), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.log.Info("consent changed", zap.String("from", string(from)), zap.String("to", string(next)))
	for _, fn := range listeners {
		fn(tr)
	}
	return tr, true
}
