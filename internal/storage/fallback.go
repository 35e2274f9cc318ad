package storage

import (
	"sync"

	"go.uber.org/zap"
)

// Fallback wraps a primary Store and never returns an error. The first
// failure from the primary switches it permanently to an in-memory copy
// that is seeded with every value read or written so far.
type Fallback struct {
	primary Store
	mem     *Memory
	log     *zap.Logger

	mu       sync.Mutex
	degraded bool
}

func NewFallback(primary Store, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{
		primary: primary,
		mem:     NewMemory(),
		log:     logger,
	}
}

// Degraded reports whether the primary store has failed.
func (f *Fallback) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Fallback) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		v, ok, err := f.primary.Get(key)
		if err == nil {
			if ok {
				f.mem.Set(key, v)
			} else {
				f.mem.Remove(key)
			}
			return v, ok, nil
		}
		f.degradeLocked("get", err)
	}
	return f.mem.Get(key)
}

func (f *Fallback) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem.Set(key, value)
	if !f.degraded {
		if err := f.primary.Set(key, value); err != nil {
			f.degradeLocked("set", err)
		}
	}
	return nil
}

func (f *Fallback) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem.Remove(key)
	if !f.degraded {
		if err := f.primary.Remove(key); err != nil {
			f.degradeLocked("remove", err)
		}
	}
	return nil
}

// degradeLocked switches to the memory store. Caller must hold f.mu.
func (f *Fallback) degradeLocked(op string, err error) {
	f.degraded = true
	f.log.Warn("durable storage unavailable, continuing in memory",
		zap.String("op", op), zap.Error(err))
}
