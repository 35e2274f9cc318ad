// Package storage provides the key/value scopes the pipeline persists to:
// a session scope that lives as long as the process and a durable scope
// that survives restarts.
package storage

// Store is a string key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// Keys owned by the pipeline. The identity provider owns the session id
// and attribution keys, the consent manager owns the consent key.
const (
	KeySessionID   = "pulse_session_id"
	KeyConsent     = "pulse_consent"
	KeyDebug       = "pulse_debug"
	KeySampleRate  = "pulse_sample_rate"
	AttributionKey = "pulse_attr_"
)
