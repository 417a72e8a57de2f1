// Package uuid generates device-side identifiers. Every session, visit, ping
// and queued event is keyed on the device so the id can double as the
// idempotency key of the remote write.
package uuid

import "github.com/google/uuid"

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// OrNew returns id unchanged when set, otherwise a fresh UUID v4.
func OrNew(id string) string {
	if id != "" {
		return id
	}
	return New()
}
