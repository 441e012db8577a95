// Package kv defines the durable key-value collaborator the queue and cache
// persist through. Keys are namespaced per chat and per concern so the two
// never collide ("queue:<chat>", "cache:<chat>", "cachemeta:<chat>").
package kv

import "errors"

// ErrQuotaExceeded is returned by Set when the store is out of capacity.
// Callers treat it as non-fatal and degrade (evict, truncate, or drop).
var ErrQuotaExceeded = errors.New("kv: quota exceeded")

// Store is a durable string-keyed blob store.
type Store interface {
	// Get returns the value for key. Absence is reported via ok=false, not
	// an error.
	Get(key string) (value string, ok bool, err error)
	// Set writes the value. May return ErrQuotaExceeded.
	Set(key, value string) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(key string) error
	// Keys enumerates keys with the given prefix, sorted ascending.
	Keys(prefix string) ([]string, error)
}
