// Package interlock provides the shared key-value store that decouples the
// cooldown controller from the driver monitor processes. All hardware
// commands and status observations pass through it: the controller publishes
// a command key and re-observes the corresponding status key on a later tick,
// never assuming a command took effect.
package interlock

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when a key has never been written.
// Callers must treat missing data the same as stale data: guard false.
var ErrNotFound = errors.New("interlock: key not found")

// KV is a key/value pair delivered by Listen.
type KV struct {
	Key   string
	Value string
}

// Store is the interlock data-exchange surface. Reads may return stale or
// missing data; implementations must bound every call so an unresponsive
// backend cannot stall the controller's tick loop.
type Store interface {
	// Read returns the current value of a key, or ErrNotFound.
	Read(ctx context.Context, key string) (string, error)

	// Write stores every pair. Partial writes are possible on error.
	Write(ctx context.Context, kv map[string]string) error

	// Publish sends a value to subscribers of key without storing it.
	Publish(ctx context.Context, key, value string) error

	// Listen subscribes to the given key patterns ("*" glob) and delivers
	// published values until ctx is cancelled. The returned channel is
	// closed on cancellation or connection loss.
	Listen(ctx context.Context, patterns ...string) (<-chan KV, error)

	// Ping verifies the connection.
	Ping(ctx context.Context) error
}
