// Package cluster implements the cross-process coordination adapter
// (spec §4.11, component C12): identity presence with TTL and
// last-writer-wins, durable call/result relay streams, and opaque
// server-event pub/sub, all over a replaceable Redis-compatible
// driver. The driver-interface-plus-selectable-backend shape follows
// the donor's container.Runtime (an interface with concrete backends
// chosen by a factory); here the two backends are a single-node and a
// cluster-mode go-redis client, the latter hash-tagging its keys so
// related keys co-shard.
package cluster

import (
	"context"
	"time"
)

// StreamEntry is one durable entry read from a relay stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Driver is the Redis-like surface the adapter runs on (spec §4.11).
// Implementations must be safe for concurrent use; the adapter invokes
// them from the caller's goroutine and from its own consume loops.
type Driver interface {
	// Publish sends payload on a pub/sub channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe registers fn for messages on channel. One subscription
	// per channel; a second Subscribe for the same channel replaces the
	// first.
	Subscribe(ctx context.Context, channel string, fn func(channel, payload string)) error

	// Unsubscribe removes the subscription for channel.
	Unsubscribe(ctx context.Context, channel string) error

	// SetEX stores key=value with a TTL.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// MGet returns the values for keys; missing keys yield "".
	MGet(ctx context.Context, keys ...string) ([]string, error)

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// XAdd appends fields to stream, trimming it to approximately
	// maxLen entries, and returns the new entry id.
	XAdd(ctx context.Context, stream string, maxLen int64, fields map[string]any) (string, error)

	// XRead blocks up to block for entries after lastID on stream.
	// A deadline expiring returns (nil, nil), not an error.
	XRead(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEntry, error)

	// XLen returns the number of entries in stream.
	XLen(ctx context.Context, stream string) (int64, error)

	// Expire refreshes the TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// OnError registers a callback for asynchronous driver errors
	// (connection loss, protocol errors inside a consume loop). Driver
	// errors never crash the process (spec §7).
	OnError(fn func(error))

	// OnReconnect registers a callback invoked when the driver
	// re-establishes its backend connection.
	OnReconnect(fn func())

	// Disconnect tears the driver down.
	Disconnect() error

	// HashTagKeys reports whether keys built against this driver should
	// carry {hash tags} so related keys co-shard (cluster mode).
	HashTagKeys() bool
}
