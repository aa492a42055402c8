// Package store is the gateway's boundary to the shared external store. Every
// cross-process fact (who is connected where, offline buffers, resumable
// sessions, aggregated metrics) lives behind this interface; in-process state
// is only ever a cache of it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the minimal surface the gateway needs from the shared store:
// pub/sub fan-out, TTL'd key/value, membership sets for connection
// registries, and sequence-scored collections for offline buffers.
type Store interface {
	// Publish sends payload to every subscriber of channel, across processes.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of payloads and a cancel function that
	// releases the subscription. The returned channel is closed on cancel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error
	SetRemove(ctx context.Context, key, member string) error
	SetCard(ctx context.Context, key string) (int64, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SeqAdd stores value under key ordered by seq and refreshes the key TTL.
	SeqAdd(ctx context.Context, key string, seq int64, value []byte, ttl time.Duration) error
	// SeqRangeAfter returns values with seq > afterSeq in ascending seq order.
	SeqRangeAfter(ctx context.Context, key string, afterSeq int64) ([][]byte, error)
	// SeqRemoveUpTo removes values with seq <= upToSeq, returning the count.
	SeqRemoveUpTo(ctx context.Context, key string, upToSeq int64) (int64, error)
	SeqRemoveMember(ctx context.Context, key string, value []byte) error
	SeqCard(ctx context.Context, key string) (int64, error)

	Close() error
}
