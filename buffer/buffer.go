// Package buffer implements the per-user offline message queue: TTL-bounded,
// capacity-capped, priority-aware on admission, strictly seq-ordered on
// replay.
package buffer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rideflow/realtime-gateway/metrics"
	"github.com/rideflow/realtime-gateway/protocol"
	"github.com/rideflow/realtime-gateway/store"
)

// Buffer persists undeliverable outbound messages in the shared store until
// the user reconnects or the TTL lapses.
type Buffer struct {
	backend store.Store
	maxSize int
	ttl     time.Duration
}

// New creates a buffer with the given per-user capacity and entry TTL.
func New(backend store.Store, maxSize int, ttl time.Duration) *Buffer {
	return &Buffer{backend: backend, maxSize: maxSize, ttl: ttl}
}

// Add admits a message into the user's buffer. It returns false when the
// buffer is full and the message's priority cannot displace an existing
// entry: normal/low admissions fail outright, and a high admission fails only
// when every existing entry is also high.
func (b *Buffer) Add(ctx context.Context, userID string, msg protocol.Message, priority protocol.Priority) bool {
	key := store.UserBufferKey(userID)

	count, err := b.backend.SeqCard(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Buffer size check failed")
		metrics.Errors.WithLabelValues("buffer").Inc()
		return false
	}

	if count >= int64(b.maxSize) {
		if priority != protocol.PriorityHigh {
			log.Warn().Str("user_id", userID).Int64("size", count).
				Str("priority", string(priority)).Msg("Buffer full, dropping message")
			metrics.BufferRejections.Inc()
			return false
		}
		if !b.evictOne(ctx, key, userID) {
			// Everything buffered is already high priority. Admission fails
			// rather than growing without bound.
			log.Warn().Str("user_id", userID).Msg("Buffer full of high-priority messages, dropping")
			metrics.BufferRejections.Inc()
			return false
		}
	}

	now := time.Now()
	entry := protocol.BufferedMessage{
		Message:   msg,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(b.ttl).UnixMilli(),
		Priority:  priority,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to marshal buffered message")
		return false
	}

	if err := b.backend.SeqAdd(ctx, key, msg.Seq, data, b.ttl); err != nil {
		log.Error().Err(err).Str("user_id", userID).Int64("seq", msg.Seq).Msg("Failed to buffer message")
		metrics.Errors.WithLabelValues("buffer").Inc()
		return false
	}
	if err := b.backend.SetAdd(ctx, store.BufferIndexKey, userID, 0); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to index buffered user")
	}

	metrics.MessagesBuffered.Inc()
	return true
}

// evictOne removes the oldest non-high entry from key, returning whether an
// entry was removed.
func (b *Buffer) evictOne(ctx context.Context, key, userID string) bool {
	raw, err := b.backend.SeqRangeAfter(ctx, key, -1)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Buffer eviction scan failed")
		return false
	}
	for _, data := range raw {
		var entry protocol.BufferedMessage
		if err := json.Unmarshal(data, &entry); err != nil {
			// Undecodable entries are the first to go.
			b.backend.SeqRemoveMember(ctx, key, data)
			return true
		}
		if entry.Priority != protocol.PriorityHigh {
			if err := b.backend.SeqRemoveMember(ctx, key, data); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Buffer eviction failed")
				return false
			}
			log.Debug().Str("user_id", userID).Int64("seq", entry.Message.Seq).
				Msg("Evicted buffered message for high-priority admission")
			return true
		}
	}
	return false
}

// Pending returns the user's non-expired buffered messages with seq > fromSeq
// in ascending seq order. Expired entries are filtered here even if the sweep
// has not removed them yet.
func (b *Buffer) Pending(ctx context.Context, userID string, fromSeq int64) ([]protocol.BufferedMessage, error) {
	raw, err := b.backend.SeqRangeAfter(ctx, store.UserBufferKey(userID), fromSeq)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]protocol.BufferedMessage, 0, len(raw))
	for _, data := range raw {
		var entry protocol.BufferedMessage
		if err := json.Unmarshal(data, &entry); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Skipping undecodable buffered message")
			continue
		}
		if entry.Expired(now) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Clear removes buffered messages after confirmed delivery. A negative
// upToSeq clears everything.
func (b *Buffer) Clear(ctx context.Context, userID string, upToSeq int64) error {
	key := store.UserBufferKey(userID)
	if upToSeq < 0 {
		if err := b.backend.Delete(ctx, key); err != nil {
			return err
		}
	} else {
		if _, err := b.backend.SeqRemoveUpTo(ctx, key, upToSeq); err != nil {
			return err
		}
	}

	count, err := b.backend.SeqCard(ctx, key)
	if err == nil && count == 0 {
		b.backend.SetRemove(ctx, store.BufferIndexKey, userID)
	}
	return nil
}

// Depth reports the total number of buffered entries across all users.
func (b *Buffer) Depth(ctx context.Context) int64 {
	users, err := b.backend.SetMembers(ctx, store.BufferIndexKey)
	if err != nil {
		return 0
	}
	var total int64
	for _, userID := range users {
		if n, err := b.backend.SeqCard(ctx, store.UserBufferKey(userID)); err == nil {
			total += n
		}
	}
	return total
}

// SweepExpired removes TTL-expired entries across all buffered users and
// returns the number removed.
func (b *Buffer) SweepExpired(ctx context.Context) int {
	users, err := b.backend.SetMembers(ctx, store.BufferIndexKey)
	if err != nil {
		log.Error().Err(err).Msg("Buffer sweep failed to list users")
		metrics.Errors.WithLabelValues("buffer").Inc()
		return 0
	}

	now := time.Now()
	removed := 0
	for _, userID := range users {
		key := store.UserBufferKey(userID)
		raw, err := b.backend.SeqRangeAfter(ctx, key, -1)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Buffer sweep scan failed")
			continue
		}
		remaining := 0
		for _, data := range raw {
			var entry protocol.BufferedMessage
			if err := json.Unmarshal(data, &entry); err != nil || entry.Expired(now) {
				if err := b.backend.SeqRemoveMember(ctx, key, data); err == nil {
					removed++
				}
				continue
			}
			remaining++
		}
		if remaining == 0 {
			b.backend.SetRemove(ctx, store.BufferIndexKey, userID)
		}
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Buffer sweep removed expired messages")
		metrics.MessagesExpired.Add(float64(removed))
	}
	return removed
}

// RunSweeper sweeps expired entries on the given interval until ctx is done.
func (b *Buffer) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.SweepExpired(ctx)
		}
	}
}
