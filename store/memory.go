package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It exists for tests and
// single-node development; it sees only subscribers in the same process.
type MemoryStore struct {
	mu     sync.RWMutex
	kv     map[string]memoryValue
	sets   map[string]map[string]struct{}
	setExp map[string]time.Time // zero/absent means no expiry
	seqs   map[string][]seqEntry
	subs   map[string]map[int]chan []byte
	nextID int
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

type seqEntry struct {
	seq   int64
	value []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:     make(map[string]memoryValue),
		sets:   make(map[string]map[string]struct{}),
		setExp: make(map[string]time.Time),
		seqs:   make(map[string][]seqEntry),
		subs:   make(map[string]map[int]chan []byte),
	}
}

func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- payload:
		default: // slow subscriber loses the payload, same as redis pub/sub
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan []byte, 64)
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]chan []byte)
	}
	s.subs[channel][id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[channel][id]; ok {
			delete(s.subs[channel], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := memoryValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	s.kv[key] = v
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	v, ok := s.kv[key]
	s.mu.RUnlock()
	if !ok || (!v.expiresAt.IsZero() && time.Now().After(v.expiresAt)) {
		return nil, ErrNotFound
	}
	return v.data, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	delete(s.sets, key)
	delete(s.setExp, key)
	delete(s.seqs, key)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.kv[key]; ok {
		v.expiresAt = time.Now().Add(ttl)
		s.kv[key] = v
	}
	return nil
}

// setExpired reports whether the set key's TTL has lapsed. Caller holds mu.
func (s *MemoryStore) setExpired(key string) bool {
	exp, ok := s.setExp[key]
	return ok && time.Now().After(exp)
}

func (s *MemoryStore) SetAdd(_ context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setExpired(key) {
		delete(s.sets, key)
		delete(s.setExp, key)
	}
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]struct{})
	}
	s.sets[key][member] = struct{}{}
	// Like SADD+EXPIRE in a pipeline: every add with a TTL resets the clock.
	if ttl > 0 {
		s.setExp[key] = time.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) SetRemove(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setExpired(key) {
		delete(s.sets, key)
		delete(s.setExp, key)
		return nil
	}
	delete(s.sets[key], member)
	if len(s.sets[key]) == 0 {
		delete(s.sets, key)
		delete(s.setExp, key)
	}
	return nil
}

func (s *MemoryStore) SetCard(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.setExpired(key) {
		return 0, nil
	}
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.setExpired(key) {
		return nil, nil
	}
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (s *MemoryStore) SeqAdd(_ context.Context, key string, seq int64, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.seqs[key]
	entries = append(entries, seqEntry{seq: seq, value: append([]byte(nil), value...)})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	s.seqs[key] = entries
	return nil
}

func (s *MemoryStore) SeqRangeAfter(_ context.Context, key string, afterSeq int64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out [][]byte
	for _, e := range s.seqs[key] {
		if e.seq > afterSeq {
			out = append(out, e.value)
		}
	}
	return out, nil
}

func (s *MemoryStore) SeqRemoveUpTo(_ context.Context, key string, upToSeq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []seqEntry
	var removed int64
	for _, e := range s.seqs[key] {
		if e.seq <= upToSeq {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(s.seqs, key)
	} else {
		s.seqs[key] = kept
	}
	return removed, nil
}

func (s *MemoryStore) SeqRemoveMember(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.seqs[key]
	for i, e := range entries {
		if string(e.value) == string(value) {
			s.seqs[key] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.seqs[key]) == 0 {
		delete(s.seqs, key)
	}
	return nil
}

func (s *MemoryStore) SeqCard(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.seqs[key])), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, subs := range s.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.subs, channel)
	}
	return nil
}
