package executor

import (
	"context"
	"sync"
	"time"
)

// IdempotencyEntry is what the kernel remembers about a key. A pending entry
// marks a key reserved by an execution whose effect has not been recorded.
type IdempotencyEntry struct {
	IntentID   string    `json:"intent_id"`
	IntentHash string    `json:"intent_hash,omitempty"`
	EffectRef  string    `json:"effect_ref,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
	Pending    bool      `json:"pending,omitempty"`
}

// IdempotencyStore maps idempotency keys to executed intents. Reserve is the
// claim that makes execution at-most-once: it must be atomic across every
// kernel sharing the store.
type IdempotencyStore interface {
	// Lookup returns the entry for key, pending or not.
	Lookup(ctx context.Context, key string) (*IdempotencyEntry, bool, error)
	// Reserve stores a pending entry for intentID unless key already has an
	// entry. It reports whether this call claimed the key.
	Reserve(ctx context.Context, key, intentID string) (bool, error)
	// Release drops a pending entry held by intentID.
	Release(ctx context.Context, key, intentID string) error
	// Record stores entry under key when key is unset or reserved by
	// entry.IntentID. It reports false when another intent holds the key.
	Record(ctx context.Context, key string, entry IdempotencyEntry) (bool, error)
}

// MemoryIdempotencyStore is an in-process IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]IdempotencyEntry
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]IdempotencyEntry)}
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (*IdempotencyEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, intentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return false, nil
	}
	s.entries[key] = IdempotencyEntry{IntentID: intentID, Pending: true}
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.Pending && e.IntentID == intentID {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryIdempotencyStore) Record(_ context.Context, key string, entry IdempotencyEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.entries[key]; exists && !(e.Pending && e.IntentID == entry.IntentID) {
		return false, nil
	}
	entry.Pending = false
	s.entries[key] = entry
	return true, nil
}

// Len returns the number of recorded keys.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// keyLocks serialises work per idempotency key. Entries are reference
// counted and removed when the last holder unlocks.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
