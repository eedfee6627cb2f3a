// Package intentstore freezes execution intents under their canonical hash
// and verifies them against the binding recorded on their approval.
package intentstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// ErrNotFound is returned when no frozen intent matches the lookup key.
var ErrNotFound = errors.New("intentstore: frozen intent not found")

// BindingSource resolves the binding recorded on an approval.
// The approval service implements it.
type BindingSource interface {
	GetBinding(approvalID string) (*contracts.Binding, error)
}

// ComputeIntentHash strips the intent's own *_at fields, canonicalizes and
// hashes. Parameters and policy context are hashed in full.
func ComputeIntentHash(intent *contracts.ExecutionIntent) (string, error) {
	if intent == nil {
		return "", fmt.Errorf("intentstore: nil intent")
	}
	stripped, err := canonicalize.StripVolatile(intent)
	if err != nil {
		return "", fmt.Errorf("intentstore: canonicalize intent %s: %w", intent.IntentID, err)
	}
	data, err := canonicalize.Emit(stripped)
	if err != nil {
		return "", fmt.Errorf("intentstore: canonicalize intent %s: %w", intent.IntentID, err)
	}
	return canonicalize.HashBytes(data), nil
}

type frozen struct {
	approvalID string
	intent     *contracts.ExecutionIntent
	hash       string
}

// Store holds frozen intents under four indices that always resolve to the
// same record for a given approval.
type Store struct {
	mu         sync.RWMutex
	byApproval map[string]*frozen
	byKey      map[string]*frozen
	byIntentID map[string]*frozen
	byHash     map[string]*frozen
	bindings   BindingSource
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byApproval: make(map[string]*frozen),
		byKey:      make(map[string]*frozen),
		byIntentID: make(map[string]*frozen),
		byHash:     make(map[string]*frozen),
	}
}

// WithBindingSource sets where VerifyBinding reads approval bindings from.
func (s *Store) WithBindingSource(src BindingSource) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = src
	return s
}

// Freeze stores a copy of intent under approvalID. The stored copy carries
// approvalID in its safety context and the returned hash is computed over it.
// Freezing an identical intent again returns the same hash; anything that
// would make one of the indices point elsewhere is ErrBindingConflict.
func (s *Store) Freeze(approvalID string, intent *contracts.ExecutionIntent) (string, error) {
	if approvalID == "" {
		return "", fmt.Errorf("intentstore: approval id is required")
	}
	if intent == nil || intent.IntentID == "" || intent.IdempotencyKey == "" {
		return "", fmt.Errorf("intentstore: intent id and idempotency key are required")
	}
	if intent.SafetyContext.ApprovalID != "" && intent.SafetyContext.ApprovalID != approvalID {
		return "", fmt.Errorf("%w: intent %s already references approval %s",
			contracts.ErrBindingConflict, intent.IntentID, intent.SafetyContext.ApprovalID)
	}

	c := intent.Clone()
	c.SafetyContext.ApprovalID = approvalID
	hash, err := ComputeIntentHash(c)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byApproval[approvalID]; ok {
		if existing.hash == hash {
			return hash, nil
		}
		return "", fmt.Errorf("%w: approval %s already froze intent %s (hash %s)",
			contracts.ErrBindingConflict, approvalID, existing.intent.IntentID, existing.hash)
	}
	if other, ok := s.byKey[c.IdempotencyKey]; ok {
		return "", fmt.Errorf("%w: idempotency key %s already frozen under approval %s",
			contracts.ErrBindingConflict, c.IdempotencyKey, other.approvalID)
	}
	if other, ok := s.byIntentID[c.IntentID]; ok {
		return "", fmt.Errorf("%w: intent %s already frozen under approval %s",
			contracts.ErrBindingConflict, c.IntentID, other.approvalID)
	}

	f := &frozen{approvalID: approvalID, intent: c, hash: hash}
	s.byApproval[approvalID] = f
	s.byKey[c.IdempotencyKey] = f
	s.byIntentID[c.IntentID] = f
	s.byHash[hash] = f
	return hash, nil
}

// GetByApproval returns a copy of the intent frozen under approvalID and its hash.
func (s *Store) GetByApproval(approvalID string) (*contracts.ExecutionIntent, string, error) {
	return s.get(s.byApproval, approvalID)
}

// GetByIdempotencyKey looks up by idempotency key.
func (s *Store) GetByIdempotencyKey(key string) (*contracts.ExecutionIntent, string, error) {
	return s.get(s.byKey, key)
}

// GetByIntentID looks up by intent id.
func (s *Store) GetByIntentID(intentID string) (*contracts.ExecutionIntent, string, error) {
	return s.get(s.byIntentID, intentID)
}

// GetByHash looks up by canonical intent hash.
func (s *Store) GetByHash(hash string) (*contracts.ExecutionIntent, string, error) {
	return s.get(s.byHash, hash)
}

func (s *Store) get(index map[string]*frozen, key string) (*contracts.ExecutionIntent, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := index[key]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f.intent.Clone(), f.hash, nil
}

// Discard removes the intent frozen under approvalID if its hash is still
// hash, releasing its idempotency key and intent id. It reports whether an
// entry was removed.
func (s *Store) Discard(approvalID, hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byApproval[approvalID]
	if !ok || f.hash != hash {
		return false
	}
	delete(s.byApproval, approvalID)
	delete(s.byKey, f.intent.IdempotencyKey)
	delete(s.byIntentID, f.intent.IntentID)
	delete(s.byHash, f.hash)
	return true
}

// Len returns the number of frozen intents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byApproval)
}

// VerifyBinding reports whether intent is exactly what approvalID authorized:
// the frozen intent, the supplied intent and the approval's recorded binding
// must agree on intent id, idempotency key and hash. It never returns an
// error; the reason explains a false result.
func (s *Store) VerifyBinding(approvalID string, intent *contracts.ExecutionIntent) (bool, string) {
	if intent == nil {
		return false, "no intent supplied"
	}

	s.mu.RLock()
	f, ok := s.byApproval[approvalID]
	src := s.bindings
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Sprintf("no frozen intent for approval %s", approvalID)
	}
	if src == nil {
		return false, "no binding source configured"
	}

	binding, err := src.GetBinding(approvalID)
	if err != nil {
		return false, fmt.Sprintf("approval %s binding unavailable: %v", approvalID, err)
	}
	if binding == nil {
		return false, fmt.Sprintf("approval %s is not bound to an intent", approvalID)
	}

	recomputed, err := ComputeIntentHash(intent)
	if err != nil {
		return false, fmt.Sprintf("intent hash could not be computed: %v", err)
	}

	switch {
	case intent.IntentID != f.intent.IntentID:
		return false, fmt.Sprintf("intent id %s does not match frozen intent %s", intent.IntentID, f.intent.IntentID)
	case intent.IdempotencyKey != f.intent.IdempotencyKey:
		return false, fmt.Sprintf("idempotency key %s does not match frozen key %s", intent.IdempotencyKey, f.intent.IdempotencyKey)
	case recomputed != f.hash:
		return false, fmt.Sprintf("intent hash %s does not match frozen hash %s", recomputed, f.hash)
	case binding.IntentID != f.intent.IntentID:
		return false, fmt.Sprintf("approval bound to intent %s, frozen intent is %s", binding.IntentID, f.intent.IntentID)
	case binding.IdempotencyKey != f.intent.IdempotencyKey:
		return false, fmt.Sprintf("approval bound to key %s, frozen key is %s", binding.IdempotencyKey, f.intent.IdempotencyKey)
	case binding.IntentHash != f.hash:
		return false, fmt.Sprintf("approval bound to hash %s, frozen hash is %s", binding.IntentHash, f.hash)
	}
	return true, ""
}
