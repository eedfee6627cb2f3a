package operator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet signs operator tokens with its active key and resolves
// verification keys by kid, so keys can rotate without invalidating tokens
// that are still live.
type KeySet interface {
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	KeyFunc() jwt.Keyfunc
}

// maxKeys bounds how many retired keys remain usable for verification.
const maxKeys = 4

// Ed25519KeySet holds Ed25519 keys in memory.
type Ed25519KeySet struct {
	mu         sync.RWMutex
	currentKID string
	rotations  int
	order      []string
	keys       map[string]ed25519.PrivateKey
}

// NewKeySetFromSeed builds a key set whose only key is derived from a
// 32-byte seed. Every process configured with the same seed issues and
// accepts the same tokens.
func NewKeySetFromSeed(kid string, seed []byte) (*Ed25519KeySet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("operator: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if kid == "" {
		return nil, errors.New("operator: key id is required")
	}
	ks := &Ed25519KeySet{keys: make(map[string]ed25519.PrivateKey)}
	ks.add(kid, ed25519.NewKeyFromSeed(seed))
	return ks, nil
}

// NewEphemeralKeySet generates a random key. Tokens it signs are only valid
// within the current process.
func NewEphemeralKeySet() (*Ed25519KeySet, error) {
	ks := &Ed25519KeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// ParseSeed decodes a base64 (standard or URL alphabet, padded or not) seed.
func ParseSeed(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			if len(b) != ed25519.SeedSize {
				return nil, fmt.Errorf("operator: seed must be %d bytes, got %d", ed25519.SeedSize, len(b))
			}
			return b, nil
		}
	}
	return nil, errors.New("operator: seed is not valid base64")
}

// Rotate generates a new active key. The previous keys keep verifying until
// they are evicted.
func (ks *Ed25519KeySet) Rotate() error {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("operator: generate key: %w", err)
	}
	ks.mu.Lock()
	ks.rotations++
	kid := fmt.Sprintf("key-%d-%d", time.Now().Unix(), ks.rotations)
	ks.mu.Unlock()
	ks.add(kid, key)
	return nil
}

func (ks *Ed25519KeySet) add(kid string, key ed25519.PrivateKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.keys[kid]; !exists {
		ks.order = append(ks.order, kid)
	}
	ks.keys[kid] = key
	ks.currentKID = kid
	for len(ks.order) > maxKeys {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
}

// CurrentKID returns the id of the signing key.
func (ks *Ed25519KeySet) CurrentKID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

func (ks *Ed25519KeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.keys[kid]
	ks.mu.RUnlock()

	if key == nil {
		return "", errors.New("operator: no active key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *Ed25519KeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key.Public(), nil
	}
}
