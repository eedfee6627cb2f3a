package operator

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(b byte) []byte {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = b
	}
	return s
}

func manager(t *testing.T, now *time.Time) *TokenManager {
	t.Helper()
	ks, err := NewKeySetFromSeed("ops-1", seed(7))
	require.NoError(t, err)
	return NewTokenManager(ks).WithClock(func() time.Time { return *now })
}

func TestIssueAndAuthorize(t *testing.T) {
	now := t0
	tm := manager(t, &now)

	tok, err := tm.Issue(context.Background(), "alice", "tenant-a", []string{RoleApprover}, time.Hour)
	require.NoError(t, err)

	claims, err := tm.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "tenant-a", claims.TenantID)

	id, err := tm.Authorize(tok, RoleApprover)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = tm.Authorize(tok, RoleExecutor)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSameSeedVerifiesAcrossProcesses(t *testing.T) {
	now := t0
	issuer := manager(t, &now)
	verifier := manager(t, &now)

	tok, err := issuer.Issue(context.Background(), "bob", "", []string{RoleApprover}, time.Minute)
	require.NoError(t, err)
	_, err = verifier.Validate(tok)
	assert.NoError(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	now := t0
	tm := manager(t, &now)
	tok, err := tm.Issue(context.Background(), "alice", "", []string{RoleApprover}, time.Minute)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		now = t0.Add(2 * time.Minute)
		defer func() { now = t0 }()
		_, err := tm.Validate(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other key", func(t *testing.T) {
		ks, err := NewKeySetFromSeed("ops-1", seed(9))
		require.NoError(t, err)
		_, err = NewTokenManager(ks).WithClock(func() time.Time { return t0 }).Validate(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(tok, ".")
		require.Len(t, parts, 3)
		parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"mallory","roles":["approver"]}`))
		_, err := tm.Validate(strings.Join(parts, "."))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tm.Validate("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestIssue_RequiresOperatorAndTTL(t *testing.T) {
	now := t0
	tm := manager(t, &now)
	_, err := tm.Issue(context.Background(), "", "", nil, time.Minute)
	assert.Error(t, err)
	_, err = tm.Issue(context.Background(), "alice", "", nil, 0)
	assert.Error(t, err)
}

func TestRotationKeepsOlderTokensValid(t *testing.T) {
	ks, err := NewEphemeralKeySet()
	require.NoError(t, err)
	tm := NewTokenManager(ks)

	tok, err := tm.Issue(context.Background(), "alice", "", []string{RoleApprover}, time.Hour)
	require.NoError(t, err)
	first := ks.CurrentKID()

	require.NoError(t, ks.Rotate())
	assert.NotEqual(t, first, ks.CurrentKID())
	_, err = tm.Validate(tok)
	assert.NoError(t, err)

	for i := 0; i < maxKeys; i++ {
		require.NoError(t, ks.Rotate())
	}
	_, err = tm.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseSeed(t *testing.T) {
	raw := seed(3)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding} {
		got, err := ParseSeed(enc.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}
	_, err := ParseSeed(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
	_, err = ParseSeed("%%%")
	assert.Error(t, err)

	_, err = NewKeySetFromSeed("", raw)
	assert.Error(t, err)
}
