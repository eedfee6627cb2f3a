// Package operator issues and verifies signed operator tokens. Approve and
// deny actions taken through the CLI record the verified token subject as
// the resolving operator.
package operator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is the iss claim of every operator token.
	Issuer = "exoarmur/operator"
	// Audience is the aud claim of every operator token.
	Audience = "exoarmur.control-plane"

	// RoleApprover may approve and deny requests.
	RoleApprover = "approver"
	// RoleExecutor may execute approved intents and revert executions.
	RoleExecutor = "executor"
)

var (
	// ErrInvalidToken is returned for tokens that fail parsing, signature or
	// claim validation.
	ErrInvalidToken = errors.New("operator: invalid token")
	// ErrForbidden is returned when a valid token lacks the required role.
	ErrForbidden = errors.New("operator: role not granted")
)

// Claims are the JWT claims of an operator token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// HasRole reports whether the token grants role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// TokenManager issues and validates operator tokens.
type TokenManager struct {
	keySet KeySet
	clock  func() time.Time
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, clock: time.Now}
}

// WithClock overrides the clock used for issuing and validating.
func (tm *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	tm.clock = clock
	return tm
}

// Issue signs a token for operatorID valid for ttl.
func (tm *TokenManager) Issue(ctx context.Context, operatorID, tenantID string, roles []string, ttl time.Duration) (string, error) {
	if operatorID == "" {
		return "", errors.New("operator: operator id is required")
	}
	if ttl <= 0 {
		return "", errors.New("operator: ttl must be positive")
	}
	now := tm.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Validate parses a token and checks signature, issuer, audience and expiry.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keySet.KeyFunc(),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tm.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize validates a token and requires role. It returns the operator id.
func (tm *TokenManager) Authorize(tokenString, role string) (string, error) {
	claims, err := tm.Validate(tokenString)
	if err != nil {
		return "", err
	}
	if !claims.HasRole(role) {
		return "", fmt.Errorf("%w: %s lacks %s", ErrForbidden, claims.Subject, role)
	}
	return claims.Subject, nil
}
