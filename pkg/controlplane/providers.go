package controlplane

import (
	"context"
	"sync"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// PolicyProvider reports policy verification and kill switches for a tenant.
type PolicyProvider interface {
	PolicyState(ctx context.Context, tenantID string) (contracts.PolicyState, error)
}

// TrustProvider scores the emitter of a decision.
type TrustProvider interface {
	TrustState(ctx context.Context, decision contracts.Decision) (contracts.TrustState, error)
}

// EnvironmentProvider reports degraded mode.
type EnvironmentProvider interface {
	EnvironmentState(ctx context.Context) (contracts.EnvironmentState, error)
}

// StaticState implements all three providers from values that can be changed
// at runtime, for example from a policy file or an operator command.
type StaticState struct {
	mu            sync.RWMutex
	verified      bool
	bundleHash    string
	globalKill    bool
	tenantKill    map[string]bool
	trustScores   map[string]float64
	defaultTrust  float64
	degraded      bool
	degradeReason string
}

// NewStaticState returns a verified, healthy state with full default trust.
func NewStaticState() *StaticState {
	return &StaticState{
		verified:     true,
		tenantKill:   make(map[string]bool),
		trustScores:  make(map[string]float64),
		defaultTrust: 1.0,
	}
}

// SetPolicyVerified records whether the policy bundle verified.
func (s *StaticState) SetPolicyVerified(verified bool, bundleHash string) *StaticState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = verified
	s.bundleHash = bundleHash
	return s
}

// SetGlobalKillSwitch toggles the global kill switch.
func (s *StaticState) SetGlobalKillSwitch(on bool) *StaticState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalKill = on
	return s
}

// SetTenantKillSwitch toggles a tenant's kill switch.
func (s *StaticState) SetTenantKillSwitch(tenantID string, on bool) *StaticState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantKill[tenantID] = on
	return s
}

// SetTrust sets the score of one emitter. An empty emitter id sets the default.
func (s *StaticState) SetTrust(emitterID string, score float64) *StaticState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if emitterID == "" {
		s.defaultTrust = score
		return s
	}
	s.trustScores[emitterID] = score
	return s
}

// SetDegraded toggles degraded mode.
func (s *StaticState) SetDegraded(on bool, reason string) *StaticState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = on
	s.degradeReason = reason
	return s
}

func (s *StaticState) PolicyState(_ context.Context, tenantID string) (contracts.PolicyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return contracts.PolicyState{
		Verified:         s.verified,
		BundleHash:       s.bundleHash,
		GlobalKillSwitch: s.globalKill,
		TenantKillSwitch: s.tenantKill[tenantID],
	}, nil
}

func (s *StaticState) TrustState(_ context.Context, decision contracts.Decision) (contracts.TrustState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.trustScores[decision.EmitterID]
	if !ok {
		score = s.defaultTrust
	}
	return contracts.TrustState{EmitterID: decision.EmitterID, Score: score}, nil
}

func (s *StaticState) EnvironmentState(context.Context) (contracts.EnvironmentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return contracts.EnvironmentState{Degraded: s.degraded, Reason: s.degradeReason}, nil
}
