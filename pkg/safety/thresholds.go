package safety

// Thresholds are the class-specific limits the gate compares a decision against.
//
//nolint:govet // fieldalignment: struct layout mirrors the policy file
type Thresholds struct {
	MinTrustScore         float64 `yaml:"min_trust_score" json:"min_trust_score"`
	A1Confidence          float64 `yaml:"a1_confidence" json:"a1_confidence"`
	A2AggregateConfidence float64 `yaml:"a2_aggregate_confidence" json:"a2_aggregate_confidence"`
	A2MinQuorum           int     `yaml:"a2_min_quorum" json:"a2_min_quorum"`
	A3Confidence          float64 `yaml:"a3_confidence" json:"a3_confidence"`
	A3MinQuorum           int     `yaml:"a3_min_quorum" json:"a3_min_quorum"`
}

// DefaultThresholds returns the built-in limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinTrustScore:         0.50,
		A1Confidence:          0.80,
		A2AggregateConfidence: 0.85,
		A2MinQuorum:           2,
		A3Confidence:          0.97,
		A3MinQuorum:           2,
	}
}

// ThresholdOverride is a partial Thresholds. Nil fields inherit; a set field
// wins even when it is zero.
//
//nolint:govet // fieldalignment: struct layout mirrors the policy file
type ThresholdOverride struct {
	MinTrustScore         *float64 `yaml:"min_trust_score,omitempty" json:"min_trust_score,omitempty"`
	A1Confidence          *float64 `yaml:"a1_confidence,omitempty" json:"a1_confidence,omitempty"`
	A2AggregateConfidence *float64 `yaml:"a2_aggregate_confidence,omitempty" json:"a2_aggregate_confidence,omitempty"`
	A2MinQuorum           *int     `yaml:"a2_min_quorum,omitempty" json:"a2_min_quorum,omitempty"`
	A3Confidence          *float64 `yaml:"a3_confidence,omitempty" json:"a3_confidence,omitempty"`
	A3MinQuorum           *int     `yaml:"a3_min_quorum,omitempty" json:"a3_min_quorum,omitempty"`
}

// Apply returns base with every set field of o replacing it.
func (o ThresholdOverride) Apply(base Thresholds) Thresholds {
	if o.MinTrustScore != nil {
		base.MinTrustScore = *o.MinTrustScore
	}
	if o.A1Confidence != nil {
		base.A1Confidence = *o.A1Confidence
	}
	if o.A2AggregateConfidence != nil {
		base.A2AggregateConfidence = *o.A2AggregateConfidence
	}
	if o.A2MinQuorum != nil {
		base.A2MinQuorum = *o.A2MinQuorum
	}
	if o.A3Confidence != nil {
		base.A3Confidence = *o.A3Confidence
	}
	if o.A3MinQuorum != nil {
		base.A3MinQuorum = *o.A3MinQuorum
	}
	return base
}

// ThresholdSet holds the global thresholds plus optional per-tenant overrides.
// Default is used as given.
type ThresholdSet struct {
	Default Thresholds                   `yaml:"default" json:"default"`
	Tenants map[string]ThresholdOverride `yaml:"tenants,omitempty" json:"tenants,omitempty"`
}

// DefaultThresholdSet has no tenant overrides.
func DefaultThresholdSet() ThresholdSet {
	return ThresholdSet{Default: DefaultThresholds()}
}

// For resolves the effective thresholds for a tenant.
func (s ThresholdSet) For(tenantID string) Thresholds {
	if override, ok := s.Tenants[tenantID]; ok {
		return override.Apply(s.Default)
	}
	return s.Default
}
