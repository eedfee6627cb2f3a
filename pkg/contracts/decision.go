package contracts

import "time"

// Decision is the upstream belief-pipeline output that a candidate action is
// derived from. It is immutable once produced.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Decision struct {
	DecisionID     string      `json:"decision_id"`
	TenantID       string      `json:"tenant_id"`
	CellID         string      `json:"cell_id"`
	EmitterID      string      `json:"emitter_id,omitempty"`
	Subject        string      `json:"subject"`
	Classification string      `json:"classification"` // benign | suspicious | malicious
	Severity       string      `json:"severity"`
	Confidence     float64     `json:"confidence"`
	ActionClass    ActionClass `json:"action_class"`
	EvidenceRefs   []string    `json:"evidence_refs,omitempty"`
	CorrelationID  string      `json:"correlation_id"`
	TraceID        string      `json:"trace_id"`
	ProducedAt     time.Time   `json:"produced_at"`
}

// CollectiveState is the collective-confidence snapshot supplied alongside a decision.
type CollectiveState struct {
	AggregateConfidence float64 `json:"aggregate_confidence"`
	QuorumCount         int     `json:"quorum_count"`
}

// PolicyState is read from the policy provider on every evaluation.
type PolicyState struct {
	Verified         bool   `json:"verified"`
	BundleHash       string `json:"bundle_hash,omitempty"`
	GlobalKillSwitch bool   `json:"global_kill_switch"`
	TenantKillSwitch bool   `json:"tenant_kill_switch"`
}

// TrustState carries the emitter trust score for the decision's producer.
type TrustState struct {
	EmitterID string  `json:"emitter_id,omitempty"`
	Score     float64 `json:"score"`
}

// EnvironmentState reports whether the node runs in degraded mode.
type EnvironmentState struct {
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}
