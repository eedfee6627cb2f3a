package audit

import (
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/safety"
)

// Payload types, one per event kind. Each is validated against
// schemas/<kind>.schema.json at the sink boundary.

type TelemetryIngested struct {
	Decision contracts.Decision `json:"decision"`
}

// GateEvaluated carries the complete gate input and the thresholds in force so
// replay can re-run the evaluation.
type GateEvaluated struct {
	DecisionID string            `json:"decision_id"`
	Input      safety.Input      `json:"input"`
	Thresholds safety.Thresholds `json:"thresholds"`
	Verdict    contracts.Verdict `json:"verdict"`
}

type IntentCreated struct {
	Intent     contracts.ExecutionIntent `json:"intent"`
	IntentHash string                    `json:"intent_hash"`
}

type ApprovalRequested struct {
	Approval contracts.ApprovalRequest `json:"approval"`
}

// ApprovalBound records the binding together with the frozen intent it points
// at, when the binder had access to it.
type ApprovalBound struct {
	ApprovalID string                     `json:"approval_id"`
	Binding    contracts.Binding          `json:"binding"`
	Intent     *contracts.ExecutionIntent `json:"intent,omitempty"`
}

type ApprovalResolved struct {
	ApprovalID string                   `json:"approval_id"`
	Status     contracts.ApprovalStatus `json:"status"`
	Operator   string                   `json:"operator"`
	Reason     string                   `json:"reason,omitempty"`
}

type IntentExecuted struct {
	Intent     contracts.ExecutionIntent `json:"intent"`
	IntentHash string                    `json:"intent_hash"`
	ApprovalID string                    `json:"approval_id,omitempty"`
	EffectRef  string                    `json:"effect_ref,omitempty"`
}

type IntentDenied struct {
	IntentID       string `json:"intent_id"`
	IdempotencyKey string `json:"idempotency_key"`
	ApprovalID     string `json:"approval_id,omitempty"`
	Reason         string `json:"reason"`
	RuleID         string `json:"rule_id"`
}

type IntentReverted struct {
	IntentID       string `json:"intent_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
	EffectRef      string `json:"effect_ref,omitempty"`
}
