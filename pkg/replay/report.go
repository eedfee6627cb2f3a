package replay

import (
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// Result classifies a replay.
type Result string

const (
	ResultSuccess Result = "success"
	ResultPartial Result = "partial"
	ResultFailure Result = "failure"
)

// Failure codes.
const (
	FailHashMismatch          = "hash_mismatch"
	FailDecode                = "decode_error"
	FailUnknownKind           = "unknown_kind"
	FailVerdictDivergence     = "verdict_divergence"
	FailApprovalUnknown       = "approval_unknown"
	FailApprovalTransition    = "approval_transition"
	FailBindingConflict       = "binding_conflict"
	FailBindingHashMismatch   = "binding_hash_mismatch"
	FailFrozenIntentDiverged  = "frozen_intent_divergence"
	FailIntentStoreMismatch   = "intent_store_mismatch"
	FailCreatedHashMismatch   = "created_hash_mismatch"
	FailExecutedHashMismatch  = "executed_hash_mismatch"
	FailExecutionUnauthorized = "execution_unauthorized"
	FailDuplicateExecution    = "duplicate_execution"
	FailRevertWithoutExecute  = "revert_without_execution"
)

// Failure is one itemized verification failure.
type Failure struct {
	AuditID  string     `json:"audit_id"`
	Sequence int64      `json:"sequence"`
	Kind     audit.Kind `json:"kind"`
	Code     string     `json:"code"`
	Detail   string     `json:"detail"`
}

// ProcessedEvent records the processing order.
type ProcessedEvent struct {
	AuditID  string     `json:"audit_id"`
	Sequence int64      `json:"sequence"`
	Kind     audit.Kind `json:"kind"`
}

// VerdictState is a gate verdict reconstructed from the trail. Recomputed is
// set only when the engine re-ran the gate.
type VerdictState struct {
	DecisionID string             `json:"decision_id"`
	Recorded   contracts.Verdict  `json:"recorded"`
	Recomputed *contracts.Verdict `json:"recomputed,omitempty"`
	Diverged   bool               `json:"diverged"`
}

// IntentState is everything the trail says about one intent.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type IntentState struct {
	IntentID       string                     `json:"intent_id"`
	IdempotencyKey string                     `json:"idempotency_key"`
	ApprovalID     string                     `json:"approval_id,omitempty"`
	Intent         *contracts.ExecutionIntent `json:"intent,omitempty"`
	CreatedHash    string                     `json:"created_hash,omitempty"`
	FrozenHash     string                     `json:"frozen_hash,omitempty"`
	ExecutedHash   string                     `json:"executed_hash,omitempty"`
	EffectRef      string                     `json:"effect_ref,omitempty"`
	ExecutedAt     *time.Time                 `json:"executed_at,omitempty"`
	Executed       bool                       `json:"executed"`
	Denied         bool                       `json:"denied"`
	DenialRule     string                     `json:"denial_rule,omitempty"`
	DenialReason   string                     `json:"denial_reason,omitempty"`
	Reverted       bool                       `json:"reverted"`
}

// Report is the outcome of replaying one correlation. It contains no
// wall-clock data, so replaying the same trail twice yields equal reports.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Report struct {
	CorrelationID   string                      `json:"correlation_id"`
	Result          Result                      `json:"result"`
	TotalEvents     int                         `json:"total_events"`
	ProcessedEvents int                         `json:"processed_events"`
	FailedEvents    int                         `json:"failed_events"`
	Order           []ProcessedEvent            `json:"order"`
	Decisions       []contracts.Decision        `json:"decisions"`
	Verdicts        []VerdictState              `json:"verdicts"`
	Approvals       []contracts.ApprovalRequest `json:"approvals"`
	Intents         []IntentState               `json:"intents"`
	Failures        []Failure                   `json:"failures"`
}

// Succeeded reports whether every record verified.
func (r *Report) Succeeded() bool { return r.Result == ResultSuccess }

// Digest is the canonical hash of the report, used to compare two replays.
func (r *Report) Digest() (string, error) {
	return canonicalize.StableHash(r)
}

func classify(processed, failed int) Result {
	switch {
	case failed == 0:
		return ResultSuccess
	case processed == 0:
		return ResultFailure
	default:
		return ResultPartial
	}
}
