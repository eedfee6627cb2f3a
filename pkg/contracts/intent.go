package contracts

import "time"

// SafetyContext records the gate verdict an intent was created under and,
// once frozen, the approval it is bound to.
type SafetyContext struct {
	Verdict    VerdictOutcome `json:"verdict"`
	Rationale  string         `json:"rationale"`
	RuleIDs    []string       `json:"rule_ids,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
}

// ExecutionIntent is a fully-specified candidate action. Its canonical hash
// (top-level *_at fields stripped) is its tamper-evident identity.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ExecutionIntent struct {
	IntentID       string         `json:"intent_id"`
	TenantID       string         `json:"tenant_id"`
	CellID         string         `json:"cell_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Subject        string         `json:"subject"`
	IntentType     string         `json:"intent_type"`
	ActionClass    ActionClass    `json:"action_class"`
	RequestedAt    time.Time      `json:"requested_at"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	PolicyContext  map[string]any `json:"policy_context,omitempty"`
	SafetyContext  SafetyContext  `json:"safety_context"`
	DecisionID     string         `json:"decision_id,omitempty"`
	CorrelationID  string         `json:"correlation_id"`
	TraceID        string         `json:"trace_id"`
}

// Clone returns a deep-enough copy: the maps and rule list are copied so the
// caller can mutate the safety context without touching a frozen intent.
func (i *ExecutionIntent) Clone() *ExecutionIntent {
	if i == nil {
		return nil
	}
	c := *i
	c.Parameters = cloneMap(i.Parameters)
	c.PolicyContext = cloneMap(i.PolicyContext)
	if i.SafetyContext.RuleIDs != nil {
		c.SafetyContext.RuleIDs = append([]string(nil), i.SafetyContext.RuleIDs...)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
