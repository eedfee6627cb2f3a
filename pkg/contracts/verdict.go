package contracts

// VerdictOutcome is the Safety Gate's disposition for a candidate action.
type VerdictOutcome string

const (
	VerdictAllow         VerdictOutcome = "allow"
	VerdictDeny          VerdictOutcome = "deny"
	VerdictRequireHuman  VerdictOutcome = "require_human"
	VerdictRequireQuorum VerdictOutcome = "require_quorum"
)

// Valid reports whether o is one of the known outcomes.
func (o VerdictOutcome) Valid() bool {
	switch o {
	case VerdictAllow, VerdictDeny, VerdictRequireHuman, VerdictRequireQuorum:
		return true
	}
	return false
}

// Verdict is produced fresh by every gate evaluation. It is never stored as
// mutable state, only as an audit payload.
type Verdict struct {
	Outcome   VerdictOutcome `json:"outcome"`
	Rationale string         `json:"rationale"`
	RuleIDs   []string       `json:"rule_ids"`
}

// Allowed reports whether the verdict authorizes autonomous execution.
func (v Verdict) Allowed() bool { return v.Outcome == VerdictAllow }

// NeedsApproval reports whether a human (or quorum) must act before execution.
func (v Verdict) NeedsApproval() bool {
	return v.Outcome == VerdictRequireHuman || v.Outcome == VerdictRequireQuorum
}
