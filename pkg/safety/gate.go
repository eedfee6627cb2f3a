// Package safety implements the Safety Gate: a pure, precedence-ordered
// arbitration of a candidate action. The gate holds no mutable state and
// performs no I/O; the same Input and Thresholds always yield the same Verdict.
//
// Precedence (first match wins):
//
//  1. global kill switch             -> deny
//  2. tenant kill switch             -> deny
//  3. policy bundle unverified (>A0) -> require_quorum
//  4. emitter trust below minimum    -> require_human (non-finite counts as below)
//  5. class thresholds (A0..A3), then policy escalation rules
//  6. degraded environment escalates the step-5 verdict by one tier
package safety

import (
	"fmt"
	"math"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// Rule identifiers emitted in Verdict.RuleIDs.
const (
	RuleGlobalKillSwitch = "kill-switch.global"
	RuleTenantKillSwitch = "kill-switch.tenant"
	RulePolicyUnverified = "policy.unverified"
	RuleTrustBelowMin    = "trust.below-minimum"
	RuleEnvDegraded      = "environment.degraded"
	RuleUnknownClass     = "class.unknown"
	RuleA0Observe        = "class.a0.observe"
	RuleA1Confidence     = "class.a1.confidence"
	RuleA1BelowThreshold = "class.a1.below-threshold"
	RuleA2Satisfied      = "class.a2.aggregate-and-quorum"
	RuleA2BelowThreshold = "class.a2.below-threshold"
	RuleA3Satisfied      = "class.a3.strict"
	RuleA3BelowThreshold = "class.a3.below-threshold"
)

// Input is everything one evaluation reads. State providers are polled by the
// caller per evaluation; the gate never caches them.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Input struct {
	Decision   contracts.Decision         `json:"decision"`
	Collective contracts.CollectiveState  `json:"collective"`
	Policy     contracts.PolicyState      `json:"policy"`
	Trust      contracts.TrustState       `json:"trust"`
	Env        contracts.EnvironmentState `json:"environment"`
	Pending    *contracts.ExecutionIntent `json:"pending_intent,omitempty"`
}

// ActionClass is the class being arbitrated: the pending intent's when one is
// supplied, otherwise the class the decision requests.
func (in Input) ActionClass() contracts.ActionClass {
	if in.Pending != nil && in.Pending.ActionClass != "" {
		return in.Pending.ActionClass
	}
	return in.Decision.ActionClass
}

// TenantID resolves the tenant the same way as ActionClass.
func (in Input) TenantID() string {
	if in.Pending != nil && in.Pending.TenantID != "" {
		return in.Pending.TenantID
	}
	return in.Decision.TenantID
}

// Gate evaluates inputs against thresholds and optional escalation rules.
type Gate struct {
	thresholds ThresholdSet
	rules      []*Rule
}

// NewGate creates a gate. Rules may only escalate an allow verdict.
func NewGate(thresholds ThresholdSet, rules ...*Rule) *Gate {
	return &Gate{thresholds: thresholds, rules: rules}
}

// Thresholds returns the effective thresholds for a tenant.
func (g *Gate) Thresholds(tenantID string) Thresholds {
	return g.thresholds.For(tenantID)
}

// Evaluate arbitrates the input using the tenant's configured thresholds.
func (g *Gate) Evaluate(in Input) contracts.Verdict {
	return g.EvaluateWith(in, g.Thresholds(in.TenantID()))
}

// EvaluateWith arbitrates the input against explicit thresholds. Replay uses
// this to re-run an evaluation under the thresholds that were recorded.
func (g *Gate) EvaluateWith(in Input, th Thresholds) contracts.Verdict {
	class := in.ActionClass()

	if in.Policy.GlobalKillSwitch {
		return verdict(contracts.VerdictDeny, "global kill switch active", RuleGlobalKillSwitch)
	}
	if in.Policy.TenantKillSwitch {
		return verdict(contracts.VerdictDeny,
			fmt.Sprintf("kill switch active for tenant %q", in.TenantID()), RuleTenantKillSwitch)
	}
	if !class.Valid() {
		return verdict(contracts.VerdictDeny, fmt.Sprintf("unknown action class %q", class), RuleUnknownClass)
	}
	if !in.Policy.Verified && class.Tier() > 0 {
		return verdict(contracts.VerdictRequireQuorum,
			"policy bundle not verified; degrading to quorum for "+string(class), RulePolicyUnverified)
	}
	if score := in.Trust.Score; math.IsNaN(score) || math.IsInf(score, 0) || score < th.MinTrustScore {
		return verdict(contracts.VerdictRequireHuman,
			fmt.Sprintf("emitter trust %.2f below minimum %.2f", in.Trust.Score, th.MinTrustScore), RuleTrustBelowMin)
	}

	v := g.classVerdict(in, class, th)
	if v.Outcome == contracts.VerdictAllow {
		v = g.applyRules(in, v)
	}
	if in.Env.Degraded {
		v = escalate(v)
	}
	return v
}

func (g *Gate) classVerdict(in Input, class contracts.ActionClass, th Thresholds) contracts.Verdict {
	conf := in.Decision.Confidence
	agg := in.Collective.AggregateConfidence
	quorum := in.Collective.QuorumCount

	switch class {
	case contracts.ActionObserve:
		return verdict(contracts.VerdictAllow, "observation is always permitted", RuleA0Observe)

	case contracts.ActionSoftContainment:
		if conf >= th.A1Confidence {
			return verdict(contracts.VerdictAllow,
				fmt.Sprintf("confidence %.2f meets A1 threshold %.2f", conf, th.A1Confidence), RuleA1Confidence)
		}
		return verdict(contracts.VerdictRequireHuman,
			fmt.Sprintf("confidence %.2f below A1 threshold %.2f", conf, th.A1Confidence), RuleA1BelowThreshold)

	case contracts.ActionHardContainment:
		if agg >= th.A2AggregateConfidence && quorum >= th.A2MinQuorum {
			return verdict(contracts.VerdictAllow,
				fmt.Sprintf("aggregate %.2f and quorum %d meet A2 thresholds", agg, quorum), RuleA2Satisfied)
		}
		return verdict(contracts.VerdictRequireHuman,
			fmt.Sprintf("aggregate %.2f/%.2f or quorum %d/%d below A2 thresholds",
				agg, th.A2AggregateConfidence, quorum, th.A2MinQuorum), RuleA2BelowThreshold)

	default: // contracts.ActionIrreversible
		effective := conf
		if agg < effective {
			effective = agg
		}
		if effective >= th.A3Confidence && quorum >= th.A3MinQuorum {
			return verdict(contracts.VerdictAllow,
				fmt.Sprintf("confidence %.2f and quorum %d meet A3 thresholds", effective, quorum), RuleA3Satisfied)
		}
		// A3 must escalate, never silently drop.
		return verdict(contracts.VerdictRequireHuman,
			fmt.Sprintf("confidence %.2f/%.2f or quorum %d/%d below A3 thresholds",
				effective, th.A3Confidence, quorum, th.A3MinQuorum), RuleA3BelowThreshold)
	}
}

func (g *Gate) applyRules(in Input, v contracts.Verdict) contracts.Verdict {
	for _, r := range g.rules {
		matched, err := r.Matches(in)
		if err != nil {
			return verdict(contracts.VerdictRequireHuman,
				fmt.Sprintf("escalation rule %s failed to evaluate: %v", r.ID, err),
				append(v.RuleIDs, r.RuleID()+".error")...)
		}
		if matched {
			return verdict(contracts.VerdictRequireHuman,
				fmt.Sprintf("escalation rule %s matched: %s", r.ID, r.Description()),
				append(v.RuleIDs, r.RuleID())...)
		}
	}
	return v
}

// escalate moves a verdict one tier up. deny and require_quorum are ceilings.
func escalate(v contracts.Verdict) contracts.Verdict {
	rules := append(append([]string(nil), v.RuleIDs...), RuleEnvDegraded)
	switch v.Outcome {
	case contracts.VerdictAllow:
		return contracts.Verdict{Outcome: contracts.VerdictRequireHuman,
			Rationale: "environment degraded; escalated from allow: " + v.Rationale, RuleIDs: rules}
	case contracts.VerdictRequireHuman:
		return contracts.Verdict{Outcome: contracts.VerdictRequireQuorum,
			Rationale: "environment degraded; escalated from require_human: " + v.Rationale, RuleIDs: rules}
	default:
		return contracts.Verdict{Outcome: v.Outcome, Rationale: "environment degraded: " + v.Rationale, RuleIDs: rules}
	}
}

func verdict(outcome contracts.VerdictOutcome, rationale string, rules ...string) contracts.Verdict {
	return contracts.Verdict{Outcome: outcome, Rationale: rationale, RuleIDs: append([]string(nil), rules...)}
}
