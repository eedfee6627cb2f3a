package safety

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

func baseInput(class contracts.ActionClass) Input {
	return Input{
		Decision: contracts.Decision{
			DecisionID:    "dec-1",
			TenantID:      "tenant-a",
			CellID:        "cell-1",
			Subject:       "host-42",
			Confidence:    0.99,
			ActionClass:   class,
			CorrelationID: "corr-1",
		},
		Collective: contracts.CollectiveState{AggregateConfidence: 0.99, QuorumCount: 3},
		Policy:     contracts.PolicyState{Verified: true},
		Trust:      contracts.TrustState{Score: 0.9},
	}
}

func TestGate_KillSwitchPrecedence(t *testing.T) {
	g := NewGate(DefaultThresholdSet())

	in := baseInput(contracts.ActionObserve)
	in.Policy.GlobalKillSwitch = true
	in.Policy.TenantKillSwitch = true
	v := g.Evaluate(in)
	assert.Equal(t, contracts.VerdictDeny, v.Outcome)
	assert.Equal(t, []string{RuleGlobalKillSwitch}, v.RuleIDs)

	in.Policy.GlobalKillSwitch = false
	v = g.Evaluate(in)
	assert.Equal(t, contracts.VerdictDeny, v.Outcome)
	assert.Equal(t, []string{RuleTenantKillSwitch}, v.RuleIDs)
	assert.Contains(t, v.Rationale, "tenant-a")
}

func TestGate_UnverifiedPolicy(t *testing.T) {
	g := NewGate(DefaultThresholdSet())

	in := baseInput(contracts.ActionSoftContainment)
	in.Policy.Verified = false
	v := g.Evaluate(in)
	assert.Equal(t, contracts.VerdictRequireQuorum, v.Outcome)
	assert.Equal(t, []string{RulePolicyUnverified}, v.RuleIDs)

	// Observation stays permitted without a verified bundle.
	in = baseInput(contracts.ActionObserve)
	in.Policy.Verified = false
	assert.Equal(t, contracts.VerdictAllow, g.Evaluate(in).Outcome)
}

func TestGate_TrustBelowMinimum(t *testing.T) {
	g := NewGate(DefaultThresholdSet())
	in := baseInput(contracts.ActionSoftContainment)
	in.Trust.Score = 0.1

	v := g.Evaluate(in)
	assert.Equal(t, contracts.VerdictRequireHuman, v.Outcome)
	assert.Equal(t, []string{RuleTrustBelowMin}, v.RuleIDs)

	for _, score := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		in := baseInput(contracts.ActionSoftContainment)
		in.Decision.Confidence = 0.95
		in.Trust.Score = score

		v := g.Evaluate(in)
		assert.Equal(t, contracts.VerdictRequireHuman, v.Outcome, "trust %v", score)
		assert.Equal(t, []string{RuleTrustBelowMin}, v.RuleIDs, "trust %v", score)
	}
}

func TestGate_ClassThresholds(t *testing.T) {
	g := NewGate(DefaultThresholdSet())

	tests := []struct {
		name       string
		class      contracts.ActionClass
		confidence float64
		aggregate  float64
		quorum     int
		want       contracts.VerdictOutcome
		rule       string
	}{
		{"A0 always allowed", contracts.ActionObserve, 0.0, 0.0, 0, contracts.VerdictAllow, RuleA0Observe},
		{"A1 at threshold", contracts.ActionSoftContainment, 0.80, 0, 0, contracts.VerdictAllow, RuleA1Confidence},
		{"A1 below threshold", contracts.ActionSoftContainment, 0.79, 0.99, 5, contracts.VerdictRequireHuman, RuleA1BelowThreshold},
		{"A2 satisfied", contracts.ActionHardContainment, 0.1, 0.85, 2, contracts.VerdictAllow, RuleA2Satisfied},
		{"A2 low aggregate", contracts.ActionHardContainment, 0.99, 0.84, 5, contracts.VerdictRequireHuman, RuleA2BelowThreshold},
		{"A2 low quorum", contracts.ActionHardContainment, 0.99, 0.99, 1, contracts.VerdictRequireHuman, RuleA2BelowThreshold},
		{"A3 satisfied", contracts.ActionIrreversible, 0.97, 0.98, 2, contracts.VerdictAllow, RuleA3Satisfied},
		{"A3 aggregate caps confidence", contracts.ActionIrreversible, 0.99, 0.96, 4, contracts.VerdictRequireHuman, RuleA3BelowThreshold},
		{"A3 low confidence", contracts.ActionIrreversible, 0.96, 0.99, 4, contracts.VerdictRequireHuman, RuleA3BelowThreshold},
		{"A3 low quorum", contracts.ActionIrreversible, 0.99, 0.99, 1, contracts.VerdictRequireHuman, RuleA3BelowThreshold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput(tt.class)
			in.Decision.Confidence = tt.confidence
			in.Collective = contracts.CollectiveState{AggregateConfidence: tt.aggregate, QuorumCount: tt.quorum}
			v := g.Evaluate(in)
			assert.Equal(t, tt.want, v.Outcome, v.Rationale)
			assert.Equal(t, []string{tt.rule}, v.RuleIDs)
			assert.NotEmpty(t, v.Rationale)
		})
	}
}

func TestGate_DegradedEnvironmentEscalates(t *testing.T) {
	g := NewGate(DefaultThresholdSet())

	in := baseInput(contracts.ActionSoftContainment)
	in.Env = contracts.EnvironmentState{Degraded: true, Reason: "broker lag"}
	v := g.Evaluate(in)
	assert.Equal(t, contracts.VerdictRequireHuman, v.Outcome)
	assert.Equal(t, []string{RuleA1Confidence, RuleEnvDegraded}, v.RuleIDs)

	in.Decision.Confidence = 0.5
	v = g.Evaluate(in)
	assert.Equal(t, contracts.VerdictRequireQuorum, v.Outcome)

	// Kill switches are not softened or changed by degradation.
	in.Policy.GlobalKillSwitch = true
	v = g.Evaluate(in)
	assert.Equal(t, contracts.VerdictDeny, v.Outcome)
	assert.Equal(t, []string{RuleGlobalKillSwitch}, v.RuleIDs)
}

func TestGate_UnknownClassDenied(t *testing.T) {
	g := NewGate(DefaultThresholdSet())
	v := g.Evaluate(baseInput("A9_nuke"))
	assert.Equal(t, contracts.VerdictDeny, v.Outcome)
	assert.Equal(t, []string{RuleUnknownClass}, v.RuleIDs)
}

func TestGate_PendingIntentOverridesDecisionClass(t *testing.T) {
	g := NewGate(DefaultThresholdSet())
	in := baseInput(contracts.ActionObserve)
	in.Decision.Confidence = 0.5
	in.Pending = &contracts.ExecutionIntent{ActionClass: contracts.ActionSoftContainment, TenantID: "tenant-b"}

	v := g.Evaluate(in)
	assert.Equal(t, contracts.VerdictRequireHuman, v.Outcome)
	assert.Equal(t, "tenant-b", in.TenantID())
}

func TestGate_TenantThresholdOverride(t *testing.T) {
	set := DefaultThresholdSet()
	strict, floor := 0.95, 0.0
	set.Tenants = map[string]ThresholdOverride{
		"strict": {A1Confidence: &strict},
		"open":   {MinTrustScore: &floor},
	}
	g := NewGate(set)

	in := baseInput(contracts.ActionSoftContainment)
	in.Decision.Confidence = 0.9
	assert.Equal(t, contracts.VerdictAllow, g.Evaluate(in).Outcome)

	in.Decision.TenantID = "strict"
	assert.Equal(t, contracts.VerdictRequireHuman, g.Evaluate(in).Outcome)

	th := g.Thresholds("strict")
	assert.InDelta(t, 0.95, th.A1Confidence, 1e-9)
	assert.Equal(t, 2, th.A2MinQuorum, "unset override fields inherit defaults")

	// A zero override is a real value, not "unset".
	assert.Zero(t, g.Thresholds("open").MinTrustScore)
	in.Decision.TenantID = "open"
	in.Trust.Score = 0
	assert.Equal(t, contracts.VerdictAllow, g.Evaluate(in).Outcome)
}

func TestGate_Deterministic(t *testing.T) {
	g := NewGate(DefaultThresholdSet())
	in := baseInput(contracts.ActionHardContainment)
	in.Collective.AggregateConfidence = 0.5

	first := g.Evaluate(in)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, g.Evaluate(in))
	}
}

func TestGate_EscalationRules(t *testing.T) {
	rules, err := CompileRules([]RuleSpec{
		{ID: "prod-hosts", Description: "production hosts need a human", Expr: `decision.subject.startsWith("prod-")`},
		{ID: "thin-quorum", Expr: `collective.quorum_count < 2 && action_class != "A0_observe"`},
	})
	require.NoError(t, err)
	g := NewGate(DefaultThresholdSet(), rules...)

	in := baseInput(contracts.ActionSoftContainment)
	assert.Equal(t, contracts.VerdictAllow, g.Evaluate(in).Outcome)

	in.Decision.Subject = "prod-db-1"
	v := g.Evaluate(in)
	assert.Equal(t, contracts.VerdictRequireHuman, v.Outcome)
	assert.Equal(t, []string{RuleA1Confidence, "rule.prod-hosts"}, v.RuleIDs)
	assert.Contains(t, v.Rationale, "production hosts need a human")

	in.Decision.Subject = "host-1"
	in.Collective.QuorumCount = 1
	v = g.Evaluate(in)
	assert.Equal(t, []string{RuleA1Confidence, "rule.thin-quorum"}, v.RuleIDs)

	// Rules never apply to a non-allow verdict.
	in.Policy.TenantKillSwitch = true
	assert.Equal(t, contracts.VerdictDeny, g.Evaluate(in).Outcome)
}

func TestGate_RuleEvaluationErrorEscalates(t *testing.T) {
	rules, err := CompileRules([]RuleSpec{{ID: "missing-field", Expr: `decision.no_such_field == "x"`}})
	require.NoError(t, err)
	g := NewGate(DefaultThresholdSet(), rules...)

	v := g.Evaluate(baseInput(contracts.ActionSoftContainment))
	assert.Equal(t, contracts.VerdictRequireHuman, v.Outcome)
	assert.Contains(t, v.RuleIDs, "rule.missing-field.error")
}

func TestCompileRule_Errors(t *testing.T) {
	_, err := CompileRule(RuleSpec{Expr: "true"})
	assert.Error(t, err)

	_, err = CompileRule(RuleSpec{ID: "bad", Expr: "decision.subject +"})
	assert.Error(t, err)

	_, err = CompileRule(RuleSpec{ID: "not-bool", Expr: `"a string"`})
	assert.Error(t, err)
}
