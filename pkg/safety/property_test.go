package safety

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

func classGen() gopter.Gen {
	return gen.OneConstOf(
		contracts.ActionObserve,
		contracts.ActionSoftContainment,
		contracts.ActionHardContainment,
		contracts.ActionIrreversible,
	)
}

// A kill switch denies everything, whatever the rest of the input says.
func TestGateProperty_KillSwitchAlwaysDenies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	g := NewGate(DefaultThresholdSet())

	properties.Property("global or tenant kill switch yields deny", prop.ForAll(
		func(class contracts.ActionClass, conf, agg, trust float64, quorum int, global, degraded, verified bool) bool {
			in := baseInput(class)
			in.Decision.Confidence = conf
			in.Collective = contracts.CollectiveState{AggregateConfidence: agg, QuorumCount: quorum}
			in.Trust.Score = trust
			in.Env.Degraded = degraded
			in.Policy.Verified = verified
			if global {
				in.Policy.GlobalKillSwitch = true
			} else {
				in.Policy.TenantKillSwitch = true
			}
			return g.Evaluate(in).Outcome == contracts.VerdictDeny
		},
		classGen(),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 10),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// An irreversible action below its thresholds always escalates and is never
// allowed or silently denied.
func TestGateProperty_A3BelowThresholdEscalates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	g := NewGate(DefaultThresholdSet())

	properties.Property("A3 under 0.97 or thin quorum needs approval", prop.ForAll(
		func(conf, agg float64, quorum int, degraded bool) bool {
			in := baseInput(contracts.ActionIrreversible)
			in.Decision.Confidence = conf
			in.Collective = contracts.CollectiveState{AggregateConfidence: agg, QuorumCount: quorum}
			in.Env.Degraded = degraded
			v := g.Evaluate(in)
			return v.NeedsApproval()
		},
		gen.Float64Range(0, 0.969),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 10),
		gen.Bool(),
	))

	properties.Property("A3 with thin quorum needs approval", prop.ForAll(
		func(conf, agg float64) bool {
			in := baseInput(contracts.ActionIrreversible)
			in.Decision.Confidence = conf
			in.Collective = contracts.CollectiveState{AggregateConfidence: agg, QuorumCount: 1}
			return g.Evaluate(in).NeedsApproval()
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// Degradation never produces a more permissive verdict.
func TestGateProperty_DegradationMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)
	g := NewGate(DefaultThresholdSet())

	rank := map[contracts.VerdictOutcome]int{
		contracts.VerdictAllow:         0,
		contracts.VerdictRequireHuman:  1,
		contracts.VerdictRequireQuorum: 2,
		contracts.VerdictDeny:          3,
	}

	properties.Property("degraded verdict is at least as strict", prop.ForAll(
		func(class contracts.ActionClass, conf, agg float64, quorum int) bool {
			in := baseInput(class)
			in.Decision.Confidence = conf
			in.Collective = contracts.CollectiveState{AggregateConfidence: agg, QuorumCount: quorum}
			normal := g.Evaluate(in)
			in.Env.Degraded = true
			degraded := g.Evaluate(in)
			return rank[degraded.Outcome] >= rank[normal.Outcome]
		},
		classGen(),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// A trust score that is not a finite number never lets an action through.
func TestGateProperty_NonFiniteTrustNeverAllows(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	g := NewGate(DefaultThresholdSet())

	properties.Property("NaN or infinite trust escalates", prop.ForAll(
		func(class contracts.ActionClass, conf, agg float64, quorum int, score float64) bool {
			in := baseInput(class)
			in.Decision.Confidence = conf
			in.Collective = contracts.CollectiveState{AggregateConfidence: agg, QuorumCount: quorum}
			in.Trust.Score = score
			v := g.Evaluate(in)
			return v.Outcome == contracts.VerdictRequireHuman && v.RuleIDs[0] == RuleTrustBelowMin
		},
		classGen(),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 10),
		gen.OneConstOf(math.NaN(), math.Inf(1), math.Inf(-1)),
	))

	properties.TestingRun(t)
}
