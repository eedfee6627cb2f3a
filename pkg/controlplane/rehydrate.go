package controlplane

import (
	"context"
	"fmt"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/executor"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/replay"
)

// RehydrateSummary counts what Rehydrate restored.
type RehydrateSummary struct {
	Correlations int      `json:"correlations"`
	Approvals    int      `json:"approvals"`
	Frozen       int      `json:"frozen_intents"`
	Executions   int      `json:"executions"`
	Reverts      int      `json:"reverts"`
	Unverified   []string `json:"unverified_correlations,omitempty"`
}

// Rehydrate rebuilds approvals, frozen intents and the executed-key set from
// the audit sink. It must run on a fresh control plane before any Submit.
// No audit records are written and no effector is called.
//
// Correlations whose replay does not fully verify are still restored, so that
// nothing the trail says executed can execute again; they are listed in
// Unverified.
func (cp *ControlPlane) Rehydrate(ctx context.Context) (*RehydrateSummary, error) {
	ids, err := cp.sink.Correlations(ctx)
	if err != nil {
		return nil, fmt.Errorf("controlplane: list correlations: %w", err)
	}
	engine := replay.NewEngine(cp.sink).WithGate(cp.gate).WithLogger(cp.logger)

	sum := &RehydrateSummary{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		records, err := cp.sink.ListByCorrelation(ctx, id)
		if err != nil {
			return sum, fmt.Errorf("controlplane: load %s: %w", id, err)
		}
		rep := engine.ReplayRecords(id, records)
		sum.Correlations++
		if !rep.Succeeded() {
			sum.Unverified = append(sum.Unverified, id)
			cp.logger.Warn("correlation did not verify during rehydration",
				"correlation_id", id, "result", rep.Result, "failed_events", rep.FailedEvents)
		}
		if err := cp.restore(ctx, rep, sum); err != nil {
			return sum, fmt.Errorf("controlplane: restore %s: %w", id, err)
		}
	}

	cp.logger.Info("rehydrated from audit trail",
		"correlations", sum.Correlations, "approvals", sum.Approvals,
		"frozen_intents", sum.Frozen, "executions", sum.Executions,
		"unverified", len(sum.Unverified))
	return sum, nil
}

func (cp *ControlPlane) restore(ctx context.Context, rep *replay.Report, sum *RehydrateSummary) error {
	for i := range rep.Approvals {
		if err := cp.approvals.Restore(&rep.Approvals[i]); err != nil {
			return err
		}
		sum.Approvals++
	}

	for _, is := range rep.Intents {
		if is.Intent == nil {
			continue
		}
		if is.ApprovalID != "" {
			frozen := is.Intent.Clone()
			frozen.SafetyContext.ApprovalID = is.ApprovalID
			hash, err := cp.intents.Freeze(is.ApprovalID, frozen)
			if err != nil {
				return err
			}
			if is.FrozenHash != "" && hash != is.FrozenHash {
				cp.logger.Warn("restored intent hash differs from recorded binding",
					"approval_id", is.ApprovalID, "intent_id", is.IntentID,
					"hash", hash, "bound_hash", is.FrozenHash)
			}
			sum.Frozen++
		}
		if !is.Executed {
			continue
		}
		entry := executor.IdempotencyEntry{
			IntentID:   is.IntentID,
			IntentHash: is.ExecutedHash,
			EffectRef:  is.EffectRef,
		}
		if is.ExecutedAt != nil {
			entry.ExecutedAt = *is.ExecutedAt
		}
		if err := cp.kernel.RestoreExecution(ctx, is.IdempotencyKey, entry); err != nil {
			return err
		}
		cp.rememberExecuted(is.Intent)
		sum.Executions++
		if is.Reverted {
			cp.kernel.MarkReverted(is.IdempotencyKey)
			sum.Reverts++
		}
	}
	return nil
}
