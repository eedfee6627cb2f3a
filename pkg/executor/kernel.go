// Package executor implements the Execution Kernel: the only component that
// triggers effects. It enforces approval gating, binding verification and
// at-most-once execution per idempotency key. It never retries internally.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/effector"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/intentstore"
)

var (
	// ErrInvalidIntent is returned for intents the kernel cannot act on at all.
	ErrInvalidIntent = errors.New("executor: invalid intent")
	// ErrNotExecuted is returned when reverting a key that never executed.
	ErrNotExecuted = errors.New("executor: intent not executed")
	// ErrAlreadyReverted is returned when reverting a key twice.
	ErrAlreadyReverted = errors.New("executor: intent already reverted")
	// ErrKeyLost is returned when an executed intent could not be recorded
	// because another intent took its idempotency key.
	ErrKeyLost = errors.New("executor: idempotency key lost")
)

// Rule identifiers recorded on blocked executions.
const (
	RuleApprovalMissing     = "approval.missing"
	RuleApprovalNotFound    = "approval.not-found"
	RuleApprovalNotApproved = "approval.not-approved"
	RuleBindingMismatch     = "binding.mismatch"
	RuleUnknownClass        = "class.unknown"
)

// ApprovalReader exposes approval status to the kernel.
type ApprovalReader interface {
	GetStatus(approvalID string) (contracts.ApprovalStatus, error)
}

// BindingVerifier checks an intent against what its approval authorized.
type BindingVerifier interface {
	VerifyBinding(approvalID string, intent *contracts.ExecutionIntent) (bool, string)
}

// Result is the outcome of ExecuteIntent or RevertIntent.
type Result struct {
	Executed   bool   `json:"executed"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	IntentHash string `json:"intent_hash,omitempty"`
	EffectRef  string `json:"effect_ref,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
}

// IntentOption customises CreateExecutionIntent.
type IntentOption func(*contracts.ExecutionIntent)

// WithIntentType sets the intent type. The default is derived from the action class.
func WithIntentType(t string) IntentOption {
	return func(i *contracts.ExecutionIntent) { i.IntentType = t }
}

// WithParameters sets effect parameters.
func WithParameters(p map[string]any) IntentOption {
	return func(i *contracts.ExecutionIntent) { i.Parameters = p }
}

// WithPolicyContext sets the policy context.
func WithPolicyContext(p map[string]any) IntentOption {
	return func(i *contracts.ExecutionIntent) { i.PolicyContext = p }
}

// Kernel gates and performs executions.
type Kernel struct {
	approvals ApprovalReader
	bindings  BindingVerifier
	effector  effector.Effector
	emitter   audit.Emitter
	idem      IdempotencyStore
	keys      *keyLocks

	revertMu sync.Mutex
	reverted map[string]bool

	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
}

// NewKernel creates a kernel with an in-memory idempotency store.
func NewKernel(approvals ApprovalReader, bindings BindingVerifier, eff effector.Effector, emitter audit.Emitter) *Kernel {
	return &Kernel{
		approvals: approvals,
		bindings:  bindings,
		effector:  eff,
		emitter:   emitter,
		idem:      NewMemoryIdempotencyStore(),
		keys:      newKeyLocks(),
		reverted:  make(map[string]bool),
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
		logger:    slog.Default().With("component", "executor"),
	}
}

// WithIdempotencyStore replaces the idempotency store.
func (k *Kernel) WithIdempotencyStore(s IdempotencyStore) *Kernel {
	k.idem = s
	return k
}

// WithClock overrides the clock for deterministic testing.
func (k *Kernel) WithClock(clock func() time.Time) *Kernel {
	k.clock = clock
	return k
}

// WithIDGenerator overrides intent id generation.
func (k *Kernel) WithIDGenerator(gen func() string) *Kernel {
	k.newID = gen
	return k
}

// WithLogger sets the structured logger.
func (k *Kernel) WithLogger(l *slog.Logger) *Kernel {
	if l != nil {
		k.logger = l
	}
	return k
}

func defaultIntentType(class contracts.ActionClass) string {
	switch class {
	case contracts.ActionObserve:
		return "observe"
	case contracts.ActionSoftContainment:
		return "soft_containment"
	case contracts.ActionHardContainment:
		return "hard_containment"
	default:
		return "irreversible_action"
	}
}

func scopeOf(i *contracts.ExecutionIntent) audit.Scope {
	return audit.Scope{
		TenantID:       i.TenantID,
		CellID:         i.CellID,
		IdempotencyKey: i.IdempotencyKey,
		CorrelationID:  i.CorrelationID,
		TraceID:        i.TraceID,
	}
}

// CreateExecutionIntent builds the candidate intent for a decision whatever
// the verdict was, and audits it as intent_created.
func (k *Kernel) CreateExecutionIntent(ctx context.Context, decision contracts.Decision, verdict contracts.Verdict, idempotencyKey string, opts ...IntentOption) (*contracts.ExecutionIntent, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidIntent)
	}
	if !decision.ActionClass.Valid() {
		return nil, fmt.Errorf("%w: unknown action class %q", ErrInvalidIntent, decision.ActionClass)
	}
	if decision.CorrelationID == "" {
		return nil, fmt.Errorf("%w: decision %s has no correlation id", ErrInvalidIntent, decision.DecisionID)
	}

	intent := &contracts.ExecutionIntent{
		IntentID:       k.newID(),
		TenantID:       decision.TenantID,
		CellID:         decision.CellID,
		IdempotencyKey: idempotencyKey,
		Subject:        decision.Subject,
		IntentType:     defaultIntentType(decision.ActionClass),
		ActionClass:    decision.ActionClass,
		RequestedAt:    k.clock().UTC().Truncate(time.Second),
		SafetyContext: contracts.SafetyContext{
			Verdict:   verdict.Outcome,
			Rationale: verdict.Rationale,
			RuleIDs:   append([]string(nil), verdict.RuleIDs...),
		},
		DecisionID:    decision.DecisionID,
		CorrelationID: decision.CorrelationID,
		TraceID:       decision.TraceID,
	}
	for _, opt := range opts {
		opt(intent)
	}

	hash, err := intentstore.ComputeIntentHash(intent)
	if err != nil {
		return nil, err
	}
	if _, err := k.emitter.Emit(ctx, audit.KindIntentCreated, scopeOf(intent),
		audit.IntentCreated{Intent: *intent, IntentHash: hash}); err != nil {
		return nil, fmt.Errorf("executor: audit intent %s: %w", intent.IntentID, err)
	}
	k.logger.Info("intent created",
		"intent_id", intent.IntentID, "idempotency_key", idempotencyKey,
		"action_class", intent.ActionClass, "verdict", verdict.Outcome, "intent_hash", hash)
	return intent, nil
}

// ExecuteIntent runs the intent through the effector if it is authorized.
//
// A0 intents without an approval execute unconditionally. Any other intent,
// and any A0 intent that was escalated to one, needs a bound approval that is
// APPROVED and whose binding matches the intent's recomputed hash.
// A blocked execution returns Executed=false with a reason and is audited as
// intent_denied; it is not an error. A key that already executed returns
// success without invoking the effector again.
func (k *Kernel) ExecuteIntent(ctx context.Context, intent *contracts.ExecutionIntent) (Result, error) {
	if intent == nil || intent.IdempotencyKey == "" || intent.IntentID == "" {
		return Result{}, fmt.Errorf("%w: intent id and idempotency key are required", ErrInvalidIntent)
	}

	ctx, span := otel.Tracer("exoarmur/executor").Start(ctx, "kernel.execute_intent")
	defer span.End()
	span.SetAttributes(
		attribute.String("intent.id", intent.IntentID),
		attribute.String("intent.action_class", string(intent.ActionClass)),
		attribute.String("intent.idempotency_key", intent.IdempotencyKey),
	)

	unlock := k.keys.lock(intent.IdempotencyKey)
	defer unlock()

	if entry, ok, err := k.idem.Lookup(ctx, intent.IdempotencyKey); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("executor: idempotency lookup: %w", err)
	} else if ok {
		span.SetAttributes(attribute.Bool("intent.duplicate", true))
		return k.duplicate(intent, entry), nil
	}

	hash, err := intentstore.ComputeIntentHash(intent)
	if err != nil {
		return Result{}, err
	}

	if blocked, notFound := k.gate(intent); blocked != nil {
		blocked.IntentHash = hash
		span.SetAttributes(attribute.String("intent.blocked_rule", blocked.RuleID))
		if err := k.recordDenial(ctx, intent, *blocked); err != nil {
			return *blocked, err
		}
		if notFound != nil {
			return *blocked, notFound
		}
		return *blocked, nil
	}

	claimed, err := k.idem.Reserve(ctx, intent.IdempotencyKey, intent.IntentID)
	if err != nil {
		span.RecordError(err)
		return Result{IntentHash: hash}, fmt.Errorf("executor: idempotency reserve: %w", err)
	}
	if !claimed {
		// Another kernel sharing the store got there first.
		entry, ok, err := k.idem.Lookup(ctx, intent.IdempotencyKey)
		if err != nil {
			return Result{IntentHash: hash}, fmt.Errorf("executor: idempotency lookup: %w", err)
		}
		if !ok {
			entry = &IdempotencyEntry{Pending: true}
		}
		span.SetAttributes(attribute.Bool("intent.duplicate", true))
		return k.duplicate(intent, entry), nil
	}

	res, err := k.effector.Apply(ctx, intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "effector failed")
		k.logger.Error("effector apply failed",
			"intent_id", intent.IntentID, "idempotency_key", intent.IdempotencyKey, "error", err)
		if rerr := k.idem.Release(ctx, intent.IdempotencyKey, intent.IntentID); rerr != nil {
			k.logger.Error("idempotency release failed; key stays reserved",
				"idempotency_key", intent.IdempotencyKey, "error", rerr)
		}
		return Result{IntentHash: hash, Reason: err.Error()}, fmt.Errorf("executor: apply %s: %w", intent.IntentID, err)
	}

	// The mapping is recorded even if auditing fails below: the effect happened.
	// A failed record leaves the reservation in place, so the key stays claimed.
	entry := IdempotencyEntry{IntentID: intent.IntentID, IntentHash: hash, EffectRef: res.Ref, ExecutedAt: k.clock().UTC()}
	created, err := k.idem.Record(ctx, intent.IdempotencyKey, entry)
	if err != nil {
		k.logger.Error("idempotency record failed after execution",
			"idempotency_key", intent.IdempotencyKey, "error", err)
		return Result{Executed: true, IntentHash: hash, EffectRef: res.Ref}, fmt.Errorf("executor: record idempotency: %w", err)
	}
	if !created {
		k.logger.Error("idempotency key taken by another intent during execution",
			"idempotency_key", intent.IdempotencyKey, "intent_id", intent.IntentID)
		return Result{Executed: true, IntentHash: hash, EffectRef: res.Ref},
			fmt.Errorf("%w: %s after executing %s", ErrKeyLost, intent.IdempotencyKey, intent.IntentID)
	}

	result := Result{Executed: true, IntentHash: hash, EffectRef: res.Ref}
	if _, err := k.emitter.Emit(ctx, audit.KindIntentExecuted, scopeOf(intent), audit.IntentExecuted{
		Intent:     *intent,
		IntentHash: hash,
		ApprovalID: intent.SafetyContext.ApprovalID,
		EffectRef:  res.Ref,
	}); err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("executor: audit execution of %s: %w", intent.IntentID, err)
	}

	k.logger.Info("intent executed",
		"intent_id", intent.IntentID, "idempotency_key", intent.IdempotencyKey,
		"intent_hash", hash, "effect_ref", res.Ref)
	return result, nil
}

// duplicate reports an existing entry for the intent's key. A pending entry
// means the effect may not have happened yet, so it is not reported as
// executed.
func (k *Kernel) duplicate(intent *contracts.ExecutionIntent, entry *IdempotencyEntry) Result {
	if entry.Pending {
		k.logger.Info("execution already in progress",
			"idempotency_key", intent.IdempotencyKey, "intent_id", intent.IntentID, "holder", entry.IntentID)
		return Result{Duplicate: true, Reason: fmt.Sprintf("key %s is reserved by intent %s", intent.IdempotencyKey, entry.IntentID)}
	}
	k.logger.Info("duplicate execution suppressed",
		"idempotency_key", intent.IdempotencyKey, "intent_id", entry.IntentID)
	return Result{Executed: true, Duplicate: true, IntentHash: entry.IntentHash, EffectRef: entry.EffectRef}
}

// gate returns a blocked result, or nil when the intent may execute. The
// second value carries a not-found error that must reach the caller.
func (k *Kernel) gate(intent *contracts.ExecutionIntent) (*Result, error) {
	if !intent.ActionClass.Valid() {
		return &Result{Reason: fmt.Sprintf("unknown action class %q", intent.ActionClass), RuleID: RuleUnknownClass}, nil
	}
	approvalID := intent.SafetyContext.ApprovalID
	// An A0 intent escalated to an approval is held to that approval.
	if !intent.ActionClass.RequiresApproval() && approvalID == "" {
		return nil, nil
	}

	if approvalID == "" {
		return &Result{Reason: fmt.Sprintf("%s intent has no bound approval", intent.ActionClass), RuleID: RuleApprovalMissing}, nil
	}
	status, err := k.approvals.GetStatus(approvalID)
	if err != nil {
		return &Result{Reason: fmt.Sprintf("approval %s: %v", approvalID, err), RuleID: RuleApprovalNotFound}, err
	}
	if status != contracts.ApprovalApproved {
		return &Result{Reason: fmt.Sprintf("approval %s is %s", approvalID, status), RuleID: RuleApprovalNotApproved}, nil
	}
	if ok, reason := k.bindings.VerifyBinding(approvalID, intent); !ok {
		return &Result{Reason: "binding verification failed: " + reason, RuleID: RuleBindingMismatch}, nil
	}
	return nil, nil
}

func (k *Kernel) recordDenial(ctx context.Context, intent *contracts.ExecutionIntent, blocked Result) error {
	k.logger.Warn("execution blocked",
		"intent_id", intent.IntentID, "idempotency_key", intent.IdempotencyKey,
		"rule_id", blocked.RuleID, "reason", blocked.Reason)
	_, err := k.emitter.Emit(ctx, audit.KindIntentDenied, scopeOf(intent), audit.IntentDenied{
		IntentID:       intent.IntentID,
		IdempotencyKey: intent.IdempotencyKey,
		ApprovalID:     intent.SafetyContext.ApprovalID,
		Reason:         blocked.Reason,
		RuleID:         blocked.RuleID,
	})
	if err != nil {
		return fmt.Errorf("executor: audit denial of %s: %w", intent.IntentID, err)
	}
	return nil
}

// RevertIntent asks the effector to undo an executed intent. The intent must
// be the one that executed under its idempotency key, and each key reverts
// at most once.
func (k *Kernel) RevertIntent(ctx context.Context, intent *contracts.ExecutionIntent, reason string) (Result, error) {
	if intent == nil || intent.IdempotencyKey == "" {
		return Result{}, fmt.Errorf("%w: idempotency key is required", ErrInvalidIntent)
	}
	if reason == "" {
		return Result{}, fmt.Errorf("%w: revert reason is required", ErrInvalidIntent)
	}

	unlock := k.keys.lock(intent.IdempotencyKey)
	defer unlock()

	entry, ok, err := k.idem.Lookup(ctx, intent.IdempotencyKey)
	if err != nil {
		return Result{}, fmt.Errorf("executor: idempotency lookup: %w", err)
	}
	if !ok || entry.Pending {
		return Result{}, fmt.Errorf("%w: %s", ErrNotExecuted, intent.IdempotencyKey)
	}
	if entry.IntentID != intent.IntentID {
		return Result{}, fmt.Errorf("%w: key %s executed intent %s, not %s",
			ErrInvalidIntent, intent.IdempotencyKey, entry.IntentID, intent.IntentID)
	}
	if k.isReverted(intent.IdempotencyKey) {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyReverted, intent.IdempotencyKey)
	}

	res, err := k.effector.Revert(ctx, intent, reason)
	if err != nil {
		k.logger.Error("effector revert failed", "intent_id", intent.IntentID, "error", err)
		return Result{}, fmt.Errorf("executor: revert %s: %w", intent.IntentID, err)
	}
	k.MarkReverted(intent.IdempotencyKey)

	if _, err := k.emitter.Emit(ctx, audit.KindIntentReverted, scopeOf(intent), audit.IntentReverted{
		IntentID:       intent.IntentID,
		IdempotencyKey: intent.IdempotencyKey,
		Reason:         reason,
		EffectRef:      res.Ref,
	}); err != nil {
		return Result{Executed: true, IntentHash: entry.IntentHash, EffectRef: res.Ref}, fmt.Errorf("executor: audit revert of %s: %w", intent.IntentID, err)
	}
	k.logger.Info("intent reverted", "intent_id", intent.IntentID, "idempotency_key", intent.IdempotencyKey)
	return Result{Executed: true, IntentHash: entry.IntentHash, EffectRef: res.Ref, Reason: reason}, nil
}

func (k *Kernel) isReverted(key string) bool {
	k.revertMu.Lock()
	defer k.revertMu.Unlock()
	return k.reverted[key]
}

// MarkReverted records that key has been reverted. Used by rehydration.
func (k *Kernel) MarkReverted(key string) {
	k.revertMu.Lock()
	defer k.revertMu.Unlock()
	k.reverted[key] = true
}

// RestoreExecution records an execution reconstructed from the audit trail
// without invoking the effector.
func (k *Kernel) RestoreExecution(ctx context.Context, key string, entry IdempotencyEntry) error {
	_, err := k.idem.Record(ctx, key, entry)
	return err
}

// Executed reports whether key has a recorded execution.
func (k *Kernel) Executed(ctx context.Context, key string) (bool, error) {
	entry, ok, err := k.idem.Lookup(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return !entry.Pending, nil
}
