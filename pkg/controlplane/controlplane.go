// Package controlplane wires the Safety Gate, Intent Store, Approval Service,
// Execution Kernel and Replay Engine into one authorization pipeline over a
// single audit sink.
//
// Each Submit runs one correlation:
//
//	telemetry_ingested -> safety_gate_evaluated -> intent_created ->
//	  deny:          intent_denied
//	  allow, A0:     intent_executed
//	  allow, A1-A3:  approval_requested -> bound -> resolved(system) -> intent_executed
//	  escalate:      approval_requested -> bound   (human resolves later)
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/approval"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/effector"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/executor"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/intentstore"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/replay"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/safety"
)

// RuleGateDeny is recorded on intents the gate denied without a rule id.
const RuleGateDeny = "gate.deny"

// Options configures a ControlPlane. Sink and Effector are required.
type Options struct {
	Sink        audit.Sink
	Effector    effector.Effector
	Gate        *safety.Gate
	Policy      PolicyProvider
	Trust       TrustProvider
	Environment EnvironmentProvider
	Idempotency executor.IdempotencyStore
	ApprovalTTL time.Duration
	Clock       func() time.Time
	NewID       func() string
	Logger      *slog.Logger
}

// ControlPlane is one independent authorization pipeline. Several can coexist
// in a process; none of them share state.
type ControlPlane struct {
	sink      audit.Sink
	recorder  *audit.Recorder
	gate      *safety.Gate
	intents   *intentstore.Store
	approvals *approval.Service
	kernel    *executor.Kernel
	replayer  *replay.Engine

	policy PolicyProvider
	trust  TrustProvider
	env    EnvironmentProvider

	mu       sync.RWMutex
	executed map[string]*contracts.ExecutionIntent

	tracer   trace.Tracer
	verdicts metric.Int64Counter
	outcomes metric.Int64Counter
	logger   *slog.Logger
}

// New assembles a control plane.
func New(opts Options) (*ControlPlane, error) {
	if opts.Sink == nil {
		return nil, errors.New("controlplane: audit sink is required")
	}
	if opts.Effector == nil {
		return nil, errors.New("controlplane: effector is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := opts.Gate
	if gate == nil {
		gate = safety.NewGate(safety.DefaultThresholdSet())
	}
	state := NewStaticState()
	cp := &ControlPlane{
		sink:     opts.Sink,
		gate:     gate,
		policy:   opts.Policy,
		trust:    opts.Trust,
		env:      opts.Environment,
		executed: make(map[string]*contracts.ExecutionIntent),
		tracer:   otel.Tracer("exoarmur/controlplane"),
		logger:   logger.With("component", "controlplane"),
	}
	if cp.policy == nil {
		cp.policy = state
	}
	if cp.trust == nil {
		cp.trust = state
	}
	if cp.env == nil {
		cp.env = state
	}

	cp.recorder = audit.NewRecorder(opts.Sink).WithLogger(logger.With("component", "audit"))
	cp.intents = intentstore.New()
	cp.approvals = approval.NewService(cp.recorder).
		WithIntentSource(cp.intents).
		WithLogger(logger.With("component", "approval"))
	cp.intents.WithBindingSource(cp.approvals)
	cp.kernel = executor.NewKernel(cp.approvals, cp.intents, opts.Effector, cp.recorder).
		WithLogger(logger.With("component", "executor"))
	cp.replayer = replay.NewEngine(opts.Sink).
		WithGate(gate).
		WithLogger(logger.With("component", "replay"))

	if opts.Idempotency != nil {
		cp.kernel.WithIdempotencyStore(opts.Idempotency)
	}
	if opts.ApprovalTTL > 0 {
		cp.approvals.WithTTL(opts.ApprovalTTL)
	}
	if opts.Clock != nil {
		cp.recorder.WithClock(opts.Clock)
		cp.approvals.WithClock(opts.Clock)
		cp.kernel.WithClock(opts.Clock)
	}
	if opts.NewID != nil {
		cp.recorder.WithIDGenerator(opts.NewID)
		cp.approvals.WithIDGenerator(opts.NewID)
		cp.kernel.WithIDGenerator(opts.NewID)
	}

	meter := otel.Meter("exoarmur/controlplane")
	var err error
	if cp.verdicts, err = meter.Int64Counter("exoarmur.gate.verdicts",
		metric.WithDescription("Safety gate verdicts by outcome")); err != nil {
		return nil, err
	}
	if cp.outcomes, err = meter.Int64Counter("exoarmur.submissions",
		metric.WithDescription("Submission outcomes")); err != nil {
		return nil, err
	}
	return cp, nil
}

// Approvals exposes the approval service for queries.
func (cp *ControlPlane) Approvals() *approval.Service { return cp.approvals }

// Intents exposes the intent store for queries.
func (cp *ControlPlane) Intents() *intentstore.Store { return cp.intents }

// Kernel exposes the execution kernel.
func (cp *ControlPlane) Kernel() *executor.Kernel { return cp.kernel }

// Sink returns the audit sink.
func (cp *ControlPlane) Sink() audit.Sink { return cp.sink }

func scopeFor(d contracts.Decision, key string) audit.Scope {
	return audit.Scope{
		TenantID:       d.TenantID,
		CellID:         d.CellID,
		IdempotencyKey: key,
		CorrelationID:  d.CorrelationID,
		TraceID:        d.TraceID,
	}
}

// Evaluate polls the state providers, runs the gate and audits both the
// ingested decision and the verdict. A negative verdict is not an error.
func (cp *ControlPlane) Evaluate(ctx context.Context, decision contracts.Decision, collective contracts.CollectiveState) (contracts.Verdict, error) {
	return cp.evaluate(ctx, decision, collective, "", nil)
}

func (cp *ControlPlane) evaluate(ctx context.Context, decision contracts.Decision, collective contracts.CollectiveState, key string, pending *contracts.ExecutionIntent) (contracts.Verdict, error) {
	if decision.DecisionID == "" || decision.CorrelationID == "" {
		return contracts.Verdict{}, errors.New("controlplane: decision id and correlation id are required")
	}
	ctx, span := cp.tracer.Start(ctx, "controlplane.evaluate")
	defer span.End()

	policy, err := cp.policy.PolicyState(ctx, decision.TenantID)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("controlplane: policy state: %w", err)
	}
	trust, err := cp.trust.TrustState(ctx, decision)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("controlplane: trust state: %w", err)
	}
	env, err := cp.env.EnvironmentState(ctx)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("controlplane: environment state: %w", err)
	}

	scope := scopeFor(decision, key)
	if _, err := cp.recorder.Emit(ctx, audit.KindTelemetryIngested, scope, audit.TelemetryIngested{Decision: decision}); err != nil {
		return contracts.Verdict{}, err
	}

	in := safety.Input{Decision: decision, Collective: collective, Policy: policy, Trust: trust, Env: env, Pending: pending}
	th := cp.gate.Thresholds(in.TenantID())
	verdict := cp.gate.EvaluateWith(in, th)

	if _, err := cp.recorder.Emit(ctx, audit.KindSafetyGateEvaluated, scope, audit.GateEvaluated{
		DecisionID: decision.DecisionID,
		Input:      in,
		Thresholds: th,
		Verdict:    verdict,
	}); err != nil {
		return contracts.Verdict{}, err
	}

	span.SetAttributes(attribute.String("gate.verdict", string(verdict.Outcome)))
	cp.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(verdict.Outcome))))
	cp.logger.Info("gate evaluated",
		"decision_id", decision.DecisionID, "correlation_id", decision.CorrelationID,
		"action_class", in.ActionClass(), "verdict", verdict.Outcome, "rule_ids", verdict.RuleIDs)
	return verdict, nil
}

// SubmitRequest is one decision entering the pipeline.
type SubmitRequest struct {
	Decision       contracts.Decision
	Collective     contracts.CollectiveState
	IdempotencyKey string
	IntentType     string
	Parameters     map[string]any
	PolicyContext  map[string]any
	PayloadRef     string
}

// Disposition summarises where a submission ended up.
type Disposition string

const (
	DispositionExecuted Disposition = "executed"
	DispositionPending  Disposition = "pending_approval"
	DispositionDenied   Disposition = "denied"
	DispositionBlocked  Disposition = "blocked"
)

// Outcome is the result of Submit.
type Outcome struct {
	Disposition Disposition                `json:"disposition"`
	Verdict     contracts.Verdict          `json:"verdict"`
	Intent      *contracts.ExecutionIntent `json:"intent"`
	IntentHash  string                     `json:"intent_hash,omitempty"`
	ApprovalID  string                     `json:"approval_id,omitempty"`
	Execution   *executor.Result           `json:"execution,omitempty"`
}

// Submit evaluates a decision, creates its candidate intent and either
// executes it, opens an approval for it, or records the denial.
func (cp *ControlPlane) Submit(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("controlplane: idempotency key is required")
	}
	ctx, span := cp.tracer.Start(ctx, "controlplane.submit",
		trace.WithAttributes(attribute.String("correlation_id", req.Decision.CorrelationID)))
	defer span.End()

	verdict, err := cp.evaluate(ctx, req.Decision, req.Collective, req.IdempotencyKey, nil)
	if err != nil {
		return nil, err
	}

	opts := []executor.IntentOption{executor.WithParameters(req.Parameters), executor.WithPolicyContext(req.PolicyContext)}
	if req.IntentType != "" {
		opts = append(opts, executor.WithIntentType(req.IntentType))
	}
	intent, err := cp.kernel.CreateExecutionIntent(ctx, req.Decision, verdict, req.IdempotencyKey, opts...)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Verdict: verdict, Intent: intent}

	switch {
	case verdict.Outcome == contracts.VerdictDeny:
		err = cp.recordGateDenial(ctx, intent, verdict)
		out.Disposition = DispositionDenied

	case verdict.Allowed() && !intent.ActionClass.RequiresApproval():
		err = cp.execute(ctx, out, intent)

	case verdict.Allowed():
		// Autonomous A1-A3 still pass through an approval resolved by the gate.
		var frozen *contracts.ExecutionIntent
		frozen, err = cp.openApproval(ctx, out, req, intent)
		if err == nil {
			_, err = cp.approvals.Approve(ctx, out.ApprovalID, approval.SystemOperator)
		}
		if err == nil {
			err = cp.execute(ctx, out, frozen)
		}

	default:
		_, err = cp.openApproval(ctx, out, req, intent)
		out.Disposition = DispositionPending
	}
	if err != nil {
		span.RecordError(err)
		return out, err
	}
	cp.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", string(out.Disposition))))
	return out, nil
}

func (cp *ControlPlane) recordGateDenial(ctx context.Context, intent *contracts.ExecutionIntent, v contracts.Verdict) error {
	rule := RuleGateDeny
	if len(v.RuleIDs) > 0 {
		rule = v.RuleIDs[0]
	}
	_, err := cp.recorder.Emit(ctx, audit.KindIntentDenied, audit.Scope{
		TenantID:       intent.TenantID,
		CellID:         intent.CellID,
		IdempotencyKey: intent.IdempotencyKey,
		CorrelationID:  intent.CorrelationID,
		TraceID:        intent.TraceID,
	}, audit.IntentDenied{
		IntentID:       intent.IntentID,
		IdempotencyKey: intent.IdempotencyKey,
		Reason:         v.Rationale,
		RuleID:         rule,
	})
	return err
}

// openApproval creates the approval request and freezes and binds the intent
// to it. It returns the frozen intent.
func (cp *ControlPlane) openApproval(ctx context.Context, out *Outcome, req SubmitRequest, intent *contracts.ExecutionIntent) (*contracts.ExecutionIntent, error) {
	ar, err := cp.approvals.Create(ctx, approval.CreateRequest{
		CorrelationID:  intent.CorrelationID,
		TraceID:        intent.TraceID,
		TenantID:       intent.TenantID,
		CellID:         intent.CellID,
		IdempotencyKey: intent.IdempotencyKey,
		ActionClass:    intent.ActionClass,
		Verdict:        out.Verdict.Outcome,
		PayloadRef:     req.PayloadRef,
	})
	if err != nil {
		return nil, err
	}
	out.ApprovalID = ar.ApprovalID

	hash, err := cp.Bind(ctx, ar.ApprovalID, intent)
	if err != nil {
		return nil, err
	}
	frozen, _, err := cp.intents.GetByApproval(ar.ApprovalID)
	if err != nil {
		return nil, err
	}
	out.Intent = frozen
	out.IntentHash = hash
	return frozen, nil
}

// Bind freezes intent under approvalID and binds the approval to it. A second
// intent with different content is rejected with contracts.ErrBindingConflict
// and the original binding is kept. The approval must exist and must have been
// requested for the intent's idempotency key before anything is frozen; a
// freeze made by this call is discarded if the binding then fails.
func (cp *ControlPlane) Bind(ctx context.Context, approvalID string, intent *contracts.ExecutionIntent) (string, error) {
	if intent == nil {
		return "", fmt.Errorf("controlplane: intent is required")
	}
	req, err := cp.approvals.GetDetails(approvalID)
	if err != nil {
		return "", err
	}
	if req.IdempotencyKey != intent.IdempotencyKey {
		return "", fmt.Errorf("%w: approval %s was requested for key %s, not %s",
			contracts.ErrBindingConflict, approvalID, req.IdempotencyKey, intent.IdempotencyKey)
	}

	_, _, prior := cp.intents.GetByApproval(approvalID)
	hash, err := cp.intents.Freeze(approvalID, intent)
	if err != nil {
		return "", err
	}
	if err := cp.approvals.BindIntent(ctx, approvalID, intent.IntentID, intent.IdempotencyKey, hash); err != nil {
		if prior != nil && cp.intents.Discard(approvalID, hash) {
			cp.logger.Warn("discarded frozen intent after failed binding",
				"approval_id", approvalID, "intent_id", intent.IntentID, "error", err)
		}
		return "", err
	}
	return hash, nil
}

func (cp *ControlPlane) execute(ctx context.Context, out *Outcome, intent *contracts.ExecutionIntent) error {
	res, err := cp.ExecuteIntent(ctx, intent)
	out.Execution = &res
	if res.IntentHash != "" {
		out.IntentHash = res.IntentHash
	}
	if res.Executed {
		out.Disposition = DispositionExecuted
	} else {
		out.Disposition = DispositionBlocked
	}
	return err
}

// Approve resolves an approval as APPROVED.
func (cp *ControlPlane) Approve(ctx context.Context, approvalID, operator string) (contracts.ApprovalStatus, error) {
	return cp.approvals.Approve(ctx, approvalID, operator)
}

// Deny resolves an approval as DENIED.
func (cp *ControlPlane) Deny(ctx context.Context, approvalID, operator, reason string) (contracts.ApprovalStatus, error) {
	return cp.approvals.Deny(ctx, approvalID, operator, reason)
}

// Execute runs the intent frozen under approvalID through the kernel.
func (cp *ControlPlane) Execute(ctx context.Context, approvalID string) (executor.Result, error) {
	intent, _, err := cp.intents.GetByApproval(approvalID)
	if err != nil {
		return executor.Result{}, err
	}
	return cp.ExecuteIntent(ctx, intent)
}

// ExecuteIntent runs a caller-supplied intent through the kernel.
func (cp *ControlPlane) ExecuteIntent(ctx context.Context, intent *contracts.ExecutionIntent) (executor.Result, error) {
	res, err := cp.kernel.ExecuteIntent(ctx, intent)
	if res.Executed && !res.Duplicate {
		cp.rememberExecuted(intent)
	}
	return res, err
}

func (cp *ControlPlane) rememberExecuted(intent *contracts.ExecutionIntent) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.executed[intent.IdempotencyKey]; !ok {
		cp.executed[intent.IdempotencyKey] = intent.Clone()
	}
}

// ExecutedIntent returns the intent that executed under idempotencyKey.
func (cp *ControlPlane) ExecutedIntent(idempotencyKey string) (*contracts.ExecutionIntent, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	intent, ok := cp.executed[idempotencyKey]
	if !ok {
		return nil, false
	}
	return intent.Clone(), true
}

// Revert undoes the execution recorded under idempotencyKey.
func (cp *ControlPlane) Revert(ctx context.Context, idempotencyKey, reason string) (executor.Result, error) {
	intent, ok := cp.ExecutedIntent(idempotencyKey)
	if !ok {
		return executor.Result{}, fmt.Errorf("%w: %s", executor.ErrNotExecuted, idempotencyKey)
	}
	return cp.kernel.RevertIntent(ctx, intent, reason)
}

// ExpirePending expires overdue approvals.
func (cp *ControlPlane) ExpirePending(ctx context.Context) ([]string, error) {
	return cp.approvals.ExpirePending(ctx)
}

// ReplayCorrelation replays one correlation from the audit sink, re-running
// the gate and cross-checking bindings against the live intent store.
func (cp *ControlPlane) ReplayCorrelation(ctx context.Context, correlationID string) (*replay.Report, error) {
	return replay.NewEngine(cp.sink).
		WithGate(cp.gate).
		WithIntentStore(cp.intents).
		WithLogger(cp.logger).
		ReplayCorrelation(ctx, correlationID)
}
