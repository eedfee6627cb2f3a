// Package replay reconstructs an authorization pipeline from its audit trail
// and verifies it.
//
// Replay is read-only:
//   - records are wrapped in envelopes and processed in ordering-key order
//   - every record's content hash is re-verified before it is used
//   - intent hashes, bindings and (optionally) gate verdicts are recomputed
//   - the effector is never invoked
//
// Replaying the same trail twice produces identical reports.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/intentstore"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/safety"
)

// RecordSource provides the audit records of a correlation.
type RecordSource interface {
	ListByCorrelation(ctx context.Context, correlationID string) ([]audit.Record, error)
}

// FrozenIntentLookup resolves live frozen intents so bindings can be checked
// against the intent store as well as against the trail.
type FrozenIntentLookup interface {
	GetByApproval(approvalID string) (*contracts.ExecutionIntent, string, error)
}

// Engine replays correlations.
type Engine struct {
	source  RecordSource
	gate    *safety.Gate
	intents FrozenIntentLookup
	logger  *slog.Logger
}

// NewEngine creates a replay engine reading from source. A nil source is
// allowed for engines that only replay supplied records.
func NewEngine(source RecordSource) *Engine {
	return &Engine{
		source: source,
		logger: slog.Default().With("component", "replay"),
	}
}

// WithGate enables gate re-evaluation. Each recorded evaluation is re-run
// with the thresholds recorded alongside it and the gate's escalation rules.
func (e *Engine) WithGate(g *safety.Gate) *Engine {
	e.gate = g
	return e
}

// WithIntentStore enables cross-checking bindings against live frozen intents.
func (e *Engine) WithIntentStore(s FrozenIntentLookup) *Engine {
	e.intents = s
	return e
}

// WithLogger sets the structured logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// ReplayCorrelation fetches and replays every record of correlationID.
// A correlation without records is audit.ErrNoRecords.
func (e *Engine) ReplayCorrelation(ctx context.Context, correlationID string) (*Report, error) {
	if e.source == nil {
		return nil, fmt.Errorf("replay: no record source configured")
	}
	records, err := e.source.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("replay: fetch %s: %w", correlationID, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("replay: %s: %w", correlationID, audit.ErrNoRecords)
	}
	return e.ReplayRecords(correlationID, records), nil
}

// ReplayRecords replays an already fetched trail, for example one loaded
// from an archive.
func (e *Engine) ReplayRecords(correlationID string, records []audit.Record) *Report {
	st := newState(e)
	for _, env := range Wrap(records) {
		st.process(env)
	}
	rep := st.report(correlationID, len(records))
	if rep.Result != ResultSuccess {
		e.logger.Warn("replay verification failed",
			"correlation_id", correlationID, "result", rep.Result,
			"failed_events", rep.FailedEvents, "total_events", rep.TotalEvents)
	} else {
		e.logger.Info("replay verified", "correlation_id", correlationID, "total_events", rep.TotalEvents)
	}
	return rep
}

// state accumulates reconstruction for one replay. Slices keep first-seen
// order so the report is deterministic.
type state struct {
	engine *Engine

	order     []ProcessedEvent
	failures  []Failure
	failedIDs map[string]bool
	processed int

	decisions []contracts.Decision
	verdicts  []VerdictState

	approvals     map[string]*contracts.ApprovalRequest
	approvalOrder []string

	intents     map[string]*IntentState
	intentOrder []string
	executedKey map[string]string
}

func newState(e *Engine) *state {
	return &state{
		engine:      e,
		failedIDs:   make(map[string]bool),
		approvals:   make(map[string]*contracts.ApprovalRequest),
		intents:     make(map[string]*IntentState),
		executedKey: make(map[string]string),
	}
}

func (s *state) fail(rec audit.Record, code, format string, args ...any) {
	s.failures = append(s.failures, Failure{
		AuditID:  rec.AuditID,
		Sequence: rec.Sequence,
		Kind:     rec.Kind,
		Code:     code,
		Detail:   fmt.Sprintf(format, args...),
	})
	s.failedIDs[rec.AuditID] = true
}

func (s *state) intent(id, key string) *IntentState {
	is, ok := s.intents[id]
	if !ok {
		is = &IntentState{IntentID: id, IdempotencyKey: key}
		s.intents[id] = is
		s.intentOrder = append(s.intentOrder, id)
	}
	if is.IdempotencyKey == "" {
		is.IdempotencyKey = key
	}
	return is
}

func (s *state) process(env Envelope) {
	rec := env.Record
	s.order = append(s.order, ProcessedEvent{AuditID: rec.AuditID, Sequence: rec.Sequence, Kind: rec.Kind})

	if !rec.VerifyHash() {
		s.fail(rec, FailHashMismatch, "stored hash %s does not match payload", rec.ContentHash)
		return
	}

	var err error
	switch rec.Kind {
	case audit.KindTelemetryIngested:
		err = s.telemetry(rec)
	case audit.KindSafetyGateEvaluated:
		err = s.gateEvaluated(rec)
	case audit.KindIntentCreated:
		err = s.intentCreated(rec)
	case audit.KindApprovalRequested:
		err = s.approvalRequested(rec)
	case audit.KindApprovalBoundToIntent:
		err = s.approvalBound(rec)
	case audit.KindApprovalResolved:
		err = s.approvalResolved(rec)
	case audit.KindIntentExecuted:
		err = s.intentExecuted(rec)
	case audit.KindIntentDenied:
		err = s.intentDenied(rec)
	case audit.KindIntentReverted:
		err = s.intentReverted(rec)
	default:
		s.fail(rec, FailUnknownKind, "unknown event kind %q", rec.Kind)
		return
	}
	if err != nil {
		s.fail(rec, FailDecode, "%v", err)
		return
	}
	if !s.failedIDs[rec.AuditID] {
		s.processed++
	}
}

func (s *state) telemetry(rec audit.Record) error {
	var p audit.TelemetryIngested
	if err := rec.Decode(&p); err != nil {
		return err
	}
	s.decisions = append(s.decisions, p.Decision)
	return nil
}

func (s *state) gateEvaluated(rec audit.Record) error {
	var p audit.GateEvaluated
	if err := rec.Decode(&p); err != nil {
		return err
	}
	vs := VerdictState{DecisionID: p.DecisionID, Recorded: p.Verdict}
	if g := s.engine.gate; g != nil {
		recomputed := g.EvaluateWith(p.Input, p.Thresholds)
		vs.Recomputed = &recomputed
		if !sameVerdict(recomputed, p.Verdict) {
			vs.Diverged = true
			s.fail(rec, FailVerdictDivergence, "recorded %s %v, recomputed %s %v",
				p.Verdict.Outcome, p.Verdict.RuleIDs, recomputed.Outcome, recomputed.RuleIDs)
		}
	}
	s.verdicts = append(s.verdicts, vs)
	return nil
}

func sameVerdict(a, b contracts.Verdict) bool {
	return a.Outcome == b.Outcome && a.Rationale == b.Rationale && slices.Equal(a.RuleIDs, b.RuleIDs)
}

func (s *state) intentCreated(rec audit.Record) error {
	var p audit.IntentCreated
	if err := rec.Decode(&p); err != nil {
		return err
	}
	recomputed, err := intentstore.ComputeIntentHash(&p.Intent)
	if err != nil {
		return err
	}
	if recomputed != p.IntentHash {
		s.fail(rec, FailCreatedHashMismatch, "created intent %s hashes to %s, recorded %s", p.Intent.IntentID, recomputed, p.IntentHash)
	}
	is := s.intent(p.Intent.IntentID, p.Intent.IdempotencyKey)
	is.CreatedHash = p.IntentHash
	if is.Intent == nil {
		is.Intent = p.Intent.Clone()
	}
	return nil
}

func (s *state) approvalRequested(rec audit.Record) error {
	var p audit.ApprovalRequested
	if err := rec.Decode(&p); err != nil {
		return err
	}
	if _, exists := s.approvals[p.Approval.ApprovalID]; exists {
		s.fail(rec, FailApprovalTransition, "approval %s requested twice", p.Approval.ApprovalID)
		return nil
	}
	s.approvals[p.Approval.ApprovalID] = p.Approval.Clone()
	s.approvalOrder = append(s.approvalOrder, p.Approval.ApprovalID)
	return nil
}

func (s *state) approvalBound(rec audit.Record) error {
	var p audit.ApprovalBound
	if err := rec.Decode(&p); err != nil {
		return err
	}
	req, ok := s.approvals[p.ApprovalID]
	if !ok {
		s.fail(rec, FailApprovalUnknown, "binding for unknown approval %s", p.ApprovalID)
		return nil
	}
	if req.Binding != nil {
		if !req.Binding.Equal(p.Binding) {
			s.fail(rec, FailBindingConflict, "approval %s rebound from %s to %s", p.ApprovalID, req.Binding.IntentHash, p.Binding.IntentHash)
		}
		return nil
	}
	b := p.Binding
	req.Binding = &b

	is := s.intent(p.Binding.IntentID, p.Binding.IdempotencyKey)
	is.ApprovalID = p.ApprovalID
	is.FrozenHash = p.Binding.IntentHash

	if p.Intent != nil {
		s.checkFrozen(rec, p, is)
	}
	if lookup := s.engine.intents; lookup != nil {
		if _, liveHash, err := lookup.GetByApproval(p.ApprovalID); err == nil && liveHash != p.Binding.IntentHash {
			s.fail(rec, FailIntentStoreMismatch, "intent store holds %s for approval %s, trail bound %s", liveHash, p.ApprovalID, p.Binding.IntentHash)
		}
	}
	return nil
}

func (s *state) checkFrozen(rec audit.Record, p audit.ApprovalBound, is *IntentState) {
	frozen := p.Intent
	hash, err := intentstore.ComputeIntentHash(frozen)
	if err != nil {
		s.fail(rec, FailBindingHashMismatch, "frozen intent not hashable: %v", err)
		return
	}
	if hash != p.Binding.IntentHash || frozen.IntentID != p.Binding.IntentID || frozen.IdempotencyKey != p.Binding.IdempotencyKey {
		s.fail(rec, FailBindingHashMismatch, "frozen intent %s (%s) does not match binding %s (%s)",
			frozen.IntentID, hash, p.Binding.IntentID, p.Binding.IntentHash)
		return
	}
	is.Intent = frozen.Clone()

	if is.CreatedHash == "" {
		return
	}
	created := frozen.Clone()
	created.SafetyContext.ApprovalID = ""
	createdHash, err := intentstore.ComputeIntentHash(created)
	if err != nil || createdHash != is.CreatedHash {
		s.fail(rec, FailFrozenIntentDiverged, "frozen intent %s differs from the intent originally created (%s)", frozen.IntentID, is.CreatedHash)
	}
}

func (s *state) approvalResolved(rec audit.Record) error {
	var p audit.ApprovalResolved
	if err := rec.Decode(&p); err != nil {
		return err
	}
	req, ok := s.approvals[p.ApprovalID]
	if !ok {
		s.fail(rec, FailApprovalUnknown, "resolution for unknown approval %s", p.ApprovalID)
		return nil
	}
	if req.Status != contracts.ApprovalPending {
		if req.Status != p.Status {
			s.fail(rec, FailApprovalTransition, "approval %s resolved %s after %s", p.ApprovalID, p.Status, req.Status)
		}
		return nil
	}
	at := rec.RecordedAt
	req.Status = p.Status
	req.ResolvedBy = p.Operator
	req.ResolvedAt = &at
	req.DenialReason = p.Reason
	return nil
}

func (s *state) intentExecuted(rec audit.Record) error {
	var p audit.IntentExecuted
	if err := rec.Decode(&p); err != nil {
		return err
	}
	recomputed, err := intentstore.ComputeIntentHash(&p.Intent)
	if err != nil {
		return err
	}
	is := s.intent(p.Intent.IntentID, p.Intent.IdempotencyKey)
	if recomputed != p.IntentHash {
		s.fail(rec, FailExecutedHashMismatch, "executed intent hashes to %s, recorded %s", recomputed, p.IntentHash)
	}

	if prior, dup := s.executedKey[p.Intent.IdempotencyKey]; dup {
		s.fail(rec, FailDuplicateExecution, "idempotency key %s already executed by %s", p.Intent.IdempotencyKey, prior)
	} else {
		s.executedKey[p.Intent.IdempotencyKey] = p.Intent.IntentID
	}

	if p.Intent.ActionClass.RequiresApproval() {
		s.checkAuthorized(rec, p, recomputed)
	}

	at := rec.RecordedAt
	is.Executed = true
	is.ExecutedHash = p.IntentHash
	is.EffectRef = p.EffectRef
	is.ExecutedAt = &at
	if is.Intent == nil {
		is.Intent = p.Intent.Clone()
	}
	return nil
}

func (s *state) checkAuthorized(rec audit.Record, p audit.IntentExecuted, hash string) {
	approvalID := p.Intent.SafetyContext.ApprovalID
	req, ok := s.approvals[approvalID]
	switch {
	case approvalID == "" || !ok:
		s.fail(rec, FailExecutionUnauthorized, "%s intent %s executed without a known approval", p.Intent.ActionClass, p.Intent.IntentID)
	case req.Status != contracts.ApprovalApproved:
		s.fail(rec, FailExecutionUnauthorized, "intent %s executed while approval %s was %s", p.Intent.IntentID, approvalID, req.Status)
	case req.Binding == nil:
		s.fail(rec, FailExecutionUnauthorized, "intent %s executed under unbound approval %s", p.Intent.IntentID, approvalID)
	case req.Binding.IntentHash != hash || req.Binding.IntentID != p.Intent.IntentID:
		s.fail(rec, FailExecutionUnauthorized, "executed intent hash %s does not match bound hash %s", hash, req.Binding.IntentHash)
	}
}

func (s *state) intentDenied(rec audit.Record) error {
	var p audit.IntentDenied
	if err := rec.Decode(&p); err != nil {
		return err
	}
	is := s.intent(p.IntentID, p.IdempotencyKey)
	is.Denied = true
	is.DenialRule = p.RuleID
	is.DenialReason = p.Reason
	return nil
}

func (s *state) intentReverted(rec audit.Record) error {
	var p audit.IntentReverted
	if err := rec.Decode(&p); err != nil {
		return err
	}
	is := s.intent(p.IntentID, p.IdempotencyKey)
	if !is.Executed {
		s.fail(rec, FailRevertWithoutExecute, "intent %s reverted but never executed", p.IntentID)
		return nil
	}
	is.Reverted = true
	return nil
}

func (s *state) report(correlationID string, total int) *Report {
	rep := &Report{
		CorrelationID:   correlationID,
		TotalEvents:     total,
		ProcessedEvents: s.processed,
		FailedEvents:    len(s.failedIDs),
		Order:           s.order,
		Decisions:       s.decisions,
		Verdicts:        s.verdicts,
		Failures:        s.failures,
	}
	for _, id := range s.approvalOrder {
		rep.Approvals = append(rep.Approvals, *s.approvals[id])
	}
	for _, id := range s.intentOrder {
		rep.Intents = append(rep.Intents, *s.intents[id])
	}
	rep.Result = classify(rep.ProcessedEvents, rep.FailedEvents)
	return rep
}
