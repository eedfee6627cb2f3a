// Package approval owns the lifecycle of human-approval requests
// (PENDING -> APPROVED | DENIED | EXPIRED) and their one-time binding to a
// frozen execution intent.
//
// Every transition is written to the audit trail before it is committed in
// memory, under a per-approval lock, so a failed audit append leaves the
// request unchanged.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// ErrNotFound is returned for unknown approval ids. Unknown ids are never
// treated as PENDING.
var ErrNotFound = errors.New("approval: request not found")

const (
	// SystemOperator resolves approvals the Safety Gate allowed autonomously.
	SystemOperator = "system:safety-gate"
	// ExpiryOperator is recorded when a request times out.
	ExpiryOperator = "system:expiry"
	// DefaultTTL is how long a request stays PENDING.
	DefaultTTL = 15 * time.Minute
)

// FrozenIntentSource resolves the intent frozen under an approval.
// The intent store implements it.
type FrozenIntentSource interface {
	GetByApproval(approvalID string) (*contracts.ExecutionIntent, string, error)
}

// CreateRequest carries what is needed to open an approval request.
type CreateRequest struct {
	CorrelationID  string
	TraceID        string
	TenantID       string
	CellID         string
	IdempotencyKey string
	ActionClass    contracts.ActionClass
	Verdict        contracts.VerdictOutcome
	PayloadRef     string
}

// Service handles the lifecycle of approval requests.
type Service struct {
	mu       sync.Mutex
	requests map[string]*contracts.ApprovalRequest
	locks    map[string]*sync.Mutex

	emitter audit.Emitter
	intents FrozenIntentSource
	clock   func() time.Time
	newID   func() string
	ttl     time.Duration
	logger  *slog.Logger
}

// NewService creates a service that audits through emitter.
func NewService(emitter audit.Emitter) *Service {
	return &Service{
		requests: make(map[string]*contracts.ApprovalRequest),
		locks:    make(map[string]*sync.Mutex),
		emitter:  emitter,
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
		ttl:      DefaultTTL,
		logger:   slog.Default().With("component", "approval"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithIDGenerator overrides approval id generation.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.newID = gen
	return s
}

// WithTTL sets the pending lifetime of new requests. Non-positive values keep the default.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithIntentSource lets BindIntent attach the frozen intent to its audit record.
func (s *Service) WithIntentSource(src FrozenIntentSource) *Service {
	s.intents = src
	return s
}

// WithLogger sets the structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// lockFor returns the mutex serialising transitions of one approval.
func (s *Service) lockFor(approvalID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[approvalID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[approvalID] = l
	}
	return l
}

func (s *Service) snapshot(approvalID string) (*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[approvalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, approvalID)
	}
	return req.Clone(), nil
}

func (s *Service) commit(req *contracts.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ApprovalID] = req
}

func scopeOf(req *contracts.ApprovalRequest) audit.Scope {
	return audit.Scope{
		TenantID:       req.TenantID,
		CellID:         req.CellID,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		TraceID:        req.TraceID,
	}
}

// Create opens a PENDING request and audits it as approval_requested.
func (s *Service) Create(ctx context.Context, cr CreateRequest) (*contracts.ApprovalRequest, error) {
	if cr.CorrelationID == "" || cr.IdempotencyKey == "" {
		return nil, fmt.Errorf("approval: correlation id and idempotency key are required")
	}
	if !cr.ActionClass.Valid() {
		return nil, fmt.Errorf("approval: unknown action class %q", cr.ActionClass)
	}
	if !cr.Verdict.Valid() {
		return nil, fmt.Errorf("approval: unknown verdict %q", cr.Verdict)
	}

	now := s.clock().UTC()
	req := &contracts.ApprovalRequest{
		ApprovalID:     s.newID(),
		CorrelationID:  cr.CorrelationID,
		TraceID:        cr.TraceID,
		TenantID:       cr.TenantID,
		CellID:         cr.CellID,
		IdempotencyKey: cr.IdempotencyKey,
		ActionClass:    cr.ActionClass,
		Verdict:        cr.Verdict,
		PayloadRef:     cr.PayloadRef,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		Status:         contracts.ApprovalPending,
	}

	l := s.lockFor(req.ApprovalID)
	l.Lock()
	defer l.Unlock()

	if _, err := s.snapshot(req.ApprovalID); err == nil {
		return nil, fmt.Errorf("approval: id %s already exists", req.ApprovalID)
	}
	if _, err := s.emitter.Emit(ctx, audit.KindApprovalRequested, scopeOf(req), audit.ApprovalRequested{Approval: *req}); err != nil {
		return nil, fmt.Errorf("approval: audit request %s: %w", req.ApprovalID, err)
	}
	s.commit(req)

	s.logger.Info("approval requested",
		"approval_id", req.ApprovalID, "correlation_id", req.CorrelationID,
		"action_class", req.ActionClass, "verdict", req.Verdict)
	return req.Clone(), nil
}

// Approve moves a PENDING request to APPROVED. Acting on a terminal request
// is a no-op that returns its existing status. A request past its expiry is
// moved to EXPIRED instead.
func (s *Service) Approve(ctx context.Context, approvalID, operator string) (contracts.ApprovalStatus, error) {
	if operator == "" {
		return "", fmt.Errorf("approval: operator is required")
	}
	return s.resolve(ctx, approvalID, operator, contracts.ApprovalApproved, "")
}

// Deny moves a PENDING request to DENIED with the given reason.
func (s *Service) Deny(ctx context.Context, approvalID, operator, reason string) (contracts.ApprovalStatus, error) {
	if operator == "" {
		return "", fmt.Errorf("approval: operator is required")
	}
	return s.resolve(ctx, approvalID, operator, contracts.ApprovalDenied, reason)
}

func (s *Service) resolve(ctx context.Context, approvalID, operator string, target contracts.ApprovalStatus, reason string) (contracts.ApprovalStatus, error) {
	l := s.lockFor(approvalID)
	l.Lock()
	defer l.Unlock()

	req, err := s.snapshot(approvalID)
	if err != nil {
		return "", err
	}
	if req.Status != contracts.ApprovalPending {
		s.logger.Debug("approval already resolved",
			"approval_id", approvalID, "status", req.Status, "attempted", target)
		return req.Status, nil
	}

	now := s.clock().UTC()
	if target == contracts.ApprovalApproved && now.After(req.ExpiresAt) {
		target = contracts.ApprovalExpired
		reason = fmt.Sprintf("expired at %s before approval by %s", req.ExpiresAt.Format(time.RFC3339), operator)
		operator = ExpiryOperator
	}

	if err := s.transition(ctx, req, target, operator, reason, now); err != nil {
		return "", err
	}
	return target, nil
}

// transition audits then commits a terminal status. Callers hold the approval lock.
func (s *Service) transition(ctx context.Context, req *contracts.ApprovalRequest, status contracts.ApprovalStatus, operator, reason string, now time.Time) error {
	payload := audit.ApprovalResolved{
		ApprovalID: req.ApprovalID,
		Status:     status,
		Operator:   operator,
		Reason:     reason,
	}
	if _, err := s.emitter.Emit(ctx, audit.KindApprovalResolved, scopeOf(req), payload); err != nil {
		return fmt.Errorf("approval: audit resolution of %s: %w", req.ApprovalID, err)
	}

	req.Status = status
	req.ResolvedBy = operator
	req.ResolvedAt = &now
	if status != contracts.ApprovalApproved {
		req.DenialReason = reason
	}
	s.commit(req)

	s.logger.Info("approval resolved",
		"approval_id", req.ApprovalID, "status", status, "operator", operator)
	return nil
}

// BindIntent sets the approval's binding exactly once. Rebinding with
// identical values succeeds without a new audit record; different values
// fail with contracts.ErrBindingConflict and the existing binding is kept.
func (s *Service) BindIntent(ctx context.Context, approvalID, intentID, idempotencyKey, intentHash string) error {
	if intentID == "" || idempotencyKey == "" || intentHash == "" {
		return fmt.Errorf("approval: binding requires intent id, idempotency key and hash")
	}
	binding := contracts.Binding{IntentID: intentID, IdempotencyKey: idempotencyKey, IntentHash: intentHash}

	l := s.lockFor(approvalID)
	l.Lock()
	defer l.Unlock()

	req, err := s.snapshot(approvalID)
	if err != nil {
		return err
	}
	if req.Binding != nil {
		if req.Binding.Equal(binding) {
			return nil
		}
		s.logger.Warn("binding conflict",
			"approval_id", approvalID, "bound_intent_hash", req.Binding.IntentHash, "intent_hash", intentHash)
		return fmt.Errorf("%w: approval %s is bound to intent %s (hash %s)",
			contracts.ErrBindingConflict, approvalID, req.Binding.IntentID, req.Binding.IntentHash)
	}
	if idempotencyKey != req.IdempotencyKey {
		return fmt.Errorf("%w: approval %s was requested for key %s, not %s",
			contracts.ErrBindingConflict, approvalID, req.IdempotencyKey, idempotencyKey)
	}

	payload := audit.ApprovalBound{ApprovalID: approvalID, Binding: binding}
	if s.intents != nil {
		frozen, hash, err := s.intents.GetByApproval(approvalID)
		if err != nil {
			return fmt.Errorf("approval: frozen intent for %s: %w", approvalID, err)
		}
		if hash != intentHash || frozen.IntentID != intentID {
			return fmt.Errorf("%w: frozen intent %s (hash %s) differs from binding",
				contracts.ErrBindingConflict, frozen.IntentID, hash)
		}
		payload.Intent = frozen
	}
	if _, err := s.emitter.Emit(ctx, audit.KindApprovalBoundToIntent, scopeOf(req), payload); err != nil {
		return fmt.Errorf("approval: audit binding of %s: %w", approvalID, err)
	}

	req.Binding = &binding
	s.commit(req)
	s.logger.Info("approval bound to intent",
		"approval_id", approvalID, "intent_id", intentID, "intent_hash", intentHash)
	return nil
}

// ExpirePending moves every overdue PENDING request to EXPIRED and returns
// their ids in sorted order.
func (s *Service) ExpirePending(ctx context.Context) ([]string, error) {
	now := s.clock().UTC()

	s.mu.Lock()
	var candidates []string
	for id, req := range s.requests {
		if req.Status == contracts.ApprovalPending && now.After(req.ExpiresAt) {
			candidates = append(candidates, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(candidates)

	var expired []string
	for _, id := range candidates {
		ok, err := s.expireOne(ctx, id, now)
		if err != nil {
			return expired, err
		}
		if ok {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, approvalID string, now time.Time) (bool, error) {
	l := s.lockFor(approvalID)
	l.Lock()
	defer l.Unlock()

	req, err := s.snapshot(approvalID)
	if err != nil {
		return false, err
	}
	// Re-check under the approval lock; a human may have acted meanwhile.
	if req.Status != contracts.ApprovalPending || !now.After(req.ExpiresAt) {
		return false, nil
	}
	reason := fmt.Sprintf("no decision before %s", req.ExpiresAt.Format(time.RFC3339))
	if err := s.transition(ctx, req, contracts.ApprovalExpired, ExpiryOperator, reason, now); err != nil {
		return false, err
	}
	return true, nil
}

// GetStatus returns the status of a request or ErrNotFound.
func (s *Service) GetStatus(approvalID string) (contracts.ApprovalStatus, error) {
	req, err := s.snapshot(approvalID)
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

// GetDetails returns a copy of the request or ErrNotFound.
func (s *Service) GetDetails(approvalID string) (*contracts.ApprovalRequest, error) {
	return s.snapshot(approvalID)
}

// GetBinding returns the recorded binding, nil while unbound, or ErrNotFound.
func (s *Service) GetBinding(approvalID string) (*contracts.Binding, error) {
	req, err := s.snapshot(approvalID)
	if err != nil {
		return nil, err
	}
	return req.Binding, nil
}

// List returns copies of all requests ordered by creation time then id.
func (s *Service) List() []*contracts.ApprovalRequest {
	s.mu.Lock()
	out := make([]*contracts.ApprovalRequest, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ApprovalID < out[j].ApprovalID
	})
	return out
}

// PendingCount returns the number of pending requests.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, req := range s.requests {
		if req.Status == contracts.ApprovalPending {
			count++
		}
	}
	return count
}

// Restore installs a request reconstructed from the audit trail without
// emitting new records. Restoring an id that already exists is an error.
func (s *Service) Restore(req *contracts.ApprovalRequest) error {
	if req == nil || req.ApprovalID == "" {
		return fmt.Errorf("approval: restore requires an approval id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ApprovalID]; exists {
		return fmt.Errorf("approval: restore %s: already present", req.ApprovalID)
	}
	s.requests[req.ApprovalID] = req.Clone()
	return nil
}
