package contracts

import (
	"errors"
	"time"
)

// ErrBindingConflict is returned when an approval (or its frozen intent) is
// asked to bind to intent data different from what it is already bound to.
// The existing binding is never overwritten.
var ErrBindingConflict = errors.New("binding conflict")

// ApprovalStatus represents the current state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// Binding links an approval to the exact intent it authorizes. Set at most once.
type Binding struct {
	IntentID       string `json:"intent_id"`
	IdempotencyKey string `json:"idempotency_key"`
	IntentHash     string `json:"intent_hash"`
}

// Equal reports field-wise equality.
func (b Binding) Equal(o Binding) bool {
	return b.IntentID == o.IntentID && b.IdempotencyKey == o.IdempotencyKey && b.IntentHash == o.IntentHash
}

// ApprovalRequest is a human-approval request and its resolution.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ApprovalRequest struct {
	ApprovalID     string         `json:"approval_id"`
	CorrelationID  string         `json:"correlation_id"`
	TraceID        string         `json:"trace_id"`
	TenantID       string         `json:"tenant_id"`
	CellID         string         `json:"cell_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	ActionClass    ActionClass    `json:"action_class"`
	Verdict        VerdictOutcome `json:"verdict"`
	PayloadRef     string         `json:"payload_ref,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Status         ApprovalStatus `json:"status"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	DenialReason   string         `json:"denial_reason,omitempty"`
	Binding        *Binding       `json:"binding,omitempty"`
}

// Clone copies the request, including the binding and resolution time.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Binding != nil {
		b := *r.Binding
		c.Binding = &b
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
