// Package audit defines the append-only audit record stream that is the sole
// durable state of the control plane, plus the sinks that persist it.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
)

var (
	// ErrNoRecords is returned when a correlation has no audit records.
	ErrNoRecords = errors.New("audit: no records for correlation")
	// ErrHashMismatch is returned when a record's content hash does not match its payload.
	ErrHashMismatch = errors.New("audit: content hash mismatch")
	// ErrSchemaViolation is returned when a payload does not match its event kind schema.
	ErrSchemaViolation = errors.New("audit: payload schema violation")
	// ErrDuplicateRecord is returned when an audit id is appended twice.
	ErrDuplicateRecord = errors.New("audit: duplicate audit id")
	// ErrInvalidRecord is returned for records missing identity fields or with an unknown kind.
	ErrInvalidRecord = errors.New("audit: invalid record")
)

// Kind is the event kind of an audit record.
type Kind string

const (
	KindTelemetryIngested     Kind = "telemetry_ingested"
	KindSafetyGateEvaluated   Kind = "safety_gate_evaluated"
	KindIntentCreated         Kind = "intent_created"
	KindApprovalRequested     Kind = "approval_requested"
	KindApprovalBoundToIntent Kind = "approval_bound_to_intent"
	KindApprovalResolved      Kind = "approval_resolved"
	KindIntentExecuted        Kind = "intent_executed"
	KindIntentDenied          Kind = "intent_denied"
	KindIntentReverted        Kind = "intent_reverted"
)

var kindPriority = map[Kind]int{
	KindTelemetryIngested:     0,
	KindSafetyGateEvaluated:   1,
	KindIntentCreated:         2,
	KindApprovalRequested:     3,
	KindApprovalBoundToIntent: 4,
	KindApprovalResolved:      5,
	KindIntentExecuted:        6,
	KindIntentDenied:          7,
	KindIntentReverted:        8,
}

// UnknownPriority sorts unrecognised kinds after every known one.
const UnknownPriority = 99

// Kinds lists all known kinds in priority order.
func Kinds() []Kind {
	return []Kind{
		KindTelemetryIngested,
		KindSafetyGateEvaluated,
		KindIntentCreated,
		KindApprovalRequested,
		KindApprovalBoundToIntent,
		KindApprovalResolved,
		KindIntentExecuted,
		KindIntentDenied,
		KindIntentReverted,
	}
}

// Priority is the fixed replay ordering priority of the kind.
func (k Kind) Priority() int {
	if p, ok := kindPriority[k]; ok {
		return p
	}
	return UnknownPriority
}

// Known reports whether k is a recognised kind.
func (k Kind) Known() bool {
	_, ok := kindPriority[k]
	return ok
}

// Scope carries the identifiers shared by every record of one pipeline step.
type Scope struct {
	TenantID       string
	CellID         string
	IdempotencyKey string
	CorrelationID  string
	TraceID        string
}

// Record is a single immutable audit entry. Payload holds the canonical JSON
// of the event payload and ContentHash its SHA-256.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Record struct {
	AuditID        string          `json:"audit_id"`
	Sequence       int64           `json:"sequence"`
	TenantID       string          `json:"tenant_id"`
	CellID         string          `json:"cell_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	CorrelationID  string          `json:"correlation_id"`
	TraceID        string          `json:"trace_id"`
	Kind           Kind            `json:"kind"`
	RecordedAt     time.Time       `json:"recorded_at"`
	Payload        json.RawMessage `json:"payload"`
	ContentHash    string          `json:"content_hash"`
}

// NewRecord canonicalizes payload and builds a record. The sequence is left
// for the sink to assign.
func NewRecord(auditID string, kind Kind, scope Scope, payload any, recordedAt time.Time) (*Record, error) {
	canon, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize %s payload: %w", kind, err)
	}
	return &Record{
		AuditID:        auditID,
		TenantID:       scope.TenantID,
		CellID:         scope.CellID,
		IdempotencyKey: scope.IdempotencyKey,
		CorrelationID:  scope.CorrelationID,
		TraceID:        scope.TraceID,
		Kind:           kind,
		RecordedAt:     recordedAt.UTC().Truncate(time.Second),
		Payload:        canon,
		ContentHash:    canonicalize.HashBytes(canon),
	}, nil
}

// Scope returns the record's identifiers.
func (r *Record) Scope() Scope {
	return Scope{
		TenantID:       r.TenantID,
		CellID:         r.CellID,
		IdempotencyKey: r.IdempotencyKey,
		CorrelationID:  r.CorrelationID,
		TraceID:        r.TraceID,
	}
}

// VerifyHash recomputes the canonical hash of the payload.
func (r *Record) VerifyHash() bool {
	if len(r.Payload) == 0 {
		return false
	}
	return canonicalize.VerifyHash(r.Payload, r.ContentHash)
}

// Decode unmarshals the payload into v.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("audit: decode %s payload %s: %w", r.Kind, r.AuditID, err)
	}
	return nil
}

// Clone copies the record including its payload bytes.
func (r *Record) Clone() Record {
	c := *r
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	return c
}

// Validate checks identity fields, the content hash and the payload schema.
// Every sink calls it before persisting a record.
func Validate(r *Record) error {
	if r == nil || r.AuditID == "" || r.CorrelationID == "" {
		return fmt.Errorf("%w: audit_id and correlation_id are required", ErrInvalidRecord)
	}
	if !r.Kind.Known() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, r.Kind)
	}
	if !r.VerifyHash() {
		return fmt.Errorf("%w: record %s", ErrHashMismatch, r.AuditID)
	}
	return validatePayload(r.Kind, r.Payload)
}
