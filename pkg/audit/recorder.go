package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter is what pipeline components depend on to write audit records.
type Emitter interface {
	Emit(ctx context.Context, kind Kind, scope Scope, payload any) (*Record, error)
}

// Recorder builds records and appends them to a Sink. Failure to append is
// returned to the caller; the recorder never assumes success.
type Recorder struct {
	sink   Sink
	clock  func() time.Time
	newID  func() string
	logger *slog.Logger

	mu     sync.Mutex
	mirror io.Writer
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{
		sink:   sink,
		clock:  time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// WithIDGenerator overrides audit id generation.
func (r *Recorder) WithIDGenerator(gen func() string) *Recorder {
	r.newID = gen
	return r
}

// WithMirror copies every appended record to w as an "AUDIT: " prefixed JSON line.
func (r *Recorder) WithMirror(w io.Writer) *Recorder {
	r.mirror = w
	return r
}

// WithLogger sets the structured logger.
func (r *Recorder) WithLogger(l *slog.Logger) *Recorder {
	if l != nil {
		r.logger = l
	}
	return r
}

// Sink returns the underlying sink.
func (r *Recorder) Sink() Sink { return r.sink }

// Emit canonicalizes payload into a record and appends it.
func (r *Recorder) Emit(ctx context.Context, kind Kind, scope Scope, payload any) (*Record, error) {
	if r.sink == nil {
		return nil, fmt.Errorf("fail-closed: audit sink not configured")
	}
	rec, err := NewRecord(r.newID(), kind, scope, payload, r.clock())
	if err != nil {
		return nil, err
	}
	if err := r.sink.Append(ctx, rec); err != nil {
		r.logger.Error("audit append failed",
			"kind", kind, "correlation_id", scope.CorrelationID, "audit_id", rec.AuditID, "error", err)
		return nil, err
	}
	r.logger.Debug("audit record appended",
		"kind", kind, "correlation_id", scope.CorrelationID, "sequence", rec.Sequence)
	r.writeMirror(rec)
	return rec, nil
}

func (r *Recorder) writeMirror(rec *Record) {
	if r.mirror == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, _ = r.mirror.Write(append([]byte("AUDIT: "), append(line, '\n')...))
}
