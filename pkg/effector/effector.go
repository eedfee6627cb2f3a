// Package effector defines the boundary across which the control plane causes
// real-world effects, plus a logging effector and a reliability wrapper.
package effector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// Result describes an applied or reverted effect.
type Result struct {
	// Ref is an opaque reference to the effect in the target system.
	Ref string `json:"ref"`
}

// Effector performs and undoes the physical action an intent describes.
// Implementations must be idempotent per intent id: the kernel guarantees
// at-most-once invocation per idempotency key, but a retrying wrapper may
// repeat a call whose outcome was lost.
type Effector interface {
	Apply(ctx context.Context, intent *contracts.ExecutionIntent) (Result, error)
	Revert(ctx context.Context, intent *contracts.ExecutionIntent, reason string) (Result, error)
}

// LogEffector logs each effect instead of performing it and remembers what
// it applied. It is the default effector of the CLI.
type LogEffector struct {
	mu       sync.Mutex
	logger   *slog.Logger
	applied  []string
	reverted []string
}

// NewLogEffector creates a LogEffector. A nil logger uses slog.Default().
func NewLogEffector(logger *slog.Logger) *LogEffector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEffector{logger: logger.With("component", "effector")}
}

func (e *LogEffector) Apply(ctx context.Context, intent *contracts.ExecutionIntent) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	e.logger.InfoContext(ctx, "effect applied",
		"intent_id", intent.IntentID,
		"idempotency_key", intent.IdempotencyKey,
		"intent_type", intent.IntentType,
		"action_class", intent.ActionClass,
		"subject", intent.Subject)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, intent.IntentID)
	return Result{Ref: fmt.Sprintf("log:%s", intent.IntentID)}, nil
}

func (e *LogEffector) Revert(ctx context.Context, intent *contracts.ExecutionIntent, reason string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	e.logger.InfoContext(ctx, "effect reverted",
		"intent_id", intent.IntentID,
		"idempotency_key", intent.IdempotencyKey,
		"reason", reason)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reverted = append(e.reverted, intent.IntentID)
	return Result{Ref: fmt.Sprintf("log:%s:revert", intent.IntentID)}, nil
}

// Applied returns the intent ids applied so far, in order.
func (e *LogEffector) Applied() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.applied...)
}

// Reverted returns the intent ids reverted so far, in order.
func (e *LogEffector) Reverted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.reverted...)
}
