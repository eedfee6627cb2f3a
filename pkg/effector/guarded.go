package effector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// permanentError marks a failure that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Guarded returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Guarded wraps an Effector with rate limiting and bounded retries. The
// retries are safe because the kernel only invokes an intent once per
// idempotency key and effectors are idempotent per intent id.
type Guarded struct {
	next    Effector
	limiter *rate.Limiter
	policy  BackoffPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// NewGuarded wraps next. ratePerSecond <= 0 disables rate limiting.
func NewGuarded(next Effector, ratePerSecond float64, burst int, policy BackoffPolicy) *Guarded {
	if policy.MaxAttempts <= 0 {
		policy = DefaultBackoffPolicy()
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Guarded{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		policy:  policy,
		sleep:   sleepContext,
		logger:  slog.Default().With("component", "effector.guarded"),
	}
}

// WithSleep replaces the backoff sleeper, for tests.
func (g *Guarded) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Guarded {
	g.sleep = sleep
	return g
}

func (g *Guarded) Apply(ctx context.Context, intent *contracts.ExecutionIntent) (Result, error) {
	return g.do(ctx, intent, "apply", func(ctx context.Context) (Result, error) {
		return g.next.Apply(ctx, intent)
	})
}

func (g *Guarded) Revert(ctx context.Context, intent *contracts.ExecutionIntent, reason string) (Result, error) {
	return g.do(ctx, intent, "revert", func(ctx context.Context) (Result, error) {
		return g.next.Revert(ctx, intent, reason)
	})
}

func (g *Guarded) do(ctx context.Context, intent *contracts.ExecutionIntent, op string, call func(context.Context) (Result, error)) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < g.policy.MaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("effector %s rate limit: %w", op, err)
		}
		res, err := call(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if IsPermanent(err) || attempt == g.policy.MaxAttempts-1 {
			break
		}
		delay := ComputeBackoff(intent.IntentID, attempt, g.policy)
		g.logger.Warn("effector call failed, retrying",
			"op", op, "intent_id", intent.IntentID, "attempt", attempt+1, "delay", delay, "error", err)
		if err := g.sleep(ctx, delay); err != nil {
			return Result{}, fmt.Errorf("effector %s: %w", op, err)
		}
	}
	return Result{}, fmt.Errorf("effector %s failed for intent %s: %w", op, intent.IntentID, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
