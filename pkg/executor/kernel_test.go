package executor

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/approval"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/effector"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/intentstore"
)

type countingEffector struct {
	applied  atomic.Int32
	reverted atomic.Int32
	fail     error
}

func (c *countingEffector) Apply(_ context.Context, intent *contracts.ExecutionIntent) (effector.Result, error) {
	if c.fail != nil {
		return effector.Result{}, c.fail
	}
	c.applied.Add(1)
	return effector.Result{Ref: "fx:" + intent.IntentID}, nil
}

func (c *countingEffector) Revert(_ context.Context, intent *contracts.ExecutionIntent, _ string) (effector.Result, error) {
	c.reverted.Add(1)
	return effector.Result{Ref: "fx:" + intent.IntentID + ":revert"}, nil
}

type fixture struct {
	sink      *audit.MemorySink
	approvals *approval.Service
	intents   *intentstore.Store
	eff       *countingEffector
	kernel    *Kernel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	sink := audit.NewMemorySink()
	rec := audit.NewRecorder(sink).WithClock(clock)
	intents := intentstore.New()
	approvals := approval.NewService(rec).WithClock(clock).WithIntentSource(intents)
	intents.WithBindingSource(approvals)
	eff := &countingEffector{}

	n := 0
	kernel := NewKernel(approvals, intents, eff, rec).
		WithClock(clock).
		WithIDGenerator(func() string {
			n++
			return "intent-" + string(rune('0'+n))
		})
	return &fixture{sink: sink, approvals: approvals, intents: intents, eff: eff, kernel: kernel}
}

func testDecision(class contracts.ActionClass) contracts.Decision {
	return contracts.Decision{
		DecisionID:     "dec-1",
		TenantID:       "tenant-a",
		CellID:         "cell-1",
		Subject:        "host-42",
		Classification: "malicious",
		Severity:       "high",
		Confidence:     0.6,
		ActionClass:    class,
		CorrelationID:  "corr-1",
		TraceID:        "trace-1",
	}
}

func humanVerdict() contracts.Verdict {
	return contracts.Verdict{Outcome: contracts.VerdictRequireHuman, Rationale: "below threshold", RuleIDs: []string{"class.a1.below-threshold"}}
}

// authorize runs the approval protocol for intent and returns the frozen copy.
func (f *fixture) authorize(t *testing.T, intent *contracts.ExecutionIntent, approve bool) *contracts.ExecutionIntent {
	t.Helper()
	ctx := context.Background()
	req, err := f.approvals.Create(ctx, approval.CreateRequest{
		CorrelationID:  intent.CorrelationID,
		TenantID:       intent.TenantID,
		IdempotencyKey: intent.IdempotencyKey,
		ActionClass:    intent.ActionClass,
		Verdict:        intent.SafetyContext.Verdict,
	})
	require.NoError(t, err)
	hash, err := f.intents.Freeze(req.ApprovalID, intent)
	require.NoError(t, err)
	require.NoError(t, f.approvals.BindIntent(ctx, req.ApprovalID, intent.IntentID, intent.IdempotencyKey, hash))
	if approve {
		status, err := f.approvals.Approve(ctx, req.ApprovalID, "alice")
		require.NoError(t, err)
		require.Equal(t, contracts.ApprovalApproved, status)
	}
	frozen, _, err := f.intents.GetByApproval(req.ApprovalID)
	require.NoError(t, err)
	return frozen
}

func (f *fixture) kinds(t *testing.T) []audit.Kind {
	t.Helper()
	recs, err := f.sink.ListByCorrelation(context.Background(), "corr-1")
	require.NoError(t, err)
	out := make([]audit.Kind, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Kind)
	}
	return out
}

func TestCreateExecutionIntent(t *testing.T) {
	f := newFixture(t)
	intent, err := f.kernel.CreateExecutionIntent(context.Background(), testDecision(contracts.ActionSoftContainment), humanVerdict(), "key-1",
		WithParameters(map[string]any{"host": "host-42"}))
	require.NoError(t, err)

	assert.Equal(t, "intent-1", intent.IntentID)
	assert.Equal(t, "key-1", intent.IdempotencyKey)
	assert.Equal(t, "soft_containment", intent.IntentType)
	assert.Equal(t, contracts.VerdictRequireHuman, intent.SafetyContext.Verdict)
	assert.Empty(t, intent.SafetyContext.ApprovalID)
	assert.Equal(t, []audit.Kind{audit.KindIntentCreated}, f.kinds(t))

	recs, _ := f.sink.ListByCorrelation(context.Background(), "corr-1")
	var payload audit.IntentCreated
	require.NoError(t, recs[0].Decode(&payload))
	want, err := intentstore.ComputeIntentHash(intent)
	require.NoError(t, err)
	assert.Equal(t, want, payload.IntentHash)
}

func TestCreateExecutionIntentRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionObserve), humanVerdict(), "")
	require.ErrorIs(t, err, ErrInvalidIntent)

	_, err = f.kernel.CreateExecutionIntent(ctx, testDecision("A9_unknown"), humanVerdict(), "key-1")
	require.ErrorIs(t, err, ErrInvalidIntent)
	assert.Equal(t, 0, f.sink.Len())
}

func TestExecuteObserveWithoutApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionObserve),
		contracts.Verdict{Outcome: contracts.VerdictAllow, Rationale: "observe"}, "key-obs")
	require.NoError(t, err)

	res, err := f.kernel.ExecuteIntent(ctx, intent)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, "fx:intent-1", res.EffectRef)
	assert.Equal(t, int32(1), f.eff.applied.Load())
	assert.Empty(t, f.approvals.List())
	assert.Equal(t, []audit.Kind{audit.KindIntentCreated, audit.KindIntentExecuted}, f.kinds(t))
}

func TestExecuteBlockedWithoutApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionSoftContainment), humanVerdict(), "key-1")
	require.NoError(t, err)

	res, err := f.kernel.ExecuteIntent(ctx, intent)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, RuleApprovalMissing, res.RuleID)
	assert.Equal(t, int32(0), f.eff.applied.Load())
	assert.Equal(t, []audit.Kind{audit.KindIntentCreated, audit.KindIntentDenied}, f.kinds(t))
}

func TestExecuteBlockedWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionSoftContainment), humanVerdict(), "key-1")
	frozen := f.authorize(t, intent, false)

	res, err := f.kernel.ExecuteIntent(ctx, frozen)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, RuleApprovalNotApproved, res.RuleID)
	assert.Contains(t, res.Reason, "PENDING")
	assert.Equal(t, int32(0), f.eff.applied.Load())
}

func TestExecuteUnknownApprovalSurfacesNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionHardContainment), humanVerdict(), "key-1")
	intent.SafetyContext.ApprovalID = "apr-missing"

	res, err := f.kernel.ExecuteIntent(ctx, intent)
	require.ErrorIs(t, err, approval.ErrNotFound)
	assert.False(t, res.Executed)
	assert.Equal(t, RuleApprovalNotFound, res.RuleID)
	assert.Equal(t, int32(0), f.eff.applied.Load())
}

func TestExecuteApprovedThenDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionSoftContainment), humanVerdict(), "key-1")
	frozen := f.authorize(t, intent, true)

	first, err := f.kernel.ExecuteIntent(ctx, frozen)
	require.NoError(t, err)
	require.True(t, first.Executed)
	assert.False(t, first.Duplicate)

	second, err := f.kernel.ExecuteIntent(ctx, frozen)
	require.NoError(t, err)
	assert.True(t, second.Executed)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.IntentHash, second.IntentHash)
	assert.Equal(t, first.EffectRef, second.EffectRef)
	assert.Equal(t, int32(1), f.eff.applied.Load())

	executed := 0
	for _, k := range f.kinds(t) {
		if k == audit.KindIntentExecuted {
			executed++
		}
	}
	assert.Equal(t, 1, executed)
}

func TestExecuteTamperedIntentBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionHardContainment), humanVerdict(), "key-1",
		WithParameters(map[string]any{"scope": "host"}))
	frozen := f.authorize(t, intent, true)

	frozen.Parameters["scope"] = "subnet"
	res, err := f.kernel.ExecuteIntent(ctx, frozen)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, RuleBindingMismatch, res.RuleID)
	assert.Contains(t, res.Reason, "hash")
	assert.Equal(t, int32(0), f.eff.applied.Load())
}

func TestExecuteDeniedApprovalBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionIrreversible), humanVerdict(), "key-1")
	frozen := f.authorize(t, intent, false)
	_, err := f.approvals.Deny(ctx, frozen.SafetyContext.ApprovalID, "bob", "too risky")
	require.NoError(t, err)

	res, err := f.kernel.ExecuteIntent(ctx, frozen)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Contains(t, res.Reason, "DENIED")
}

func TestExecuteEscalatedObserveHonoursApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionObserve), humanVerdict(), "key-1")
	require.NoError(t, err)
	frozen := f.authorize(t, intent, false)

	res, err := f.kernel.ExecuteIntent(ctx, frozen)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, RuleApprovalNotApproved, res.RuleID)

	_, err = f.approvals.Deny(ctx, frozen.SafetyContext.ApprovalID, "bob", "not during the outage")
	require.NoError(t, err)
	res, err = f.kernel.ExecuteIntent(ctx, frozen)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Contains(t, res.Reason, "DENIED")
	assert.Equal(t, int32(0), f.eff.applied.Load())
}

func TestExecuteEscalatedObserveRunsOnceApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionObserve), humanVerdict(), "key-1")
	require.NoError(t, err)
	frozen := f.authorize(t, intent, true)

	res, err := f.kernel.ExecuteIntent(ctx, frozen)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, int32(1), f.eff.applied.Load())
}

func TestExecuteConcurrentSameKeyRunsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionObserve),
		contracts.Verdict{Outcome: contracts.VerdictAllow, Rationale: "observe"}, "key-race")

	var wg sync.WaitGroup
	var executed atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.kernel.ExecuteIntent(ctx, intent)
			if err == nil && res.Executed {
				executed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(16), executed.Load())
	assert.Equal(t, int32(1), f.eff.applied.Load())
}

func TestExecuteEffectorFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eff.fail = errors.New("endpoint unreachable")
	intent, _ := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionObserve),
		contracts.Verdict{Outcome: contracts.VerdictAllow, Rationale: "observe"}, "key-1")

	res, err := f.kernel.ExecuteIntent(ctx, intent)
	require.Error(t, err)
	assert.False(t, res.Executed)

	ok, err := f.kernel.Executed(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, ok, "failed execution must not be recorded")

	// The reservation was released, so a retry can run.
	f.eff.fail = nil
	res, err = f.kernel.ExecuteIntent(ctx, intent)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int32(1), f.eff.applied.Load())
}

func observeIntent(t *testing.T, f *fixture, key string) *contracts.ExecutionIntent {
	t.Helper()
	intent, err := f.kernel.CreateExecutionIntent(context.Background(), testDecision(contracts.ActionObserve),
		contracts.Verdict{Outcome: contracts.VerdictAllow, Rationale: "observe"}, key)
	require.NoError(t, err)
	return intent
}

func TestExecuteSkipsKeyReservedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()
	f.kernel.WithIdempotencyStore(store)
	intent := observeIntent(t, f, "key-1")

	claimed, err := store.Reserve(ctx, "key-1", "intent-remote")
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := f.kernel.ExecuteIntent(ctx, intent)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.True(t, res.Duplicate)
	assert.Contains(t, res.Reason, "intent-remote")
	assert.Equal(t, int32(0), f.eff.applied.Load())
	ok, err := f.kernel.Executed(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, ok)

	created, err := store.Record(ctx, "key-1", IdempotencyEntry{IntentID: "intent-remote", IntentHash: "h", EffectRef: "fx:remote"})
	require.NoError(t, err)
	require.True(t, created)

	res, err = f.kernel.ExecuteIntent(ctx, intent)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "fx:remote", res.EffectRef)
	assert.Equal(t, int32(0), f.eff.applied.Load())
}

func TestKernelsSharingStoreExecuteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()
	f.kernel.WithIdempotencyStore(store)
	other := NewKernel(f.approvals, f.intents, f.eff, audit.NewRecorder(f.sink)).WithIdempotencyStore(store)
	intent := observeIntent(t, f, "key-1")

	var wg sync.WaitGroup
	var executed atomic.Int32
	for i := 0; i < 20; i++ {
		k := f.kernel
		if i%2 == 1 {
			k = other
		}
		wg.Add(1)
		go func(k *Kernel) {
			defer wg.Done()
			res, err := k.ExecuteIntent(ctx, intent.Clone())
			assert.NoError(t, err)
			if res.Executed && !res.Duplicate {
				executed.Add(1)
			}
		}(k)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.eff.applied.Load())
	assert.Equal(t, int32(1), executed.Load())
	e, ok, err := store.Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, e.Pending)
	assert.Equal(t, "fx:"+intent.IntentID, e.EffectRef)
}

// stolenStore loses every reservation before it can be recorded.
type stolenStore struct {
	*MemoryIdempotencyStore
}

func (s stolenStore) Record(context.Context, string, IdempotencyEntry) (bool, error) {
	return false, nil
}

func TestExecuteReportsLostKey(t *testing.T) {
	f := newFixture(t)
	f.kernel.WithIdempotencyStore(stolenStore{NewMemoryIdempotencyStore()})
	intent := observeIntent(t, f, "key-1")

	res, err := f.kernel.ExecuteIntent(context.Background(), intent)
	require.ErrorIs(t, err, ErrKeyLost)
	assert.True(t, res.Executed)
	assert.Equal(t, int32(1), f.eff.applied.Load())
}

func TestRevertIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionObserve),
		contracts.Verdict{Outcome: contracts.VerdictAllow, Rationale: "observe"}, "key-1")

	_, err := f.kernel.RevertIntent(ctx, intent, "false positive")
	require.ErrorIs(t, err, ErrNotExecuted)

	_, err = f.kernel.ExecuteIntent(ctx, intent)
	require.NoError(t, err)

	res, err := f.kernel.RevertIntent(ctx, intent, "false positive")
	require.NoError(t, err)
	assert.Equal(t, "fx:intent-1:revert", res.EffectRef)
	assert.Equal(t, int32(1), f.eff.reverted.Load())

	_, err = f.kernel.RevertIntent(ctx, intent, "again")
	require.ErrorIs(t, err, ErrAlreadyReverted)
	assert.Equal(t, audit.KindIntentReverted, f.kinds(t)[len(f.kinds(t))-1])
}

func TestRestoreExecutionSuppressesReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.kernel.CreateExecutionIntent(ctx, testDecision(contracts.ActionObserve),
		contracts.Verdict{Outcome: contracts.VerdictAllow, Rationale: "observe"}, "key-1")
	require.NoError(t, f.kernel.RestoreExecution(ctx, "key-1", IdempotencyEntry{IntentID: intent.IntentID, IntentHash: "h", EffectRef: "fx:old"}))

	res, err := f.kernel.ExecuteIntent(ctx, intent)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "fx:old", res.EffectRef)
	assert.Equal(t, int32(0), f.eff.applied.Load())
}

func TestKeyLocksReleaseEntries(t *testing.T) {
	kl := newKeyLocks()
	unlock := kl.lock("a")
	unlock()
	assert.Empty(t, kl.locks)
}

func TestMemoryIdempotencyStoreFirstWriterWins(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()

	created, err := s.Record(ctx, "k", IdempotencyEntry{IntentID: "i-1"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Record(ctx, "k", IdempotencyEntry{IntentID: "i-2"})
	require.NoError(t, err)
	assert.False(t, created)

	e, ok, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "i-1", e.IntentID)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryIdempotencyStoreReservation(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()

	claimed, err := s.Reserve(ctx, "k", "i-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = s.Reserve(ctx, "k", "i-2")
	require.NoError(t, err)
	assert.False(t, claimed)

	e, ok, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Pending)

	created, err := s.Record(ctx, "k", IdempotencyEntry{IntentID: "i-2"})
	require.NoError(t, err)
	assert.False(t, created, "another intent's reservation is kept")
	require.NoError(t, s.Release(ctx, "k", "i-2"))
	_, ok, _ = s.Lookup(ctx, "k")
	assert.True(t, ok, "release by a non-holder is ignored")

	created, err = s.Record(ctx, "k", IdempotencyEntry{IntentID: "i-1", EffectRef: "fx:1"})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, s.Release(ctx, "k", "i-1"))
	e, ok, _ = s.Lookup(ctx, "k")
	require.True(t, ok, "a recorded entry is not released")
	assert.False(t, e.Pending)
	assert.Equal(t, "fx:1", e.EffectRef)

	claimed, _ = s.Reserve(ctx, "j", "i-3")
	require.True(t, claimed)
	require.NoError(t, s.Release(ctx, "j", "i-3"))
	_, ok, _ = s.Lookup(ctx, "j")
	assert.False(t, ok)
}

func TestRedisIdempotencyStore(t *testing.T) {
	addr := os.Getenv("EXOARMUR_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	s := NewRedisIdempotencyStore(addr, "", 0, time.Minute)
	defer s.Close()

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("Skipping Redis test: %v", err)
	}

	key := "test-" + time.Now().Format("150405.000000000")
	created, err := s.Record(ctx, key, IdempotencyEntry{IntentID: "i-1", IntentHash: "h1"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Record(ctx, key, IdempotencyEntry{IntentID: "i-2"})
	require.NoError(t, err)
	assert.False(t, created)

	e, ok, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "i-1", e.IntentID)

	reserved := key + "-r"
	claimed, err := s.Reserve(ctx, reserved, "i-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = s.Reserve(ctx, reserved, "i-2")
	require.NoError(t, err)
	assert.False(t, claimed)

	created, err = s.Record(ctx, reserved, IdempotencyEntry{IntentID: "i-2"})
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, s.Release(ctx, reserved, "i-2"))
	e, ok, err = s.Lookup(ctx, reserved)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Pending)

	created, err = s.Record(ctx, reserved, IdempotencyEntry{IntentID: "i-1", EffectRef: "fx:1"})
	require.NoError(t, err)
	assert.True(t, created)
	e, _, err = s.Lookup(ctx, reserved)
	require.NoError(t, err)
	assert.False(t, e.Pending)
	assert.Equal(t, "fx:1", e.EffectRef)

	released := key + "-x"
	claimed, err = s.Reserve(ctx, released, "i-3")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.Release(ctx, released, "i-3"))
	_, ok, err = s.Lookup(ctx, released)
	require.NoError(t, err)
	assert.False(t, ok)
}
