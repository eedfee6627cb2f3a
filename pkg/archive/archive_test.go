package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

func seedSink(t *testing.T) *audit.MemorySink {
	t.Helper()
	sink := audit.NewMemorySink()
	rec := audit.NewRecorder(sink).WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})
	scope := audit.Scope{TenantID: "tenant-a", CorrelationID: "corr-1", IdempotencyKey: "key-1"}
	_, err := rec.Emit(context.Background(), audit.KindTelemetryIngested, scope, audit.TelemetryIngested{
		Decision: contracts.Decision{DecisionID: "dec-1", TenantID: "tenant-a", Subject: "host-1", Confidence: 0.7,
			ActionClass: contracts.ActionObserve, CorrelationID: "corr-1"},
	})
	require.NoError(t, err)
	_, err = rec.Emit(context.Background(), audit.KindIntentDenied, scope, audit.IntentDenied{
		IntentID: "int-1", IdempotencyKey: "key-1", Reason: "approval missing", RuleID: "approval.missing",
	})
	require.NoError(t, err)
	return sink
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(ctx, []byte("trail"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "sha256:"))
	assert.Equal(t, RefFor([]byte("trail")), ref)

	again, err := s.Put(ctx, []byte("trail"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "trail", string(data))

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, ref))
}

func TestFileStoreRejectsBadRefs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, ref := range []string{"", "md5:abc", "sha256:zz", "sha256:../../etc/passwd"} {
		_, err := s.Get(context.Background(), ref)
		assert.ErrorIs(t, err, ErrInvalidRef, ref)
	}
}

func TestNewStoreDefaultsToFilesystem(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(context.Background(), Config{Dir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", s)
	assert.Equal(t, filepath.Join(dir, "archive"), fs.baseDir)
}

func TestNewStoreErrors(t *testing.T) {
	ctx := context.Background()
	_, err := NewStore(ctx, Config{Backend: BackendS3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")

	_, err = NewStore(ctx, Config{Backend: "tape"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported archive backend")
}

func TestExportAndLoadTrail(t *testing.T) {
	ctx := context.Background()
	sink := seedSink(t)
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	a := NewArchiver(store, sink)

	ref, err := a.ExportTrail(ctx, "corr-1")
	require.NoError(t, err)

	again, err := a.ExportTrail(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, ref, again, "export is deterministic")

	manifest, records, err := a.LoadTrail(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", manifest.CorrelationID)
	assert.Equal(t, 2, manifest.RecordCount)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.True(t, r.VerifyHash())
	}
}

func TestExportUnknownCorrelation(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = NewArchiver(store, audit.NewMemorySink()).ExportTrail(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNoRecords)
}

func TestLoadTrailDetectsCorruptBlob(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	a := NewArchiver(store, seedSink(t))

	ref, err := a.ExportTrail(ctx, "corr-1")
	require.NoError(t, err)
	digest := strings.TrimPrefix(ref, "sha256:")
	require.NoError(t, os.WriteFile(filepath.Join(dir, digest+".blob"), []byte("garbage"), 0o600))

	_, _, err = a.LoadTrail(ctx, ref)
	require.ErrorIs(t, err, audit.ErrPackCorrupt)
}
