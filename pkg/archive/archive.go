package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
)

// Archiver exports correlation trails from an audit sink into a Store and
// loads them back for offline replay.
type Archiver struct {
	store    Store
	exporter *audit.Exporter
	logger   *slog.Logger
}

// NewArchiver creates an archiver. sink may be nil when only loading.
func NewArchiver(store Store, sink audit.Sink) *Archiver {
	return &Archiver{
		store:    store,
		exporter: audit.NewExporter(sink),
		logger:   slog.Default().With("component", "archive"),
	}
}

// WithLogger sets the structured logger.
func (a *Archiver) WithLogger(l *slog.Logger) *Archiver {
	if l != nil {
		a.logger = l
	}
	return a
}

// ExportTrail packs every record of correlationID and stores the pack. The
// returned reference is the content address of the pack.
func (a *Archiver) ExportTrail(ctx context.Context, correlationID string) (string, error) {
	pack, _, err := a.exporter.GeneratePack(ctx, audit.ExportRequest{CorrelationID: correlationID})
	if err != nil {
		return "", fmt.Errorf("archive: export %s: %w", correlationID, err)
	}
	ref, err := a.store.Put(ctx, pack)
	if err != nil {
		return "", fmt.Errorf("archive: store %s: %w", correlationID, err)
	}
	a.logger.Info("trail archived", "correlation_id", correlationID, "ref", ref, "bytes", len(pack))
	return ref, nil
}

// LoadTrail fetches a pack, checks it against its reference and manifest,
// and returns its records.
func (a *Archiver) LoadTrail(ctx context.Context, ref string) (*audit.TrailManifest, []audit.Record, error) {
	data, err := a.store.Get(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if got := RefFor(data); got != ref {
		return nil, nil, fmt.Errorf("%w: blob %s hashes to %s", audit.ErrPackCorrupt, ref, got)
	}
	return audit.ReadPack(data)
}
