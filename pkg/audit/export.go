package audit

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
)

var (
	// ErrEmptyCorrelationID is returned when correlation ID is empty.
	ErrEmptyCorrelationID = errors.New("audit: correlation_id must not be empty")
	// ErrStoreNotConfigured is returned when audit export is invoked without a backing sink.
	ErrStoreNotConfigured = errors.New("audit: sink not configured (fail-closed)")
	// ErrPackCorrupt is returned when a trail pack fails its own checksums.
	ErrPackCorrupt = errors.New("audit: trail pack corrupt")
)

const (
	packRecordsFile  = "records.jsonl"
	packManifestFile = "manifest.json"
)

// ExportRequest defines what to export.
type ExportRequest struct {
	CorrelationID string `json:"correlation_id"`
}

// TrailManifest describes a packed audit trail.
type TrailManifest struct {
	CorrelationID string `json:"correlation_id"`
	RecordCount   int    `json:"record_count"`
	RecordsSHA256 string `json:"records_sha256"`
	FirstSequence int64  `json:"first_sequence"`
	LastSequence  int64  `json:"last_sequence"`
}

// Exporter packs a correlation's audit trail into a self-verifying zip.
type Exporter struct {
	sink Sink
}

func NewExporter(s Sink) *Exporter {
	return &Exporter{sink: s}
}

// GeneratePack creates a zip file containing the trail and a manifest with checksums.
// The pack is byte-identical for the same records.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.CorrelationID == "" {
		return nil, "", ErrEmptyCorrelationID
	}
	if e.sink == nil {
		return nil, "", ErrStoreNotConfigured
	}
	records, err := e.sink.ListByCorrelation(ctx, req.CorrelationID)
	if err != nil {
		return nil, "", err
	}
	return PackRecords(req.CorrelationID, records)
}

// PackRecords builds a trail pack from records already in hand.
func PackRecords(correlationID string, records []Record) ([]byte, string, error) {
	var lines bytes.Buffer
	for i := range records {
		line, err := canonicalize.JCS(&records[i])
		if err != nil {
			return nil, "", fmt.Errorf("audit: canonicalize record %s: %w", records[i].AuditID, err)
		}
		lines.Write(line)
		lines.WriteByte('\n')
	}

	manifest := TrailManifest{
		CorrelationID: correlationID,
		RecordCount:   len(records),
		RecordsSHA256: canonicalize.HashBytes(lines.Bytes()),
	}
	if len(records) > 0 {
		manifest.FirstSequence = records[0].Sequence
		manifest.LastSequence = records[len(records)-1].Sequence
	}
	manifestJSON, err := canonicalize.JCS(manifest)
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{packRecordsFile, lines.Bytes()},
		{packManifestFile, manifestJSON},
	} {
		f, err := w.CreateHeader(&zip.FileHeader{Name: entry.name, Method: zip.Deflate})
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(entry.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, canonicalize.HashBytes(zipBytes), nil
}

// ReadPack opens a trail pack and verifies the manifest against its records.
func ReadPack(data []byte) (*TrailManifest, []Record, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPackCorrupt, err)
	}
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: open %s: %v", ErrPackCorrupt, f.Name, err)
		}
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read %s: %v", ErrPackCorrupt, f.Name, err)
		}
		files[f.Name] = b
	}

	manifestJSON, ok := files[packManifestFile]
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing %s", ErrPackCorrupt, packManifestFile)
	}
	var manifest TrailManifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, nil, fmt.Errorf("%w: manifest: %v", ErrPackCorrupt, err)
	}
	lines := files[packRecordsFile]
	if got := canonicalize.HashBytes(lines); got != manifest.RecordsSHA256 {
		return nil, nil, fmt.Errorf("%w: records checksum %s != manifest %s", ErrPackCorrupt, got, manifest.RecordsSHA256)
	}

	var records []Record
	sc := bufio.NewScanner(bytes.NewReader(lines))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, nil, fmt.Errorf("%w: record line: %v", ErrPackCorrupt, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPackCorrupt, err)
	}
	if len(records) != manifest.RecordCount {
		return nil, nil, fmt.Errorf("%w: %d records, manifest says %d", ErrPackCorrupt, len(records), manifest.RecordCount)
	}
	return &manifest, records, nil
}
