package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
)

// ReadRecordsFile reads a JSONL audit trail, one record per line.
func ReadRecordsFile(path string) ([]audit.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trail: %w", err)
	}
	defer f.Close()

	return ReadRecords(f)
}

// ReadRecords reads a JSONL audit trail from r.
func ReadRecords(r io.Reader) ([]audit.Record, error) {
	dec := json.NewDecoder(r)

	var records []audit.Record
	for dec.More() {
		var rec audit.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReplayFile replays a JSONL trail. Every record must belong to one
// correlation.
func (e *Engine) ReplayFile(path string) (*Report, error) {
	records, err := ReadRecordsFile(path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("replay: %s: %w", path, audit.ErrNoRecords)
	}
	correlationID := records[0].CorrelationID
	for _, rec := range records[1:] {
		if rec.CorrelationID != correlationID {
			return nil, fmt.Errorf("replay: %s mixes correlations %s and %s", path, correlationID, rec.CorrelationID)
		}
	}
	return e.ReplayRecords(correlationID, records), nil
}
