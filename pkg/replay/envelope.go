package replay

import (
	"sort"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
)

// OrderingKey totally orders the records of one correlation. Timestamps are
// second-resolution and writers may be concurrent, so the kind priority, the
// audit id and finally the sink sequence break ties.
type OrderingKey struct {
	RecordedAt time.Time `json:"recorded_at"`
	Priority   int       `json:"priority"`
	AuditID    string    `json:"audit_id"`
	Sequence   int64     `json:"sequence"`
}

// Less reports whether k sorts before o.
func (k OrderingKey) Less(o OrderingKey) bool {
	if !k.RecordedAt.Equal(o.RecordedAt) {
		return k.RecordedAt.Before(o.RecordedAt)
	}
	if k.Priority != o.Priority {
		return k.Priority < o.Priority
	}
	if k.AuditID != o.AuditID {
		return k.AuditID < o.AuditID
	}
	return k.Sequence < o.Sequence
}

// Envelope wraps a record with its ordering key.
type Envelope struct {
	Key    OrderingKey
	Record audit.Record
}

// KeyFor derives the ordering key of a record.
func KeyFor(rec audit.Record) OrderingKey {
	return OrderingKey{
		RecordedAt: rec.RecordedAt.UTC(),
		Priority:   rec.Kind.Priority(),
		AuditID:    rec.AuditID,
		Sequence:   rec.Sequence,
	}
}

// Wrap builds envelopes for records and sorts them by ordering key. The input
// order does not affect the result.
func Wrap(records []audit.Record) []Envelope {
	envs := make([]Envelope, len(records))
	for i, rec := range records {
		envs[i] = Envelope{Key: KeyFor(rec), Record: rec.Clone()}
	}
	sort.SliceStable(envs, func(i, j int) bool { return envs[i].Key.Less(envs[j].Key) })
	return envs
}
