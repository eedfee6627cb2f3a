package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and DDL for the SQL sink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a driver name onto a dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("audit: unsupported sql driver %q", driver)
	}
}

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() string {
	seq := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		seq = "BIGSERIAL PRIMARY KEY"
	}
	return `
CREATE TABLE IF NOT EXISTS audit_records (
	sequence ` + seq + `,
	audit_id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	cell_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	trace_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	payload TEXT NOT NULL,
	content_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_correlation ON audit_records (correlation_id, sequence);
`
}

// SQLSink implements Sink using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps an open database. Call Init before first use.
func NewSQLSink(db *sql.DB, dialect Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

// OpenSQLSink opens the database, applies the schema and returns the sink.
func OpenSQLSink(ctx context.Context, driver, dsn string) (*SQLSink, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single connection keeps ":memory:" databases shared and serialises writers.
		db.SetMaxOpenConns(1)
	}
	s := NewSQLSink(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the table and index if they do not exist.
func (s *SQLSink) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema()); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLSink) Close() error {
	return s.db.Close()
}

func (s *SQLSink) Append(ctx context.Context, rec *Record) error {
	if err := Validate(rec); err != nil {
		return err
	}

	query := s.dialect.rebind(`
		INSERT INTO audit_records (audit_id, tenant_id, cell_id, idempotency_key, correlation_id, trace_id, kind, recorded_at, payload, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING sequence`)
	row := s.db.QueryRowContext(ctx, query,
		rec.AuditID, rec.TenantID, rec.CellID, rec.IdempotencyKey, rec.CorrelationID, rec.TraceID,
		string(rec.Kind), rec.RecordedAt.UTC().Format(time.RFC3339Nano), string(rec.Payload), rec.ContentHash,
	)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.AuditID)
		}
		return fmt.Errorf("audit: insert %s: %w", rec.AuditID, err)
	}
	rec.Sequence = seq
	return nil
}

func (s *SQLSink) ListByCorrelation(ctx context.Context, correlationID string) ([]Record, error) {
	query := s.dialect.rebind(`
		SELECT sequence, audit_id, tenant_id, cell_id, idempotency_key, correlation_id, trace_id, kind, recorded_at, payload, content_hash
		FROM audit_records
		WHERE correlation_id = ?
		ORDER BY sequence`)
	rows, err := s.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("audit: query %s: %w", correlationID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, correlationID)
	}
	return out, nil
}

func (s *SQLSink) Correlations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT correlation_id FROM audit_records ORDER BY correlation_id`)
	if err != nil {
		return nil, fmt.Errorf("audit: list correlations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec        Record
		kind       string
		recordedAt string
		payload    string
	)
	err := row.Scan(&rec.Sequence, &rec.AuditID, &rec.TenantID, &rec.CellID, &rec.IdempotencyKey,
		&rec.CorrelationID, &rec.TraceID, &kind, &recordedAt, &payload, &rec.ContentHash)
	if err != nil {
		return Record{}, fmt.Errorf("audit: scan record: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return Record{}, fmt.Errorf("audit: record %s has malformed recorded_at %q: %w", rec.AuditID, recordedAt, err)
	}
	rec.Kind = Kind(kind)
	rec.RecordedAt = ts.UTC()
	rec.Payload = []byte(payload)
	return rec, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
