package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amishk599/harvester/internal/model"
)

var (
	// ErrEntryExists is returned when an entry with the same id was already appended.
	ErrEntryExists = errors.New("audit entry already exists")
	// ErrRetention is returned when a purge cutoff would delete entries
	// younger than the configured minimum retention.
	ErrRetention = errors.New("purge cutoff inside minimum retention")
)

// The trigger makes every row write-once at the storage level too.
const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_created ON audit_entries (created_at);
CREATE INDEX IF NOT EXISTS audit_entries_user ON audit_entries (user_id, created_at);
CREATE TRIGGER IF NOT EXISTS audit_entries_immutable
BEFORE UPDATE ON audit_entries
BEGIN
	SELECT RAISE(ABORT, 'audit entries are immutable');
END;
`

// Filter narrows Query and Export. Zero values match everything; From is
// inclusive and To exclusive.
type Filter struct {
	UserID string
	Action string
	Status model.AuditStatus
	From   time.Time
	To     time.Time
	Limit  int
}

// Format is a bulk export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat maps "json" or "csv" to a Format. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json or csv)", s)
}

// Log is the append-only audit log stored in SQLite.
type Log struct {
	db           *sql.DB
	minRetention time.Duration
	now          func() time.Time
}

// NewLog creates the audit table on db. Purge refuses cutoffs newer than
// now minus minRetention.
func NewLog(db *sql.DB, minRetention time.Duration) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating audit table: %w", err)
	}
	return &Log{db: db, minRetention: minRetention, now: time.Now}, nil
}

// Append stores entry. A missing id or timestamp is filled in.
func (l *Log) Append(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	meta, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	res, err := l.db.ExecContext(ctx, `INSERT INTO audit_entries
		(id, user_id, action, resource_type, status, error_message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.UserID, entry.Action, entry.ResourceType, string(entry.Status),
		entry.ErrorMessage, meta, entry.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("appending audit entry %s: %w", entry.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("appending audit entry %s: %w", entry.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("audit entry %s: %w", entry.ID, ErrEntryExists)
	}
	return nil
}

// Query returns matching entries, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]model.AuditEntry, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UnixNano())
	}

	q := `SELECT id, user_id, action, resource_type, status, error_message, metadata, created_at FROM audit_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e       model.AuditEntry
			status  string
			meta    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.ResourceType, &status, &e.ErrorMessage, &meta, &created); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Status = model.AuditStatus(status)
		e.CreatedAt = time.Unix(0, created).UTC()
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of audit entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return n, nil
}

var csvHeader = []string{"id", "user_id", "action", "resource_type", "status", "error_message", "metadata", "created_at"}

// Export writes the entries matching f to w.
func (l *Log) Export(ctx context.Context, w io.Writer, format Format, f Filter) error {
	entries, err := l.Query(ctx, f)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		if entries == nil {
			entries = []model.AuditEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("encoding audit export: %w", err)
		}
		return nil

	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
		for _, e := range entries {
			meta, err := encodeMetadata(e.Metadata)
			if err != nil {
				return err
			}
			record := []string{
				e.ID, e.UserID, e.Action, e.ResourceType, string(e.Status),
				e.ErrorMessage, meta, e.CreatedAt.Format(time.RFC3339Nano),
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("writing csv record %s: %w", e.ID, err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("flushing csv export: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown export format %q", format)
}

// Purge deletes entries created before cutoff and returns how many went.
func (l *Log) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	limit := l.now().Add(-l.minRetention)
	if cutoff.After(limit) {
		return 0, fmt.Errorf("cutoff %s is after %s: %w", cutoff.Format(time.RFC3339), limit.Format(time.RFC3339), ErrRetention)
	}
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE created_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purging audit log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging audit log: %w", err)
	}
	return n, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding audit metadata: %w", err)
	}
	return string(b), nil
}
