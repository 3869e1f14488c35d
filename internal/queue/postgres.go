package queue

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/pkg/errors"
)

// PostgresBackend is the durable fallback store. Unlike the stream it supports
// in-place status updates and enforces memory_id uniqueness at the schema level.
type PostgresBackend struct {
	db  *sql.DB
	log *zap.Logger
}

// NewPostgresBackend creates the fallback backend on an open connection pool.
func NewPostgresBackend(db *sql.DB, log *zap.Logger) *PostgresBackend {
	return &PostgresBackend{
		db:  db,
		log: log.With(zap.String("module", "queue_postgres")),
	}
}

var _ Backend = (*PostgresBackend)(nil)

func (b *PostgresBackend) Name() string { return "postgres" }

// Enqueue inserts the record, tolerating a duplicate memory_id: the claim
// marker already guarantees single flagging, so a conflict means this record
// was persisted by an earlier attempt.
func (b *PostgresBackend) Enqueue(ctx context.Context, rec *audit.AuditRecord) (string, error) {
	var id int64
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO audit_records (memory_id, user_query, agent_response, reason, confidence, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (memory_id) DO NOTHING
		 RETURNING id`,
		rec.MemoryID, rec.UserQuery, rec.AgentResponse, nullString(rec.Reason), rec.Confidence,
		string(rec.Status), rec.CreatedAt.UTC(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		// Conflict path: the row exists; return its id.
		if err := b.db.QueryRowContext(ctx,
			`SELECT id FROM audit_records WHERE memory_id = $1`, rec.MemoryID,
		).Scan(&id); err != nil {
			return "", errors.Wrap(err, "select existing record")
		}
		return strconv.FormatInt(id, 10), nil
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			b.log.Error("insert failed", zap.String("pq_code", string(pqErr.Code)), zap.Error(err))
		}
		return "", errors.Wrap(err, "insert audit record")
	}
	return strconv.FormatInt(id, 10), nil
}

// List returns records oldest first, filtered by status when non-empty.
func (b *PostgresBackend) List(ctx context.Context, status audit.Status, limit int) ([]audit.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, memory_id, user_query, agent_response, reason, confidence, status, created_at, reviewed_at
		 FROM audit_records`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list audit records")
	}
	defer rows.Close()

	var recs []audit.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list rows")
	}
	return recs, nil
}

// SetStatus transitions the row out of pending, stamping reviewed_at exactly
// once. The WHERE clause makes the transition a compare-and-set: a second
// caller updates zero rows and gets false.
func (b *PostgresBackend) SetStatus(ctx context.Context, memoryID string, status audit.Status) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE audit_records SET status = $1, reviewed_at = now()
		 WHERE memory_id = $2 AND status = $3`,
		string(status), memoryID, string(audit.StatusPending),
	)
	if err != nil {
		return false, errors.Wrap(err, "update status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

// Counts returns per-status totals.
func (b *PostgresBackend) Counts(ctx context.Context) (Counts, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM audit_records GROUP BY status`,
	)
	if err != nil {
		return Counts{}, errors.Wrap(err, "count by status")
	}
	defer rows.Close()

	var counts Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, errors.Wrap(err, "scan count")
		}
		switch audit.Status(status) {
		case audit.StatusPending:
			counts.Pending = n
		case audit.StatusApproved:
			counts.Approved = n
		case audit.StatusRejected:
			counts.Rejected = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, errors.Wrap(err, "count rows")
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (audit.AuditRecord, error) {
	var rec audit.AuditRecord
	var reason sql.NullString
	var confidence sql.NullFloat64
	var status string
	var reviewedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.MemoryID, &rec.UserQuery, &rec.AgentResponse,
		&reason, &confidence, &status, &rec.CreatedAt, &reviewedAt); err != nil {
		return rec, errors.Wrap(err, "scan audit record")
	}
	rec.Reason = reason.String
	rec.Confidence = confidence.Float64
	rec.Status = audit.Status(status)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		rec.ReviewedAt = &t
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
