// Package memory provides interaction store implementations. The Postgres
// store backs the claim primitives with a unique-constraint insert: whichever
// caller's insert lands first wins the claim, every later caller sees a
// conflict and loses. The claim marker is the single authoritative
// "has this been processed" signal for the pipeline.
package memory

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/pkg/errors"
)

// Claim kinds recorded in the marker table.
const (
	claimFlagged = "flagged"
	claimDeleted = "deleted"
)

// PostgresStore implements audit.InteractionStore on Postgres.
type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewPostgresStore creates the store on an open connection pool.
func NewPostgresStore(db *sql.DB, log *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: log.With(zap.String("module", "interaction_store")),
	}
}

var _ audit.InteractionStore = (*PostgresStore)(nil)

// ListRecent returns the most recently created interaction records.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]audit.InteractionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, user_query, agent_response, rating
		 FROM interaction_records ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent interactions")
	}
	defer rows.Close()

	var recs []audit.InteractionRecord
	for rows.Next() {
		var rec audit.InteractionRecord
		var rating sql.NullInt64
		if err := rows.Scan(&rec.MemoryID, &rec.UserQuery, &rec.AgentResponse, &rating); err != nil {
			return nil, errors.Wrap(err, "scan interaction")
		}
		if rating.Valid {
			r := int(rating.Int64)
			rec.Rating = &r
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "interaction rows")
	}
	return recs, nil
}

// IsProcessed reports whether any claim marker exists for memoryID.
func (s *PostgresStore) IsProcessed(ctx context.Context, memoryID string) (bool, error) {
	return s.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM memory_claims WHERE memory_id = $1)`, memoryID)
}

// IsFlagged reports whether a flag claim exists for memoryID.
func (s *PostgresStore) IsFlagged(ctx context.Context, memoryID string) (bool, error) {
	return s.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM memory_claims WHERE memory_id = $1 AND kind = $2)`,
		memoryID, claimFlagged)
}

// IsApproved reports whether a reviewer approved this interaction.
func (s *PostgresStore) IsApproved(ctx context.Context, memoryID string) (bool, error) {
	return s.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM interaction_observations WHERE memory_id = $1 AND observation = $2)`,
		memoryID, "MANUALLY_APPROVED")
}

func (s *PostgresStore) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, errors.Wrap(err, "existence check")
	}
	return ok, nil
}

// AtomicCheckAndFlag claims memoryID for flagging. The primary key on
// memory_claims makes the insert the compare-and-set: exactly one concurrent
// caller gets RowsAffected == 1.
func (s *PostgresStore) AtomicCheckAndFlag(ctx context.Context, memoryID, reason string, confidence float64) (bool, error) {
	return s.claim(ctx,
		`INSERT INTO memory_claims (memory_id, kind, reason, confidence)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (memory_id) DO NOTHING`,
		memoryID, claimFlagged, reason, confidence)
}

// AtomicCheckAndDelete claims memoryID for deletion under the same marker.
func (s *PostgresStore) AtomicCheckAndDelete(ctx context.Context, memoryID string) (bool, error) {
	return s.claim(ctx,
		`INSERT INTO memory_claims (memory_id, kind)
		 VALUES ($1, $2) ON CONFLICT (memory_id) DO NOTHING`,
		memoryID, claimDeleted)
}

func (s *PostgresStore) claim(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "claim insert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "claim rows affected")
	}
	return n == 1, nil
}

// AddObservation appends free-form reviewer text to an interaction.
func (s *PostgresStore) AddObservation(ctx context.Context, memoryID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interaction_observations (memory_id, observation) VALUES ($1, $2)`,
		memoryID, text)
	if err != nil {
		return errors.Wrap(err, "add observation")
	}
	return nil
}

// DeleteInteraction removes the interaction record. The claim marker stays:
// claims are never rolled back.
func (s *PostgresStore) DeleteInteraction(ctx context.Context, memoryID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM interaction_records WHERE memory_id = $1`, memoryID)
	if err != nil {
		return errors.Wrap(err, "delete interaction")
	}
	return nil
}
