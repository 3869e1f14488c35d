package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/pkg/errors"
	"github.com/recallguard/recallguard/pkg/redis"
)

const (
	// streamKey is the append-only log of audit record entries.
	streamKey = "recallguard:audit:stream"
	// streamGroup is the consumer group registered for downstream readers.
	streamGroup = "recallguard-reviewers"
)

// StreamBackend stores audit records as entries on a Redis stream. The stream
// is immutable, so a status change is appended as a new entry with the same
// memory id; readers fold the stream keeping the latest entry per memory id.
type StreamBackend struct {
	client *redis.Client
	log    *zap.Logger
}

// NewStreamBackend creates the streaming backend and registers its consumer
// group, creating the stream if it does not exist yet.
func NewStreamBackend(ctx context.Context, client *redis.Client, log *zap.Logger) (*StreamBackend, error) {
	b := &StreamBackend{
		client: client,
		log:    log.With(zap.String("module", "queue_stream")),
	}
	err := client.XGroupCreateMkStream(ctx, streamKey, streamGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, errors.Wrap(err, "create consumer group")
	}
	return b, nil
}

var _ Backend = (*StreamBackend)(nil)

func (b *StreamBackend) Name() string { return "stream" }

// Enqueue appends the record and returns the backend-assigned sequence id.
func (b *StreamBackend) Enqueue(ctx context.Context, rec *audit.AuditRecord) (string, error) {
	id, err := b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey,
		Values: encodeEntry(rec),
	}).Result()
	if err != nil {
		return "", errors.Wrap(err, "xadd")
	}
	return id, nil
}

// fold reads the whole stream and reduces it by memory id, keeping the most
// recent entry as the logical current state.
func (b *StreamBackend) fold(ctx context.Context) (map[string]audit.AuditRecord, []string, error) {
	msgs, err := b.client.XRange(ctx, streamKey, "-", "+").Result()
	if err != nil {
		return nil, nil, errors.Wrap(err, "xrange")
	}
	folded, order := foldMessages(msgs, b.log)
	return folded, order, nil
}

// foldMessages reduces ordered stream entries by memory id; the last entry for
// a given id is its logical current state. Undecodable entries are skipped.
func foldMessages(msgs []goredis.XMessage, log *zap.Logger) (map[string]audit.AuditRecord, []string) {
	folded := make(map[string]audit.AuditRecord, len(msgs))
	order := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		rec, err := decodeEntry(msg.Values)
		if err != nil {
			log.Warn("skipping undecodable stream entry",
				zap.String("entry_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if _, seen := folded[rec.MemoryID]; !seen {
			order = append(order, rec.MemoryID)
		}
		folded[rec.MemoryID] = rec
	}
	return folded, order
}

// List folds the stream and returns records matching status (empty status
// matches all), in first-enqueued order.
func (b *StreamBackend) List(ctx context.Context, status audit.Status, limit int) ([]audit.AuditRecord, error) {
	folded, order, err := b.fold(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]audit.AuditRecord, 0, len(order))
	for _, id := range order {
		rec := folded[id]
		if status != "" && rec.Status != status {
			continue
		}
		recs = append(recs, rec)
		if limit > 0 && len(recs) >= limit {
			break
		}
	}
	return recs, nil
}

// SetStatus appends a superseding entry with the new status. Returns false
// when the folded state has no pending record for memoryID. The fold and the
// append are two round trips; concurrent transitions on the same memory id
// must be serialized by the caller (the store holds the per-record lock).
func (b *StreamBackend) SetStatus(ctx context.Context, memoryID string, status audit.Status) (bool, error) {
	folded, _, err := b.fold(ctx)
	if err != nil {
		return false, err
	}
	rec, ok := folded[memoryID]
	if !ok || rec.Status != audit.StatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.ReviewedAt = &now
	if err := b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey,
		Values: encodeEntry(&rec),
	}).Err(); err != nil {
		return false, errors.Wrap(err, "xadd status entry")
	}
	return true, nil
}

// Counts folds the stream and counts records per status.
func (b *StreamBackend) Counts(ctx context.Context) (Counts, error) {
	folded, _, err := b.fold(ctx)
	if err != nil {
		return Counts{}, err
	}
	var counts Counts
	for _, rec := range folded {
		switch rec.Status {
		case audit.StatusPending:
			counts.Pending++
		case audit.StatusApproved:
			counts.Approved++
		case audit.StatusRejected:
			counts.Rejected++
		}
	}
	return counts, nil
}

func encodeEntry(rec *audit.AuditRecord) map[string]interface{} {
	values := map[string]interface{}{
		"memory_id":      rec.MemoryID,
		"user_query":     rec.UserQuery,
		"agent_response": rec.AgentResponse,
		"reason":         rec.Reason,
		"confidence":     strconv.FormatFloat(rec.Confidence, 'f', -1, 64),
		"status":         string(rec.Status),
		"created_at":     rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.ReviewedAt != nil {
		values["reviewed_at"] = rec.ReviewedAt.UTC().Format(time.RFC3339Nano)
	}
	return values
}

func decodeEntry(values map[string]interface{}) (audit.AuditRecord, error) {
	rec := audit.AuditRecord{
		MemoryID:      stringValue(values, "memory_id"),
		UserQuery:     stringValue(values, "user_query"),
		AgentResponse: stringValue(values, "agent_response"),
		Reason:        stringValue(values, "reason"),
		Status:        audit.Status(stringValue(values, "status")),
	}
	if rec.MemoryID == "" {
		return rec, errors.New("entry missing memory_id")
	}
	if v := stringValue(values, "confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return rec, errors.Wrap(err, "parse confidence")
		}
		rec.Confidence = c
	}
	if v := stringValue(values, "created_at"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return rec, errors.Wrap(err, "parse created_at")
		}
		rec.CreatedAt = t
	}
	if v := stringValue(values, "reviewed_at"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return rec, errors.Wrap(err, "parse reviewed_at")
		}
		rec.ReviewedAt = &t
	}
	return rec, nil
}

func stringValue(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
