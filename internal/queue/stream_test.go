package queue

import (
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
)

func TestEntryCodecRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &audit.AuditRecord{
		MemoryID:      "mem_codec",
		UserQuery:     "query",
		AgentResponse: "response",
		Reason:        "suspect",
		Confidence:    0.75,
		Status:        audit.StatusPending,
		CreatedAt:     now,
	}

	decoded, err := decodeEntry(encodeEntry(rec))
	require.NoError(t, err)
	assert.Equal(t, rec.MemoryID, decoded.MemoryID)
	assert.Equal(t, rec.Reason, decoded.Reason)
	assert.InDelta(t, rec.Confidence, decoded.Confidence, 1e-9)
	assert.Equal(t, rec.Status, decoded.Status)
	assert.True(t, rec.CreatedAt.Equal(decoded.CreatedAt))
	assert.Nil(t, decoded.ReviewedAt)
}

func TestDecodeEntryRejectsMissingID(t *testing.T) {
	_, err := decodeEntry(map[string]interface{}{"status": "pending"})
	assert.Error(t, err)
}

func entry(id string, rec *audit.AuditRecord) goredis.XMessage {
	return goredis.XMessage{ID: id, Values: encodeEntry(rec)}
}

func TestFoldKeepsLatestEntryPerMemoryID(t *testing.T) {
	now := time.Now().UTC()
	first := &audit.AuditRecord{MemoryID: "mem_a", UserQuery: "q", AgentResponse: "r",
		Confidence: 0.6, Status: audit.StatusPending, CreatedAt: now}
	superseding := &audit.AuditRecord{MemoryID: "mem_a", UserQuery: "q", AgentResponse: "r",
		Confidence: 0.6, Status: audit.StatusApproved, CreatedAt: now, ReviewedAt: &now}
	other := &audit.AuditRecord{MemoryID: "mem_b", UserQuery: "q2", AgentResponse: "r2",
		Confidence: 0.8, Status: audit.StatusPending, CreatedAt: now}

	msgs := []goredis.XMessage{
		entry("1-0", first),
		entry("2-0", other),
		entry("3-0", superseding),
	}

	folded, order := foldMessages(msgs, zap.NewNop())
	require.Len(t, folded, 2)
	assert.Equal(t, []string{"mem_a", "mem_b"}, order)
	assert.Equal(t, audit.StatusApproved, folded["mem_a"].Status)
	require.NotNil(t, folded["mem_a"].ReviewedAt)
	assert.Equal(t, audit.StatusPending, folded["mem_b"].Status)
}

func TestFoldSkipsUndecodableEntries(t *testing.T) {
	now := time.Now().UTC()
	good := &audit.AuditRecord{MemoryID: "mem_ok", UserQuery: "q", AgentResponse: "r",
		Confidence: 0.5, Status: audit.StatusPending, CreatedAt: now}

	msgs := []goredis.XMessage{
		{ID: "1-0", Values: map[string]interface{}{"garbage": "x"}},
		entry("2-0", good),
	}

	folded, order := foldMessages(msgs, zap.NewNop())
	require.Len(t, folded, 1)
	assert.Equal(t, []string{"mem_ok"}, order)
}
