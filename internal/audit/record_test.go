package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallguard/recallguard/pkg/errors"
)

func validRecord() *AuditRecord {
	return &AuditRecord{
		MemoryID:      "mem_1",
		UserQuery:     "Why did job X abend?",
		AgentResponse: "Disk full.",
		Reason:        "response contradicts job log",
		Confidence:    0.7,
		Status:        StatusPending,
	}
}

func TestAuditRecordValidate(t *testing.T) {
	require.NoError(t, validRecord().Validate())
}

func TestConfidenceBoundaries(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		wantErr    bool
	}{
		{"zero", 0.0, false},
		{"one", 1.0, false},
		{"just above one", 1.0000001, true},
		{"negative", -0.01, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			rec.Confidence = tt.confidence
			err := rec.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryIDConstraints(t *testing.T) {
	assert.Error(t, ValidateMemoryID(""))
	assert.Error(t, ValidateMemoryID("mem\x001"))
	assert.Error(t, ValidateMemoryID(strings.Repeat("a", 256)))
	assert.NoError(t, ValidateMemoryID(strings.Repeat("a", 255)))
}

func TestFieldLengthLimits(t *testing.T) {
	rec := validRecord()
	rec.UserQuery = strings.Repeat("q", 10001)
	assert.True(t, errors.IsValidation(rec.Validate()))

	rec = validRecord()
	rec.UserQuery = strings.Repeat("q", 10000)
	assert.NoError(t, rec.Validate())

	rec = validRecord()
	rec.AgentResponse = strings.Repeat("r", 50001)
	assert.True(t, errors.IsValidation(rec.Validate()))

	rec = validRecord()
	rec.Reason = strings.Repeat("x", 1001)
	assert.True(t, errors.IsValidation(rec.Validate()))
}

func TestInteractionRecordValidate(t *testing.T) {
	rec := &InteractionRecord{MemoryID: "mem_1", UserQuery: "q", AgentResponse: "r"}
	require.NoError(t, rec.Validate())

	rec.MemoryID = "bad\x00id"
	assert.True(t, errors.IsValidation(rec.Validate()))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusApproved.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, Status("archived").Valid())
}
