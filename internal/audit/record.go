package audit

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/recallguard/recallguard/pkg/errors"
)

// Status is the review state of an AuditRecord. Pending records transition to
// approved or rejected exactly once; both are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Field limits for records entering the pipeline.
const (
	MaxMemoryIDBytes  = 255
	MaxUserQueryChars = 10000
	MaxResponseChars  = 50000
	MaxReasonChars    = 1000
)

// InteractionRecord is a stored agent/user exchange. It is owned by the
// interaction store; this pipeline only reads it and performs the two terminal
// mutations (delete, add observation).
type InteractionRecord struct {
	MemoryID      string `json:"memory_id"`
	UserQuery     string `json:"user_query"`
	AgentResponse string `json:"agent_response"`
	Rating        *int   `json:"rating,omitempty"`
}

// AuditRecord is a flagged interaction awaiting (or finished with) human
// review. Records are never physically deleted; rejected ones remain for the
// audit trail.
type AuditRecord struct {
	ID            int64      `json:"id,omitempty"`
	MemoryID      string     `json:"memory_id"`
	UserQuery     string     `json:"user_query"`
	AgentResponse string     `json:"agent_response"`
	Reason        string     `json:"reason,omitempty"`
	Confidence    float64    `json:"confidence"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
}

// Verdict is the scoring function's judgment of an interaction.
type Verdict struct {
	Incorrect  bool    `json:"incorrect"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ValidateMemoryID checks the identity constraints shared by both record types.
func ValidateMemoryID(id string) error {
	if id == "" {
		return errors.NewValidation("memory_id", "must not be empty")
	}
	if len(id) > MaxMemoryIDBytes {
		return errors.NewValidation("memory_id", "exceeds 255 bytes")
	}
	if strings.ContainsRune(id, '\x00') {
		return errors.NewValidation("memory_id", "contains null byte")
	}
	return nil
}

// Validate checks an InteractionRecord before it enters the pipeline.
func (r *InteractionRecord) Validate() error {
	if err := ValidateMemoryID(r.MemoryID); err != nil {
		return err
	}
	if utf8.RuneCountInString(r.UserQuery) > MaxUserQueryChars {
		return errors.NewValidation("user_query", "exceeds 10000 characters")
	}
	if utf8.RuneCountInString(r.AgentResponse) > MaxResponseChars {
		return errors.NewValidation("agent_response", "exceeds 50000 characters")
	}
	return nil
}

// Validate checks an AuditRecord before any persistence attempt.
func (r *AuditRecord) Validate() error {
	if err := ValidateMemoryID(r.MemoryID); err != nil {
		return err
	}
	if utf8.RuneCountInString(r.UserQuery) > MaxUserQueryChars {
		return errors.NewValidation("user_query", "exceeds 10000 characters")
	}
	if utf8.RuneCountInString(r.AgentResponse) > MaxResponseChars {
		return errors.NewValidation("agent_response", "exceeds 50000 characters")
	}
	if utf8.RuneCountInString(r.Reason) > MaxReasonChars {
		return errors.NewValidation("reason", "exceeds 1000 characters")
	}
	if r.Confidence < 0.0 || r.Confidence > 1.0 {
		return errors.NewValidation("confidence", "outside [0, 1]")
	}
	if !r.Status.Valid() {
		return errors.NewValidation("status", "unknown status")
	}
	return nil
}
