// Package review implements the human review workflow over flagged audit
// records. The queue-status transition is always attempted before the
// interaction-store mutation; a mutation failure after a committed transition
// leaves the stores split and is surfaced loudly rather than repaired.
package review

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/internal/queue"
	"github.com/recallguard/recallguard/pkg/errors"
)

// approvedObservation is appended to an interaction a reviewer approved.
const approvedObservation = "MANUALLY_APPROVED"

// Queue is the subset of the review queue store the workflow needs.
type Queue interface {
	SetStatus(ctx context.Context, memoryID string, status audit.Status) (bool, error)
	List(ctx context.Context, status audit.Status, limit int) ([]audit.AuditRecord, error)
	Metrics(ctx context.Context) queue.Counts
}

// InteractionMutator is the subset of the interaction store the workflow needs.
type InteractionMutator interface {
	AddObservation(ctx context.Context, memoryID, text string) error
	DeleteInteraction(ctx context.Context, memoryID string) error
}

// Workflow applies human review decisions.
type Workflow struct {
	queue Queue
	store InteractionMutator
	log   *zap.Logger
}

// New creates a review workflow.
func New(q Queue, store InteractionMutator, log *zap.Logger) *Workflow {
	return &Workflow{
		queue: q,
		store: store,
		log:   log.With(zap.String("module", "review")),
	}
}

// Approve transitions the record to approved and marks the source interaction
// as manually approved. Returns ErrNotFound when no pending record exists for
// memoryID, and ErrSplitState when the transition committed but the
// interaction-store mutation failed.
func (w *Workflow) Approve(ctx context.Context, memoryID string) error {
	ctx, span := otel.Tracer("review").Start(ctx, "review.approve",
		trace.WithAttributes(attribute.String("memory_id", memoryID)))
	defer span.End()

	if err := audit.ValidateMemoryID(memoryID); err != nil {
		return err
	}
	ok, err := w.queue.SetStatus(ctx, memoryID, audit.StatusApproved)
	if err != nil {
		return errors.Wrap(err, "approve transition")
	}
	if !ok {
		return errors.ErrNotFound
	}
	if err := w.store.AddObservation(ctx, memoryID, approvedObservation); err != nil {
		span.RecordError(err)
		w.log.Error("approved in queue but observation write failed",
			zap.String("memory_id", memoryID),
			zap.String("state", "split_state"),
			zap.Error(err),
		)
		return errors.Tag(errors.ErrSplitState, err)
	}
	w.log.Info("interaction approved", zap.String("memory_id", memoryID))
	return nil
}

// Reject transitions the record to rejected and deletes the source
// interaction. The audit record itself is kept for the audit trail. Error
// semantics match Approve.
func (w *Workflow) Reject(ctx context.Context, memoryID string) error {
	ctx, span := otel.Tracer("review").Start(ctx, "review.reject",
		trace.WithAttributes(attribute.String("memory_id", memoryID)))
	defer span.End()

	if err := audit.ValidateMemoryID(memoryID); err != nil {
		return err
	}
	ok, err := w.queue.SetStatus(ctx, memoryID, audit.StatusRejected)
	if err != nil {
		return errors.Wrap(err, "reject transition")
	}
	if !ok {
		return errors.ErrNotFound
	}
	if err := w.store.DeleteInteraction(ctx, memoryID); err != nil {
		span.RecordError(err)
		w.log.Error("rejected in queue but interaction delete failed",
			zap.String("memory_id", memoryID),
			zap.String("state", "split_state"),
			zap.Error(err),
		)
		return errors.Tag(errors.ErrSplitState, err)
	}
	w.log.Info("interaction rejected and deleted", zap.String("memory_id", memoryID))
	return nil
}

// List returns audit records filtered by status and by a case-insensitive
// substring match over query and response text. Reads are best effort: the
// queue store serves them from whichever backend is healthy.
func (w *Workflow) List(ctx context.Context, statusFilter, textQuery string, limit int) ([]audit.AuditRecord, error) {
	status := audit.Status(strings.ToLower(strings.TrimSpace(statusFilter)))
	recs, err := w.queue.List(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if textQuery == "" {
		return recs, nil
	}
	needle := strings.ToLower(textQuery)
	filtered := recs[:0]
	for _, rec := range recs {
		if strings.Contains(strings.ToLower(rec.UserQuery), needle) ||
			strings.Contains(strings.ToLower(rec.AgentResponse), needle) {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// Metrics exposes the queue's per-status counts to the transport layer.
func (w *Workflow) Metrics(ctx context.Context) queue.Counts {
	return w.queue.Metrics(ctx)
}
