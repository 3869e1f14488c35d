// Package queue implements the review queue store: a dual-backend persistence
// layer for audit records. Every operation tries the append-only streaming
// backend first and transparently retries on the durable fallback backend
// within the same call; callers only see a storage error when both fail.
package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/internal/metrics"
	"github.com/recallguard/recallguard/pkg/errors"
)

// Backend is one physical store for audit records.
type Backend interface {
	Name() string
	Enqueue(ctx context.Context, rec *audit.AuditRecord) (string, error)
	// List returns records whose folded status matches status; an empty status
	// matches all records.
	List(ctx context.Context, status audit.Status, limit int) ([]audit.AuditRecord, error)
	// SetStatus transitions the record out of pending. Returns false when the
	// record is absent or its current state is not pending.
	SetStatus(ctx context.Context, memoryID string, status audit.Status) (bool, error)
	Counts(ctx context.Context) (Counts, error)
}

// Counts holds per-status record counts over folded queue state.
type Counts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// FallbackGate decides whether the streaming backend should be bypassed
// entirely, e.g. in environments that do not run it.
type FallbackGate interface {
	FallbackOnly(ctx context.Context) bool
}

// transitionLockWait bounds how long a status transition waits for the
// per-record lock. A contended key means another reviewer is mid-transition.
const transitionLockWait = 2 * time.Second

// Store is the dual-backend review queue.
type Store struct {
	stream   Backend
	fallback Backend
	gate     FallbackGate
	locker   audit.Locker
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger

	maxRetryInterval time.Duration
	maxRetries       uint64
}

// Option configures a Store.
type Option func(*Store)

// WithFallbackGate installs the feature switch forcing fallback-only operation.
func WithFallbackGate(gate FallbackGate) Option {
	return func(s *Store) { s.gate = gate }
}

// WithTransitionLock installs the per-record lock serializing concurrent
// status transitions. The streaming backend's fold-then-append transition is
// not atomic on its own; whenever the stream participates, the lock is the
// arbiter that keeps a pending record to exactly one terminal transition.
func WithTransitionLock(locker audit.Locker) Option {
	return func(s *Store) { s.locker = locker }
}

// NewStore creates the dual-backend store. stream may be nil, in which case
// every operation goes straight to the fallback backend.
func NewStore(stream, fallback Backend, log *zap.Logger, opts ...Option) *Store {
	s := &Store{
		stream:   stream,
		fallback: fallback,
		log:      log.With(zap.String("module", "review_queue")),

		maxRetryInterval: 500 * time.Millisecond,
		maxRetries:       2,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "review-queue-stream",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		Timeout: 15 * time.Second,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			s.log.Warn("streaming backend breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// useStream reports whether the streaming backend should be attempted at all.
func (s *Store) useStream(ctx context.Context) bool {
	if s.stream == nil {
		return false
	}
	if s.gate != nil && s.gate.FallbackOnly(ctx) {
		return false
	}
	return true
}

// onStream runs fn against the streaming backend behind the circuit breaker,
// retrying transient failures with bounded exponential backoff.
func (s *Store) onStream(ctx context.Context, op string, fn func(Backend) error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = s.maxRetryInterval
		policy := backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx)
		return nil, backoff.Retry(func() error { return fn(s.stream) }, policy)
	})
	if err != nil {
		metrics.QueueBackendErrors.WithLabelValues(s.stream.Name(), op).Inc()
	}
	return err
}

// do applies fn with the failover policy: stream first, then fallback. The
// returned error is ErrStorage only when every attempted backend failed.
func (s *Store) do(ctx context.Context, op string, fn func(Backend) error) error {
	ctx, span := otel.Tracer("review_queue").Start(ctx, "queue."+op)
	defer span.End()

	if s.useStream(ctx) {
		err := s.onStream(ctx, op, fn)
		if err == nil {
			span.SetAttributes(attribute.String("backend", s.stream.Name()))
			return nil
		}
		s.log.Warn("streaming backend failed, falling back",
			zap.String("op", op),
			zap.Error(err),
		)
		metrics.QueueFailovers.WithLabelValues(op).Inc()
		span.SetAttributes(attribute.Bool("failover", true))
	}
	if err := fn(s.fallback); err != nil {
		metrics.QueueBackendErrors.WithLabelValues(s.fallback.Name(), op).Inc()
		span.RecordError(err)
		return errors.Tag(errors.ErrStorage, errors.Wrap(err, s.fallback.Name()))
	}
	span.SetAttributes(attribute.String("backend", s.fallback.Name()))
	return nil
}

// Enqueue persists a pending audit record and returns its backend id. The
// record is validated before any persistence attempt.
func (s *Store) Enqueue(ctx context.Context, rec *audit.AuditRecord) (string, error) {
	if rec.Status == "" {
		rec.Status = audit.StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	var id string
	err := s.do(ctx, "enqueue", func(b Backend) error {
		var err error
		id, err = b.Enqueue(ctx, rec)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListPending returns up to limit records whose folded status is pending.
func (s *Store) ListPending(ctx context.Context, limit int) ([]audit.AuditRecord, error) {
	return s.List(ctx, audit.StatusPending, limit)
}

// List returns records filtered by folded status; empty status matches all.
func (s *Store) List(ctx context.Context, status audit.Status, limit int) ([]audit.AuditRecord, error) {
	if status != "" && !status.Valid() {
		return nil, errors.NewValidation("status", "unknown status filter")
	}
	var recs []audit.AuditRecord
	err := s.do(ctx, "list", func(b Backend) error {
		var err error
		recs, err = b.List(ctx, status, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// SetStatus transitions a record out of pending. Returns false (with nil
// error) when the record is absent or already terminal.
func (s *Store) SetStatus(ctx context.Context, memoryID string, status audit.Status) (bool, error) {
	if !status.Terminal() {
		return false, errors.NewValidation("status", "transition target must be approved or rejected")
	}
	if s.locker != nil && s.useStream(ctx) {
		// The stream transition is a fold followed by an append; without the
		// lock, two concurrent reviewers can both fold a pending state and
		// both win. The fallback needs no lock, its UPDATE is the arbiter.
		handle, err := s.locker.Acquire(ctx, "transition:"+memoryID, transitionLockWait)
		if err != nil {
			return false, errors.Wrap(err, "transition lock")
		}
		defer func() {
			if rerr := handle.Release(ctx); rerr != nil {
				s.log.Warn("transition lock release failed",
					zap.String("memory_id", memoryID),
					zap.Error(rerr),
				)
			}
		}()
	}
	var ok bool
	err := s.do(ctx, "set_status", func(b Backend) error {
		var err error
		ok, err = b.SetStatus(ctx, memoryID, status)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Metrics returns per-status counts. It never fails: on total backend outage
// it returns zero counts so read-only dashboards keep working.
func (s *Store) Metrics(ctx context.Context) Counts {
	var counts Counts
	err := s.do(ctx, "metrics", func(b Backend) error {
		var err error
		counts, err = b.Counts(ctx)
		return err
	})
	if err != nil {
		s.log.Warn("metrics degraded to zero counts", zap.Error(err))
		return Counts{}
	}
	metrics.ReviewStatusCounts.WithLabelValues(string(audit.StatusPending)).Set(float64(counts.Pending))
	metrics.ReviewStatusCounts.WithLabelValues(string(audit.StatusApproved)).Set(float64(counts.Approved))
	metrics.ReviewStatusCounts.WithLabelValues(string(audit.StatusRejected)).Set(float64(counts.Rejected))
	return counts
}
