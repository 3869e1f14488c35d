// Package analyzer implements the moderation sweep: it claims recently stored
// interaction records, scores them, and routes each to silent deletion, the
// human review queue, or a no-op. Claims are exactly-once across concurrent
// sweepers; a lost claim race is a skip, never an error.
package analyzer

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/internal/metrics"
	"github.com/recallguard/recallguard/pkg/errors"
)

// Config holds analyzer tuning parameters.
type Config struct {
	// DeleteThreshold: incorrect verdicts at or above this confidence are
	// purged without human review.
	DeleteThreshold float64
	// FlagThreshold: incorrect verdicts at or above this confidence (but below
	// DeleteThreshold) are queued for review.
	FlagThreshold float64
	// ScoreTimeout bounds each scoring call.
	ScoreTimeout time.Duration
	// Concurrency bounds the number of records processed simultaneously.
	Concurrency int
}

// DefaultConfig returns the design-default thresholds.
func DefaultConfig() Config {
	return Config{
		DeleteThreshold: 0.85,
		FlagThreshold:   0.5,
		ScoreTimeout:    10 * time.Second,
		Concurrency:     8,
	}
}

// ReviewQueue is the subset of the review queue store the analyzer needs.
type ReviewQueue interface {
	Enqueue(ctx context.Context, rec *audit.AuditRecord) (string, error)
}

// SweepResult reports per-record outcomes of one sweep.
type SweepResult struct {
	Deleted int `json:"deleted"`
	Flagged int `json:"flagged"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Analyzer runs moderation sweeps over the interaction store.
type Analyzer struct {
	store  audit.InteractionStore
	queue  ReviewQueue
	scorer audit.Scorer
	cfg    Config
	log    *zap.Logger
}

// New creates an Analyzer. Zero config fields take design defaults.
func New(store audit.InteractionStore, queue ReviewQueue, scorer audit.Scorer, cfg Config, log *zap.Logger) *Analyzer {
	def := DefaultConfig()
	if cfg.DeleteThreshold <= 0 {
		cfg.DeleteThreshold = def.DeleteThreshold
	}
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = def.FlagThreshold
	}
	if cfg.ScoreTimeout <= 0 {
		cfg.ScoreTimeout = def.ScoreTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Analyzer{
		store:  store,
		queue:  queue,
		scorer: scorer,
		cfg:    cfg,
		log:    log.With(zap.String("module", "analyzer")),
	}
}

type sweepCounters struct {
	deleted atomic.Int64
	flagged atomic.Int64
	skipped atomic.Int64
	errs    atomic.Int64
}

// Sweep pulls up to batchLimit recent records and processes each through the
// claim/score/route sequence. Records are independently schedulable: a slow or
// failing record never blocks or aborts the rest of the batch. Cancellation
// between records leaves already-won claims in place; retries see those
// records as already processed and skip them.
func (a *Analyzer) Sweep(ctx context.Context, batchLimit int) (SweepResult, error) {
	ctx, span := otel.Tracer("analyzer").Start(ctx, "analyzer.sweep")
	defer span.End()

	records, err := a.store.ListRecent(ctx, batchLimit)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, errors.Wrap(err, "list recent interactions")
	}

	var c sweepCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	for _, rec := range records {
		if gctx.Err() != nil {
			break
		}
		rec := rec
		g.Go(func() error {
			start := time.Now()
			a.processRecord(gctx, rec, &c)
			metrics.SweepRecordSeconds.Observe(time.Since(start).Seconds())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Workers never return errors; per-record failures are counted instead.
		a.log.Error("sweep group failed", zap.Error(err))
	}

	result := SweepResult{
		Deleted: int(c.deleted.Load()),
		Flagged: int(c.flagged.Load()),
		Skipped: int(c.skipped.Load()),
		Errors:  int(c.errs.Load()),
	}
	span.SetAttributes(
		attribute.Int("batch", len(records)),
		attribute.Int("deleted", result.Deleted),
		attribute.Int("flagged", result.Flagged),
		attribute.Int("skipped", result.Skipped),
		attribute.Int("errors", result.Errors),
	)
	metrics.SweepOutcomes.WithLabelValues("deleted").Add(float64(result.Deleted))
	metrics.SweepOutcomes.WithLabelValues("flagged").Add(float64(result.Flagged))
	metrics.SweepOutcomes.WithLabelValues("skipped").Add(float64(result.Skipped))
	metrics.SweepOutcomes.WithLabelValues("errors").Add(float64(result.Errors))
	a.log.Info("sweep complete",
		zap.Int("batch", len(records)),
		zap.Int("deleted", result.Deleted),
		zap.Int("flagged", result.Flagged),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

func (a *Analyzer) processRecord(ctx context.Context, rec audit.InteractionRecord, c *sweepCounters) {
	log := a.log.With(zap.String("memory_id", rec.MemoryID))

	if err := rec.Validate(); err != nil {
		log.Warn("malformed interaction record", zap.Error(err))
		c.errs.Add(1)
		return
	}

	done, err := a.alreadyHandled(ctx, rec.MemoryID)
	if err != nil {
		log.Warn("claim state check failed", zap.Error(err))
		c.errs.Add(1)
		return
	}
	if done {
		c.skipped.Add(1)
		return
	}

	verdict, err := a.score(ctx, rec)
	if err != nil {
		log.Warn("scoring failed", zap.Error(err))
		c.errs.Add(1)
		return
	}

	var routeErr error
	var outcome *atomic.Int64
	switch {
	case verdict.Incorrect && verdict.Confidence >= a.cfg.DeleteThreshold:
		routeErr = a.deleteRecord(ctx, rec, log)
		outcome = &c.deleted
	case verdict.Incorrect && verdict.Confidence >= a.cfg.FlagThreshold:
		routeErr = a.flagRecord(ctx, rec, verdict, log)
		outcome = &c.flagged
	default:
		c.skipped.Add(1)
		return
	}

	switch {
	case routeErr == nil:
		outcome.Add(1)
	case errors.Is(routeErr, errors.ErrClaimLost):
		// Another sweeper claimed the record first; a lost race is a skip.
		c.skipped.Add(1)
	default:
		c.errs.Add(1)
	}
}

// alreadyHandled reports whether the record was claimed, approved, or flagged
// by an earlier or concurrent caller.
func (a *Analyzer) alreadyHandled(ctx context.Context, memoryID string) (bool, error) {
	processed, err := a.store.IsProcessed(ctx, memoryID)
	if err != nil {
		return false, err
	}
	if processed {
		return true, nil
	}
	approved, err := a.store.IsApproved(ctx, memoryID)
	if err != nil {
		return false, err
	}
	if approved {
		return true, nil
	}
	flagged, err := a.store.IsFlagged(ctx, memoryID)
	if err != nil {
		return false, err
	}
	return flagged, nil
}

func (a *Analyzer) score(ctx context.Context, rec audit.InteractionRecord) (audit.Verdict, error) {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.ScoreTimeout)
	defer cancel()
	verdict, err := a.scorer.Score(sctx, rec.UserQuery, rec.AgentResponse)
	if err != nil {
		return audit.Verdict{}, errors.Tag(errors.ErrScoring, err)
	}
	return verdict, nil
}

// deleteRecord purges a high-confidence bad record without human review. No
// audit record is created for this path. Returns ErrClaimLost when another
// caller claimed the record first.
func (a *Analyzer) deleteRecord(ctx context.Context, rec audit.InteractionRecord, log *zap.Logger) error {
	won, err := a.store.AtomicCheckAndDelete(ctx, rec.MemoryID)
	if err != nil {
		log.Warn("delete claim failed", zap.Error(err))
		return errors.Wrap(err, "delete claim")
	}
	if !won {
		return errors.ErrClaimLost
	}
	if err := a.store.DeleteInteraction(ctx, rec.MemoryID); err != nil {
		log.Error("claim won but interaction delete failed", zap.Error(err))
		return errors.Wrap(err, "delete interaction")
	}
	log.Info("deleted incorrect interaction")
	return nil
}

func (a *Analyzer) flagRecord(ctx context.Context, rec audit.InteractionRecord, verdict audit.Verdict, log *zap.Logger) error {
	won, err := a.store.AtomicCheckAndFlag(ctx, rec.MemoryID, verdict.Reason, verdict.Confidence)
	if err != nil {
		log.Warn("flag claim failed", zap.Error(err))
		return errors.Wrap(err, "flag claim")
	}
	if !won {
		return errors.ErrClaimLost
	}
	_, err = a.queue.Enqueue(ctx, &audit.AuditRecord{
		MemoryID:      rec.MemoryID,
		UserQuery:     rec.UserQuery,
		AgentResponse: rec.AgentResponse,
		Reason:        verdict.Reason,
		Confidence:    verdict.Confidence,
		Status:        audit.StatusPending,
	})
	if err != nil {
		// The claim marker is already set; the record is claimed but not
		// queued. Accepted inconsistency window, surfaced via the error count.
		log.Error("claim won but enqueue failed", zap.Error(err))
		return errors.Wrap(err, "enqueue audit record")
	}
	log.Info("flagged interaction for review", zap.Float64("confidence", verdict.Confidence))
	return nil
}
