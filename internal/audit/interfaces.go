package audit

import (
	"context"
	"time"
)

// InteractionStore is the source-of-truth store for interaction records. Its
// claim marker is the single authoritative "has this been processed" signal:
// for any memory id, at most one of AtomicCheckAndFlag / AtomicCheckAndDelete
// ever reports a won claim, across any number of concurrent callers.
type InteractionStore interface {
	ListRecent(ctx context.Context, limit int) ([]InteractionRecord, error)
	IsProcessed(ctx context.Context, memoryID string) (bool, error)
	IsApproved(ctx context.Context, memoryID string) (bool, error)
	IsFlagged(ctx context.Context, memoryID string) (bool, error)
	// AtomicCheckAndFlag marks the record as flagged. Returns true iff this
	// caller won the claim; false means another caller already claimed it.
	AtomicCheckAndFlag(ctx context.Context, memoryID, reason string, confidence float64) (bool, error)
	// AtomicCheckAndDelete marks the record as processed-for-deletion under the
	// same claim; the caller then deletes the interaction.
	AtomicCheckAndDelete(ctx context.Context, memoryID string) (bool, error)
	AddObservation(ctx context.Context, memoryID, text string) error
	DeleteInteraction(ctx context.Context, memoryID string) error
}

// Scorer decides whether an interaction is incorrect. Implementations may fail
// or time out per call; callers bound each call with a context deadline.
type Scorer interface {
	Score(ctx context.Context, userQuery, agentResponse string) (Verdict, error)
}

// Unlocker releases a held distributed lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// Locker provides per-key mutual exclusion across processes. Acquire blocks up
// to timeout waiting for the key, returning errors.ErrLockNotAcquired on expiry.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (Unlocker, error)
}
