package memory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/pkg/errors"
)

// lockWaitTimeout bounds how long a claim waits for the per-key lock. A
// contended key means another caller is mid-claim; waiting briefly and then
// losing is the correct outcome.
const lockWaitTimeout = 2 * time.Second

// LockedStore wraps an interaction store whose claim primitives are not
// natively atomic, serializing each claim behind the distributed lock keyed on
// the memory id. The check-then-act sequence inside the lock upholds the
// exactly-once claim guarantee.
type LockedStore struct {
	audit.InteractionStore
	locker audit.Locker
	log    *zap.Logger
}

// NewLockedStore wraps inner with lock-guarded claims.
func NewLockedStore(inner audit.InteractionStore, locker audit.Locker, log *zap.Logger) *LockedStore {
	return &LockedStore{
		InteractionStore: inner,
		locker:           locker,
		log:              log.With(zap.String("module", "locked_store")),
	}
}

var _ audit.InteractionStore = (*LockedStore)(nil)

// AtomicCheckAndFlag acquires the per-key lock, re-checks the processed state,
// and only then delegates the claim.
func (s *LockedStore) AtomicCheckAndFlag(ctx context.Context, memoryID, reason string, confidence float64) (bool, error) {
	return s.withLock(ctx, memoryID, func() (bool, error) {
		return s.InteractionStore.AtomicCheckAndFlag(ctx, memoryID, reason, confidence)
	})
}

// AtomicCheckAndDelete is the delete-side claim under the same lock.
func (s *LockedStore) AtomicCheckAndDelete(ctx context.Context, memoryID string) (bool, error) {
	return s.withLock(ctx, memoryID, func() (bool, error) {
		return s.InteractionStore.AtomicCheckAndDelete(ctx, memoryID)
	})
}

func (s *LockedStore) withLock(ctx context.Context, memoryID string, claim func() (bool, error)) (bool, error) {
	handle, err := s.locker.Acquire(ctx, memoryID, lockWaitTimeout)
	if err != nil {
		if errors.Is(err, errors.ErrLockNotAcquired) {
			// Holder is claiming this key right now; treat as a lost race.
			return false, nil
		}
		return false, err
	}
	defer func() {
		if rerr := handle.Release(ctx); rerr != nil {
			s.log.Warn("lock release failed", zap.String("memory_id", memoryID), zap.Error(rerr))
		}
	}()

	processed, err := s.InteractionStore.IsProcessed(ctx, memoryID)
	if err != nil {
		return false, err
	}
	if processed {
		return false, nil
	}
	return claim()
}
