package queue

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/pkg/errors"
)

// fakeBackend is an in-memory Backend with switchable total failure.
type fakeBackend struct {
	name string

	mu    sync.Mutex
	recs  map[string]audit.AuditRecord
	order []string
	fail  bool
	calls int
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, recs: make(map[string]audit.AuditRecord)}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) failNow() error {
	return errors.Tag(errors.ErrBackendUnavailable, errors.New(b.name+" is down"))
}

func (b *fakeBackend) Enqueue(_ context.Context, rec *audit.AuditRecord) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail {
		return "", b.failNow()
	}
	if _, ok := b.recs[rec.MemoryID]; !ok {
		b.order = append(b.order, rec.MemoryID)
	}
	b.recs[rec.MemoryID] = *rec
	return strconv.Itoa(len(b.order)), nil
}

func (b *fakeBackend) List(_ context.Context, status audit.Status, limit int) ([]audit.AuditRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail {
		return nil, b.failNow()
	}
	var out []audit.AuditRecord
	for _, id := range b.order {
		rec := b.recs[id]
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *fakeBackend) SetStatus(_ context.Context, memoryID string, status audit.Status) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail {
		return false, b.failNow()
	}
	rec, ok := b.recs[memoryID]
	if !ok || rec.Status != audit.StatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.ReviewedAt = &now
	b.recs[memoryID] = rec
	return true, nil
}

func (b *fakeBackend) Counts(_ context.Context) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail {
		return Counts{}, b.failNow()
	}
	var counts Counts
	for _, rec := range b.recs {
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

type staticGate bool

func (g staticGate) FallbackOnly(context.Context) bool { return bool(g) }

// racyBackend mimics the stream's fold-then-append transition: the status
// check and the superseding write are separate steps with a scheduling gap
// between them, so unserialized concurrent transitions can both win.
type racyBackend struct {
	*fakeBackend
}

func (b *racyBackend) SetStatus(_ context.Context, memoryID string, status audit.Status) (bool, error) {
	b.mu.Lock()
	rec, ok := b.recs[memoryID]
	b.mu.Unlock()
	if !ok || rec.Status != audit.StatusPending {
		return false, nil
	}
	time.Sleep(100 * time.Microsecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	rec.Status = status
	rec.ReviewedAt = &now
	b.recs[memoryID] = rec
	return true, nil
}

// keyLocker hands out per-key mutexes, standing in for the distributed lock.
type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *keyLocker) Acquire(_ context.Context, key string, _ time.Duration) (audit.Unlocker, error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return keyHandle{m: m}, nil
}

type keyHandle struct{ m *sync.Mutex }

func (h keyHandle) Release(context.Context) error {
	h.m.Unlock()
	return nil
}

func pendingRecord(id string) *audit.AuditRecord {
	return &audit.AuditRecord{
		MemoryID:      id,
		UserQuery:     "Why did job X abend?",
		AgentResponse: "Disk full.",
		Confidence:    0.7,
		Status:        audit.StatusPending,
	}
}

func TestEnqueueListRoundTrip(t *testing.T) {
	stream := newFakeBackend("stream")
	fallback := newFakeBackend("postgres")
	store := NewStore(stream, fallback, zap.NewNop())

	id, err := store.Enqueue(context.Background(), pendingRecord("mem_rt"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	recs, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "mem_rt", recs[0].MemoryID)
	assert.Equal(t, audit.StatusPending, recs[0].Status)
}

func TestEnqueueValidatesBeforePersisting(t *testing.T) {
	stream := newFakeBackend("stream")
	fallback := newFakeBackend("postgres")
	store := NewStore(stream, fallback, zap.NewNop())

	rec := pendingRecord("mem_bad")
	rec.Confidence = 1.5
	_, err := store.Enqueue(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Zero(t, stream.calls)
	assert.Zero(t, fallback.calls)
}

func TestFailoverTransparency(t *testing.T) {
	stream := newFakeBackend("stream")
	stream.fail = true
	fallback := newFakeBackend("postgres")
	store := NewStore(stream, fallback, zap.NewNop())
	store.maxRetries = 0
	ctx := context.Background()

	// Every operation succeeds through the fallback while the stream is down.
	_, err := store.Enqueue(ctx, pendingRecord("mem_outage"))
	require.NoError(t, err)

	recs, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "mem_outage", recs[0].MemoryID)

	ok, err := store.SetStatus(ctx, "mem_outage", audit.StatusApproved)
	require.NoError(t, err)
	assert.True(t, ok)

	// Three consecutive stream failures opened the breaker, so this read
	// short-circuits to the fallback even though the stream is healthy again,
	// and the record written during the outage is served through the store.
	stream.fail = false
	recs, err = store.List(ctx, audit.StatusApproved, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "mem_outage", recs[0].MemoryID)
	assert.Equal(t, audit.StatusApproved, recs[0].Status)
}

func TestBothBackendsFailing(t *testing.T) {
	stream := newFakeBackend("stream")
	stream.fail = true
	fallback := newFakeBackend("postgres")
	fallback.fail = true
	store := NewStore(stream, fallback, zap.NewNop())
	store.maxRetries = 0

	_, err := store.Enqueue(context.Background(), pendingRecord("mem_lost"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStorage))

	_, err = store.ListPending(context.Background(), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStorage))
}

func TestMetricsNeverFails(t *testing.T) {
	stream := newFakeBackend("stream")
	stream.fail = true
	fallback := newFakeBackend("postgres")
	fallback.fail = true
	store := NewStore(stream, fallback, zap.NewNop())
	store.maxRetries = 0

	counts := store.Metrics(context.Background())
	assert.Equal(t, Counts{}, counts)
}

func TestFallbackGateBypassesStream(t *testing.T) {
	stream := newFakeBackend("stream")
	fallback := newFakeBackend("postgres")
	store := NewStore(stream, fallback, zap.NewNop(), WithFallbackGate(staticGate(true)))

	_, err := store.Enqueue(context.Background(), pendingRecord("mem_gate"))
	require.NoError(t, err)
	assert.Zero(t, stream.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestNilStreamGoesStraightToFallback(t *testing.T) {
	fallback := newFakeBackend("postgres")
	store := NewStore(nil, fallback, zap.NewNop())

	_, err := store.Enqueue(context.Background(), pendingRecord("mem_nostream"))
	require.NoError(t, err)
	assert.Equal(t, 1, fallback.calls)
}

func TestSetStatusRejectsNonTerminalTarget(t *testing.T) {
	store := NewStore(nil, newFakeBackend("postgres"), zap.NewNop())

	_, err := store.SetStatus(context.Background(), "mem_x", audit.StatusPending)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestConcurrentTerminalTransitionsHaveOneWinner(t *testing.T) {
	const rounds = 50
	ctx := context.Background()

	for i := 0; i < rounds; i++ {
		stream := &racyBackend{fakeBackend: newFakeBackend("stream")}
		fallback := newFakeBackend("postgres")
		store := NewStore(stream, fallback, zap.NewNop(), WithTransitionLock(newKeyLocker()))

		id := "mem_contested"
		_, err := store.Enqueue(ctx, pendingRecord(id))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wins := make([]bool, 2)
		for j, target := range []audit.Status{audit.StatusApproved, audit.StatusRejected} {
			wg.Add(1)
			go func(j int, target audit.Status) {
				defer wg.Done()
				ok, err := store.SetStatus(ctx, id, target)
				assert.NoError(t, err)
				wins[j] = ok
			}(j, target)
		}
		wg.Wait()

		winners := 0
		for _, won := range wins {
			if won {
				winners++
			}
		}
		require.Equal(t, 1, winners, "a pending record admits exactly one terminal transition")
	}
}

func TestSetStatusIdempotent(t *testing.T) {
	fallback := newFakeBackend("postgres")
	store := NewStore(nil, fallback, zap.NewNop())
	ctx := context.Background()

	_, err := store.Enqueue(ctx, pendingRecord("mem_once"))
	require.NoError(t, err)

	ok, err := store.SetStatus(ctx, "mem_once", audit.StatusRejected)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetStatus(ctx, "mem_once", audit.StatusRejected)
	require.NoError(t, err)
	assert.False(t, ok)
}
