package batcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trufnetwork/attestd/internal/canonical"
	"github.com/trufnetwork/attestd/internal/merkle"
	"github.com/trufnetwork/attestd/internal/metrics"
	"github.com/trufnetwork/attestd/internal/store"
	"github.com/trufnetwork/attestd/internal/types"
)

// fakeStore keeps the unbatched queue in memory with the same contract as
// the Postgres store: CommitBatch marks proofs batched atomically.
type fakeStore struct {
	mu        sync.Mutex
	unbatched []store.UnbatchedProof
	batches   []*types.Batch
	batched   map[uuid.UUID]uuid.UUID // proof id -> batch id
	lockBusy  bool
	lockHeld  bool
	listErr   error
	commitErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{batched: map[uuid.UUID]uuid.UUID{}}
}

func (f *fakeStore) addProofs(n int) []store.UnbatchedProof {
	f.mu.Lock()
	defer f.mu.Unlock()
	added := make([]store.UnbatchedProof, n)
	for i := range added {
		seed := fmt.Sprintf("proof-%d-%d", len(f.unbatched), i)
		digest := ethcrypto.Keccak256([]byte(seed))
		var d [canonical.DigestLength]byte
		copy(d[:], digest)
		added[i] = store.UnbatchedProof{ID: uuid.New(), Digest: canonical.DigestHex(d)}
		f.unbatched = append(f.unbatched, added[i])
	}
	return added
}

func (f *fakeStore) AcquireBatchLock(ctx context.Context) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockBusy {
		return nil, false, nil
	}
	f.lockHeld = true
	return func() {
		f.mu.Lock()
		f.lockHeld = false
		f.mu.Unlock()
	}, true, nil
}

func (f *fakeStore) ListUnbatched(ctx context.Context, limit int) ([]store.UnbatchedProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit > len(f.unbatched) {
		limit = len(f.unbatched)
	}
	out := make([]store.UnbatchedProof, limit)
	copy(out, f.unbatched[:limit])
	return out, nil
}

func (f *fakeStore) CommitBatch(ctx context.Context, b *types.Batch, proofIDs []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.batches = append(f.batches, b)
	included := make(map[uuid.UUID]bool, len(proofIDs))
	for _, id := range proofIDs {
		included[id] = true
		f.batched[id] = b.ID
	}
	remaining := f.unbatched[:0]
	for _, p := range f.unbatched {
		if !included[p.ID] {
			remaining = append(remaining, p)
		}
	}
	f.unbatched = remaining
	return nil
}

func (f *fakeStore) CountUnbatched(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.unbatched)), nil
}

// fakeLedger anchors in memory, optionally failing the first N calls with an
// external error.
type fakeLedger struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	anchored [][]string
	roots    []string
}

func (f *fakeLedger) AnchorBatch(ctx context.Context, root string, leafCount int, leaves []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return "", f.err
		}
		return "", types.NewError(types.CodeExternal, "ledger unreachable")
	}
	f.anchored = append(f.anchored, leaves)
	f.roots = append(f.roots, root)
	return fmt.Sprintf("0xtx%04d", f.calls), nil
}

func (f *fakeLedger) Lookup(ctx context.Context, digest string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, batch := range f.anchored {
		for _, leaf := range batch {
			if leaf == digest {
				return true, nil
			}
		}
	}
	return false, nil
}

func newTestBatcher(st Store, led *fakeLedger, maxLeaves int) *Batcher {
	return New(st, led, maxLeaves, time.Minute, metrics.NewNoOpRecorder(), zap.NewNop())
}

func expectedRoot(t *testing.T, proofs []store.UnbatchedProof) string {
	t.Helper()
	leaves := make([][]byte, len(proofs))
	for i, p := range proofs {
		d, err := canonical.ParseDigestHex(p.Digest)
		require.NoError(t, err)
		leaves[i] = d[:]
	}
	tree, err := merkle.NewTree(leaves)
	require.NoError(t, err)
	return tree.RootHex()
}

func TestRunCycleCommitsBatch(t *testing.T) {
	st := newFakeStore()
	proofs := st.addProofs(3)
	led := &fakeLedger{}

	b := newTestBatcher(st, led, 10)
	require.NoError(t, b.RunCycle(context.Background()))

	require.Len(t, st.batches, 1)
	batch := st.batches[0]
	assert.Equal(t, int32(3), batch.LeafCount)
	assert.Equal(t, expectedRoot(t, proofs), batch.Root)
	assert.Equal(t, "0xtx0001", batch.LedgerTxRef)

	for _, p := range proofs {
		assert.Equal(t, batch.ID, st.batched[p.ID], "proof %s not stamped", p.ID)
	}
	assert.Empty(t, st.unbatched)
	assert.False(t, st.lockHeld, "lock must be released after the cycle")

	t.Run("anchored leaves are queryable", func(t *testing.T) {
		found, err := led.Lookup(context.Background(), proofs[0].Digest)
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func TestRunCycleDrainsBacklog(t *testing.T) {
	st := newFakeStore()
	st.addProofs(5)
	led := &fakeLedger{}

	b := newTestBatcher(st, led, 2)
	require.NoError(t, b.RunCycle(context.Background()))

	// 5 proofs at 2 leaves per batch: two full batches plus the remainder.
	require.Len(t, st.batches, 3)
	assert.Equal(t, int32(2), st.batches[0].LeafCount)
	assert.Equal(t, int32(2), st.batches[1].LeafCount)
	assert.Equal(t, int32(1), st.batches[2].LeafCount)
	assert.Empty(t, st.unbatched)

	// Each batch got its own anchor transaction.
	refs := map[string]bool{}
	for _, batch := range st.batches {
		refs[batch.LedgerTxRef] = true
	}
	assert.Len(t, refs, 3)
}

func TestRunCycleSingleLeaf(t *testing.T) {
	st := newFakeStore()
	proofs := st.addProofs(1)
	led := &fakeLedger{}

	b := newTestBatcher(st, led, 10)
	require.NoError(t, b.RunCycle(context.Background()))

	require.Len(t, st.batches, 1)
	// A single-leaf tree has root equal to its leaf.
	assert.Equal(t, proofs[0].Digest, st.batches[0].Root)
}

func TestRunCycleEmptyBacklog(t *testing.T) {
	st := newFakeStore()
	led := &fakeLedger{}

	b := newTestBatcher(st, led, 10)
	require.NoError(t, b.RunCycle(context.Background()))

	assert.Zero(t, led.calls, "no leaves means no anchor call")
	assert.Empty(t, st.batches)
}

func TestRunCycleAnchorFailureLeavesUnbatched(t *testing.T) {
	st := newFakeStore()
	st.addProofs(3)
	led := &fakeLedger{failures: 1 + anchorMaxRetries}

	b := newTestBatcher(st, led, 10)
	err := b.RunCycle(context.Background())
	require.Error(t, err)

	// Nothing recorded, everything still pending.
	assert.Empty(t, st.batches)
	assert.Len(t, st.unbatched, 3)
	assert.Empty(t, st.batched)

	t.Run("next cycle retries and commits", func(t *testing.T) {
		require.NoError(t, b.RunCycle(context.Background()))
		require.Len(t, st.batches, 1)
		assert.Equal(t, int32(3), st.batches[0].LeafCount)
		assert.Empty(t, st.unbatched)
	})
}

func TestRunCycleRetriesTransientAnchorFailure(t *testing.T) {
	st := newFakeStore()
	st.addProofs(2)
	led := &fakeLedger{failures: 1}

	b := newTestBatcher(st, led, 10)
	require.NoError(t, b.RunCycle(context.Background()))

	assert.Equal(t, 2, led.calls, "one failure, one successful retry")
	require.Len(t, st.batches, 1)
	assert.Empty(t, st.unbatched)
}

func TestRunCycleNonExternalAnchorErrorIsPermanent(t *testing.T) {
	st := newFakeStore()
	st.addProofs(2)
	led := &fakeLedger{failures: 100, err: errors.New("abi mismatch")}

	b := newTestBatcher(st, led, 10)
	err := b.RunCycle(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, led.calls, "non-external failures must not be retried")
	assert.Empty(t, st.batches)
	assert.Len(t, st.unbatched, 2)
}

func TestRunCycleCommitFailureSurfaced(t *testing.T) {
	st := newFakeStore()
	st.addProofs(2)
	st.commitErr = errors.New("db down")
	led := &fakeLedger{}

	b := newTestBatcher(st, led, 10)
	err := b.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record anchored batch")

	// The anchor happened; the local queue is intact and will re-anchor.
	assert.Equal(t, 1, led.calls)
	assert.Len(t, st.unbatched, 2)
}

func TestRunCycleLockBusy(t *testing.T) {
	st := newFakeStore()
	st.addProofs(3)
	st.lockBusy = true
	led := &fakeLedger{}

	b := newTestBatcher(st, led, 10)
	require.NoError(t, b.RunCycle(context.Background()))

	assert.Zero(t, led.calls)
	assert.Empty(t, st.batches)
	assert.Len(t, st.unbatched, 3)
}

func TestNewClampsLeafCap(t *testing.T) {
	st := newFakeStore()
	led := &fakeLedger{}

	for _, bad := range []int{0, -5, types.MaxBatchLeaves + 1} {
		b := New(st, led, bad, time.Minute, metrics.NewNoOpRecorder(), zap.NewNop())
		assert.Equal(t, types.MaxBatchLeaves, b.maxLeaves, "cap %d must clamp", bad)
	}

	b := New(st, led, 100, time.Minute, metrics.NewNoOpRecorder(), zap.NewNop())
	assert.Equal(t, 100, b.maxLeaves)
}
