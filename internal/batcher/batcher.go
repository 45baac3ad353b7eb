// Package batcher aggregates unbatched proofs into Merkle batches and
// anchors their roots on the external ledger. A cycle drains the backlog in
// batches of at most the configured leaf cap; each batch is anchored first
// and recorded second, so a failure at any point leaves every affected proof
// unbatched and re-batchable on the next cycle. No partial progress is ever
// recorded.
package batcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/trufnetwork/attestd/internal/canonical"
	"github.com/trufnetwork/attestd/internal/ledger"
	"github.com/trufnetwork/attestd/internal/merkle"
	"github.com/trufnetwork/attestd/internal/metrics"
	"github.com/trufnetwork/attestd/internal/store"
	"github.com/trufnetwork/attestd/internal/types"
)

// anchorMaxRetries bounds the in-cycle retries of a failing anchor call.
// Anything still failing afterwards waits for the next cycle.
const anchorMaxRetries = 2

// Store is the persistence surface the batcher drives. *store.Store
// satisfies it.
type Store interface {
	AcquireBatchLock(ctx context.Context) (release func(), ok bool, err error)
	ListUnbatched(ctx context.Context, limit int) ([]store.UnbatchedProof, error)
	CommitBatch(ctx context.Context, b *types.Batch, proofIDs []uuid.UUID) error
	CountUnbatched(ctx context.Context) (int64, error)
}

// Batcher builds and commits Merkle batches. It holds no state between
// cycles; everything it needs lives in storage.
type Batcher struct {
	store     Store
	ledger    ledger.Ledger
	maxLeaves int
	timeout   time.Duration
	recorder  metrics.Recorder
	logger    *zap.Logger
}

func New(st Store, led ledger.Ledger, maxLeaves int, timeout time.Duration, rec metrics.Recorder, logger *zap.Logger) *Batcher {
	if maxLeaves < 1 || maxLeaves > types.MaxBatchLeaves {
		maxLeaves = types.MaxBatchLeaves
	}
	return &Batcher{
		store:     st,
		ledger:    led,
		maxLeaves: maxLeaves,
		timeout:   timeout,
		recorder:  rec,
		logger:    logger,
	}
}

// RunCycle drains the unbatched backlog under the deployment-wide advisory
// lock. It keeps committing full batches until the backlog drops below one
// batch, an error occurs, or the cycle deadline passes. Deadline expiry is
// not an error: the remaining proofs simply wait for the next cycle.
func (b *Batcher) RunCycle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	release, ok, err := b.store.AcquireBatchLock(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire batch lock")
	}
	if !ok {
		b.logger.Debug("another batcher holds the lock, skipping cycle")
		return nil
	}
	defer release()

	for {
		n, err := b.batchOnce(ctx)
		if err != nil {
			b.reportBacklog(ctx)
			return err
		}
		if n < b.maxLeaves {
			// Backlog drained below one full batch.
			b.reportBacklog(ctx)
			return nil
		}
		select {
		case <-ctx.Done():
			b.logger.Info("batch cycle deadline reached with backlog remaining")
			return nil
		default:
		}
	}
}

// batchOnce commits at most one batch and reports how many proofs it took.
func (b *Batcher) batchOnce(ctx context.Context) (int, error) {
	pending, err := b.store.ListUnbatched(ctx, b.maxLeaves)
	if err != nil {
		b.recorder.RecordBatchError(ctx, "scan")
		return 0, errors.Wrap(err, "list unbatched proofs")
	}
	if len(pending) == 0 {
		return 0, nil
	}

	leaves := make([][]byte, len(pending))
	for i, p := range pending {
		d, err := canonical.ParseDigestHex(p.Digest)
		if err != nil {
			b.recorder.RecordBatchError(ctx, "corrupt_digest")
			return 0, errors.Wrapf(err, "proof %s carries a malformed digest", p.ID)
		}
		leaves[i] = d[:]
	}
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		b.recorder.RecordBatchError(ctx, "tree")
		return 0, err
	}

	root := tree.RootHex()
	digests := lo.Map(pending, func(p store.UnbatchedProof, _ int) string { return p.Digest })
	started := time.Now()

	txRef, err := b.anchor(ctx, root, digests)
	if err != nil {
		// Nothing recorded: the same proofs are retried next cycle.
		b.recorder.RecordBatchError(ctx, "anchor")
		return 0, errors.Wrapf(err, "anchor batch of %d leaves", len(pending))
	}

	batch := &types.Batch{
		ID:          uuid.New(),
		Root:        root,
		LeafCount:   int32(len(pending)),
		LedgerTxRef: txRef,
		CommittedAt: time.Now().UTC(),
	}
	ids := lo.Map(pending, func(p store.UnbatchedProof, _ int) uuid.UUID { return p.ID })
	if err := b.store.CommitBatch(ctx, batch, ids); err != nil {
		// The anchor is on the ledger but the local record failed; the next
		// cycle re-anchors the same leaves under a fresh root entry.
		b.recorder.RecordBatchError(ctx, "commit")
		return 0, errors.Wrapf(err, "record anchored batch %s (tx %s)", batch.ID, txRef)
	}

	b.recorder.RecordBatchCommitted(ctx, len(pending), time.Since(started))
	b.logger.Info("batch committed",
		zap.String("batch_id", batch.ID.String()),
		zap.String("root", root),
		zap.Int("leaves", len(pending)),
		zap.String("tx", txRef))
	return len(pending), nil
}

// anchor calls the ledger with bounded retries. Only external failures
// (unreachable, rejected) are retried; anything else is a bug and permanent.
func (b *Batcher) anchor(ctx context.Context, root string, leaves []string) (string, error) {
	var txRef string
	op := func() error {
		ref, err := b.ledger.AnchorBatch(ctx, root, len(leaves), leaves)
		if err != nil {
			if types.CodeOf(err) == types.CodeExternal {
				return err
			}
			return backoff.Permanent(err)
		}
		txRef = ref
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), anchorMaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return txRef, nil
}

func (b *Batcher) reportBacklog(ctx context.Context) {
	n, err := b.store.CountUnbatched(ctx)
	if err != nil {
		b.logger.Debug("failed to count unbatched backlog", zap.Error(err))
		return
	}
	b.recorder.RecordBacklog(ctx, int(n))
}
