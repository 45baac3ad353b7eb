package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/trufnetwork/attestd/internal/types"
)

// CommitBatch records a committed batch and stamps every included proof in
// one transaction. The update is guarded on batch_id IS NULL so a proof can
// never land in two batches.
func (s *Store) CommitBatch(ctx context.Context, b *types.Batch, proofIDs []uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO batches (id, root, leaf_count, ledger_tx_ref, committed_at)
VALUES ($1, $2, $3, $4, $5)`,
			b.ID, b.Root, b.LeafCount, b.LedgerTxRef, b.CommittedAt)
		if err != nil {
			return errors.Wrap(err, "insert batch")
		}

		tag, err := tx.Exec(ctx, `
UPDATE proofs SET batch_id = $1, ledger_tx_ref = $2
WHERE id = ANY($3) AND batch_id IS NULL`,
			b.ID, b.LedgerTxRef, proofIDs)
		if err != nil {
			return errors.Wrap(err, "mark proofs batched")
		}
		if int(tag.RowsAffected()) != len(proofIDs) {
			return types.NewError(types.CodeConflict,
				"batched %d of %d proofs", tag.RowsAffected(), len(proofIDs))
		}
		return nil
	})
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*types.Batch, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, root, leaf_count, ledger_tx_ref, committed_at
FROM batches
WHERE id = $1`, id)
	return scanBatch(row)
}

// ListBatches pages through committed batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]*types.Batch, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, root, leaf_count, ledger_tx_ref, committed_at
FROM batches
ORDER BY committed_at DESC, id DESC
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list batches")
	}
	defer rows.Close()

	var out []*types.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "list batches")
}

// BatchLeaves returns the digests of a batch in its original leaf order,
// issue time ascending with id as the tiebreak. Inclusion proofs rebuild
// the tree from exactly this sequence.
func (s *Store) BatchLeaves(ctx context.Context, batchID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT digest
FROM proofs
WHERE batch_id = $1
ORDER BY issued_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "list batch leaves")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, errors.Wrap(err, "scan batch leaf")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list batch leaves")
	}
	if len(out) == 0 {
		return nil, types.NewError(types.CodeNotFound, "batch not found")
	}
	return out, nil
}

func scanBatch(row pgx.Row) (*types.Batch, error) {
	var b types.Batch
	err := row.Scan(&b.ID, &b.Root, &b.LeafCount, &b.LedgerTxRef, &b.CommittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "batch not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan batch")
	}
	return &b, nil
}
