package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/trufnetwork/attestd/internal/types"
)

// IssueParams carries the identity and quota facts for one issuance.
// Quota is the principal's monthly limit; Period the current month.
type IssueParams struct {
	AgentID     uuid.UUID
	PrincipalID uuid.UUID
	Period      civil.Date
	Quota       int64
}

// BuildProof assembles the proof for the nonce and timestamp reserved by
// the transaction. It must be pure: the transaction may retry and re-run it.
type BuildProof func(nonce int64, issuedAt time.Time) (*types.Proof, error)

// IssueProof runs the atomic issuance section: reserve the next nonce under
// a row lock, build the proof, insert it, debit the monthly quota. Any
// failure rolls back the whole section, leaving the nonce unconsumed and
// the period undebited.
func (s *Store) IssueProof(ctx context.Context, params IssueParams, build BuildProof) (*types.Proof, error) {
	if params.Quota <= 0 {
		return nil, types.NewError(types.CodeQuotaExceeded, "monthly quota exhausted")
	}

	var proof *types.Proof
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var nonce int64
		err := tx.QueryRow(ctx, `
UPDATE agents SET nonce = nonce + 1
WHERE id = $1 AND state = 'active'
RETURNING nonce`, params.AgentID).Scan(&nonce)
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewError(types.CodeState, "agent is not active")
		}
		if err != nil {
			return errors.Wrap(err, "advance agent nonce")
		}

		// Postgres keeps microseconds; the signed payload must carry the
		// same instant the row stores.
		issuedAt := time.Now().UTC().Truncate(time.Microsecond)

		proof, err = build(nonce, issuedAt)
		if err != nil {
			return err
		}

		if err := insertProof(ctx, tx, proof); err != nil {
			return err
		}

		// Guarded debit: the update applies only while the period has
		// headroom, so two racing issuances cannot both take the last unit.
		var used int64
		err = tx.QueryRow(ctx, `
INSERT INTO usage_periods (principal_id, period_start, used)
VALUES ($1, $2, 1)
ON CONFLICT (principal_id, period_start)
DO UPDATE SET used = usage_periods.used + 1
WHERE usage_periods.used < $3
RETURNING used`, params.PrincipalID, params.Period.In(time.UTC), params.Quota).Scan(&used)
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewError(types.CodeQuotaExceeded, "monthly quota exhausted")
		}
		if err != nil {
			return errors.Wrap(err, "debit usage")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

func insertProof(ctx context.Context, tx pgx.Tx, p *types.Proof) error {
	action, err := json.Marshal(p.Action)
	if err != nil {
		return errors.Wrap(err, "marshal action")
	}
	results, err := json.Marshal(p.Results)
	if err != nil {
		return errors.Wrap(err, "marshal evaluation")
	}
	_, err = tx.Exec(ctx, `
INSERT INTO proofs (id, agent_id, rule_id, rule_version, action, evaluation, met,
                    summary, digest, signature_envelope, nonce, unit_cost, issued_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.AgentID, p.RuleID, p.RuleVersion, action, results, p.Met,
		p.Summary, p.Digest, p.SignatureEnvelope, p.Nonce, p.UnitCost.Text('f'), p.IssuedAt)
	switch uniqueViolation(err) {
	case "proofs_digest_key":
		return types.WrapError(types.CodeConflict, err, "digest already recorded")
	case "proofs_agent_nonce_key":
		return types.WrapError(types.CodeConflict, err, "nonce already consumed")
	}
	return errors.Wrap(err, "insert proof")
}

func (s *Store) GetProof(ctx context.Context, id uuid.UUID) (*types.Proof, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, agent_id, rule_id, rule_version, action, evaluation, met,
       summary, digest, signature_envelope, nonce, ledger_tx_ref, batch_id,
       unit_cost::text, issued_at
FROM proofs
WHERE id = $1`, id)
	return scanProof(row)
}

// ListProofs pages through a principal's proofs, newest first, optionally
// narrowed to one agent.
func (s *Store) ListProofs(ctx context.Context, principalID uuid.UUID, agentID *uuid.UUID, limit, offset int) ([]*types.Proof, error) {
	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.agent_id, p.rule_id, p.rule_version, p.action, p.evaluation, p.met,
       p.summary, p.digest, p.signature_envelope, p.nonce, p.ledger_tx_ref, p.batch_id,
       p.unit_cost::text, p.issued_at
FROM proofs p
JOIN agents a ON a.id = p.agent_id
WHERE a.principal_id = $1 AND ($2::uuid IS NULL OR p.agent_id = $2)
ORDER BY p.issued_at DESC, p.id DESC
LIMIT $3 OFFSET $4`, principalID, agentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list proofs")
	}
	defer rows.Close()

	var out []*types.Proof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list proofs")
}

// UnbatchedProof is the projection the batcher works with.
type UnbatchedProof struct {
	ID     uuid.UUID
	Digest string
}

// ListUnbatched returns up to limit unbatched proofs in commit order: issue
// time ascending, id as the tiebreak. This is the leaf order of the next
// batch.
func (s *Store) ListUnbatched(ctx context.Context, limit int) ([]UnbatchedProof, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, digest
FROM proofs
WHERE batch_id IS NULL
ORDER BY issued_at ASC, id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unbatched proofs")
	}
	defer rows.Close()

	var out []UnbatchedProof
	for rows.Next() {
		var u UnbatchedProof
		if err := rows.Scan(&u.ID, &u.Digest); err != nil {
			return nil, errors.Wrap(err, "scan unbatched proof")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "list unbatched proofs")
}

// CountUnbatched reports the batching backlog.
func (s *Store) CountUnbatched(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM proofs WHERE batch_id IS NULL`).Scan(&n)
	return n, errors.Wrap(err, "count unbatched proofs")
}

func scanProof(row pgx.Row) (*types.Proof, error) {
	var p types.Proof
	var action, results []byte
	var cost string
	err := row.Scan(&p.ID, &p.AgentID, &p.RuleID, &p.RuleVersion, &action, &results, &p.Met,
		&p.Summary, &p.Digest, &p.SignatureEnvelope, &p.Nonce, &p.LedgerTxRef, &p.BatchID,
		&cost, &p.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "proof not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan proof")
	}
	if err := json.Unmarshal(action, &p.Action); err != nil {
		return nil, errors.Wrap(err, "decode action")
	}
	if err := json.Unmarshal(results, &p.Results); err != nil {
		return nil, errors.Wrap(err, "decode evaluation")
	}
	p.UnitCost, _, err = apd.NewFromString(cost)
	if err != nil {
		return nil, errors.Wrap(err, "decode unit cost")
	}
	// numeric(12,4) pads trailing zeros; reduce back to the canonical form.
	p.UnitCost.Reduce(p.UnitCost)
	return &p, nil
}
