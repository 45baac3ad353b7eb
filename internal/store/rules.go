package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/trufnetwork/attestd/internal/types"
)

func (s *Store) CreateRule(ctx context.Context, r *types.Rule) error {
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return errors.Wrap(err, "marshal conditions")
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO rules (id, agent_id, name, conditions, version, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.AgentID, r.Name, conds, r.Version, string(r.State), r.CreatedAt, r.UpdatedAt)
	return errors.Wrap(err, "insert rule")
}

// GetRule fetches a rule by id regardless of state. Callers decide what an
// archived rule means for them.
func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (*types.Rule, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, agent_id, name, conditions, version, state, created_at, updated_at
FROM rules
WHERE id = $1`, id)
	return scanRule(row)
}

// ListRules returns the rules owned by any of the principal's agents,
// optionally narrowed to one agent.
func (s *Store) ListRules(ctx context.Context, principalID uuid.UUID, agentID *uuid.UUID) ([]*types.Rule, error) {
	rows, err := s.pool.Query(ctx, `
SELECT r.id, r.agent_id, r.name, r.conditions, r.version, r.state, r.created_at, r.updated_at
FROM rules r
JOIN agents a ON a.id = r.agent_id
WHERE a.principal_id = $1 AND ($2::uuid IS NULL OR r.agent_id = $2)
ORDER BY r.created_at ASC, r.id ASC`, principalID, agentID)
	if err != nil {
		return nil, errors.Wrap(err, "list rules")
	}
	defer rows.Close()

	var out []*types.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "list rules")
}

// UpdateRule replaces a rule's name and conditions, snapshotting the prior
// version first. The rule row is locked for the duration so concurrent edits
// serialize and every version lands in the history exactly once.
func (s *Store) UpdateRule(ctx context.Context, id, principalID uuid.UUID, name string, conditions []types.Condition, now time.Time) (*types.Rule, error) {
	var out *types.Rule
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		r, owner, err := lockRule(ctx, tx, id)
		if err != nil {
			return err
		}
		if owner != principalID {
			return types.NewError(types.CodeOwnership, "rule belongs to another principal")
		}
		if r.State != types.RuleActive {
			return types.NewError(types.CodeState, "rule is archived")
		}

		prior, err := json.Marshal(r.Conditions)
		if err != nil {
			return errors.Wrap(err, "marshal prior conditions")
		}
		_, err = tx.Exec(ctx, `
INSERT INTO rule_versions (rule_id, version, name, conditions, replaced_at)
VALUES ($1, $2, $3, $4, $5)`, r.ID, r.Version, r.Name, prior, now)
		if err != nil {
			return errors.Wrap(err, "snapshot rule version")
		}

		next, err := json.Marshal(conditions)
		if err != nil {
			return errors.Wrap(err, "marshal conditions")
		}
		err = tx.QueryRow(ctx, `
UPDATE rules SET name = $2, conditions = $3, version = version + 1, updated_at = $4
WHERE id = $1
RETURNING version`, id, name, next, now).Scan(&r.Version)
		if err != nil {
			return errors.Wrap(err, "update rule")
		}

		r.Name = name
		r.Conditions = conditions
		r.UpdatedAt = now
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveRule retires a rule. Archived rules stay readable because issued
// proofs reference them, but no further issuance or edits are allowed.
func (s *Store) ArchiveRule(ctx context.Context, id, principalID uuid.UUID, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		r, owner, err := lockRule(ctx, tx, id)
		if err != nil {
			return err
		}
		if owner != principalID {
			return types.NewError(types.CodeOwnership, "rule belongs to another principal")
		}
		if r.State != types.RuleActive {
			return types.NewError(types.CodeState, "rule is already archived")
		}
		_, err = tx.Exec(ctx,
			`UPDATE rules SET state = $2, updated_at = $3 WHERE id = $1`,
			id, string(types.RuleArchived), now)
		return errors.Wrap(err, "archive rule")
	})
}

// ListRuleVersions returns the archived snapshots of a rule, oldest first.
// The current version lives in rules and is not duplicated here.
func (s *Store) ListRuleVersions(ctx context.Context, ruleID uuid.UUID) ([]*types.RuleVersion, error) {
	rows, err := s.pool.Query(ctx, `
SELECT rule_id, version, name, conditions, replaced_at
FROM rule_versions
WHERE rule_id = $1
ORDER BY version ASC`, ruleID)
	if err != nil {
		return nil, errors.Wrap(err, "list rule versions")
	}
	defer rows.Close()

	var out []*types.RuleVersion
	for rows.Next() {
		var v types.RuleVersion
		var conds []byte
		if err := rows.Scan(&v.RuleID, &v.Version, &v.Name, &conds, &v.ReplacedAt); err != nil {
			return nil, errors.Wrap(err, "scan rule version")
		}
		if err := json.Unmarshal(conds, &v.Conditions); err != nil {
			return nil, errors.Wrap(err, "decode rule version conditions")
		}
		out = append(out, &v)
	}
	return out, errors.Wrap(rows.Err(), "list rule versions")
}

// lockRule loads a rule FOR UPDATE together with its owning principal.
func lockRule(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*types.Rule, uuid.UUID, error) {
	var r types.Rule
	var owner uuid.UUID
	var state string
	var conds []byte
	err := tx.QueryRow(ctx, `
SELECT r.id, r.agent_id, r.name, r.conditions, r.version, r.state, r.created_at, r.updated_at, a.principal_id
FROM rules r
JOIN agents a ON a.id = r.agent_id
WHERE r.id = $1
FOR UPDATE OF r`, id).Scan(
		&r.ID, &r.AgentID, &r.Name, &conds, &r.Version, &state, &r.CreatedAt, &r.UpdatedAt, &owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, uuid.Nil, types.NewError(types.CodeNotFound, "rule not found")
	}
	if err != nil {
		return nil, uuid.Nil, errors.Wrap(err, "lock rule")
	}
	if err := json.Unmarshal(conds, &r.Conditions); err != nil {
		return nil, uuid.Nil, errors.Wrap(err, "decode rule conditions")
	}
	r.State = types.RuleState(state)
	return &r, owner, nil
}

func scanRule(row pgx.Row) (*types.Rule, error) {
	var r types.Rule
	var state string
	var conds []byte
	err := row.Scan(&r.ID, &r.AgentID, &r.Name, &conds, &r.Version, &state, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "rule not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan rule")
	}
	if err := json.Unmarshal(conds, &r.Conditions); err != nil {
		return nil, errors.Wrap(err, "decode rule conditions")
	}
	r.State = types.RuleState(state)
	return &r, nil
}
