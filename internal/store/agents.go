package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/trufnetwork/attestd/internal/types"
)

// CreateAgent inserts an agent with its credential hash. The hash is unique
// across all agents; a collision means the caller generated a duplicate key.
func (s *Store) CreateAgent(ctx context.Context, a *types.Agent, apiKeyHash string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO agents (id, principal_id, name, state, nonce, api_key_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.PrincipalID, a.Name, string(a.State), a.Nonce, apiKeyHash, a.CreatedAt)
	if uniqueViolation(err) == "agents_api_key_hash_key" {
		return types.WrapError(types.CodeConflict, err, "credential already registered")
	}
	if err != nil {
		return errors.Wrap(err, "insert agent")
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*types.Agent, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, principal_id, name, state, nonce, created_at
FROM agents
WHERE id = $1`, id)
	return scanAgent(row)
}

// GetAgentByKeyHash resolves a credential to its agent and owning principal.
// Used on every authenticated request; does not filter by state so the
// caller can distinguish suspended from unknown.
func (s *Store) GetAgentByKeyHash(ctx context.Context, keyHash string) (*types.Agent, *types.Principal, error) {
	var a types.Agent
	var p types.Principal
	var agentState, tier, principalState string
	err := s.pool.QueryRow(ctx, `
SELECT a.id, a.principal_id, a.name, a.state, a.nonce, a.created_at,
       p.id, p.name, p.tier, p.state, p.created_at
FROM agents a
JOIN principals p ON p.id = a.principal_id
WHERE a.api_key_hash = $1`, keyHash).Scan(
		&a.ID, &a.PrincipalID, &a.Name, &agentState, &a.Nonce, &a.CreatedAt,
		&p.ID, &p.Name, &tier, &principalState, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, types.NewError(types.CodeNotFound, "unknown credential")
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "select agent by credential")
	}
	a.State = types.AgentState(agentState)
	p.Tier = types.Tier(tier)
	p.State = types.PrincipalState(principalState)
	return &a, &p, nil
}

func (s *Store) ListAgents(ctx context.Context, principalID uuid.UUID) ([]*types.Agent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, principal_id, name, state, nonce, created_at
FROM agents
WHERE principal_id = $1 AND state <> 'deleted'
ORDER BY created_at ASC, id ASC`, principalID)
	if err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "list agents")
}

// SetAgentState transitions an agent owned by principalID. Deleted agents
// are tombstones: no transition out of deleted is allowed.
func (s *Store) SetAgentState(ctx context.Context, id, principalID uuid.UUID, state types.AgentState) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE agents SET state = $3
WHERE id = $1 AND principal_id = $2 AND state <> 'deleted'`,
		id, principalID, string(state))
	if err != nil {
		return errors.Wrap(err, "update agent state")
	}
	if tag.RowsAffected() == 0 {
		return s.classifyAgentMiss(ctx, id, principalID)
	}
	return nil
}

// classifyAgentMiss explains why an agent-scoped write matched nothing.
func (s *Store) classifyAgentMiss(ctx context.Context, id, principalID uuid.UUID) error {
	var owner uuid.UUID
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT principal_id, state FROM agents WHERE id = $1`, id).Scan(&owner, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NewError(types.CodeNotFound, "agent not found")
	}
	if err != nil {
		return errors.Wrap(err, "inspect agent")
	}
	if owner != principalID {
		return types.NewError(types.CodeOwnership, "agent belongs to another principal")
	}
	return types.NewError(types.CodeState, "agent is deleted")
}

func scanAgent(row pgx.Row) (*types.Agent, error) {
	var a types.Agent
	var state string
	err := row.Scan(&a.ID, &a.PrincipalID, &a.Name, &state, &a.Nonce, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "agent not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan agent")
	}
	a.State = types.AgentState(state)
	return &a, nil
}
