package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/trufnetwork/attestd/internal/types"
)

func (s *Store) CreatePrincipal(ctx context.Context, p *types.Principal, apiKeyHash string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO principals (id, name, tier, state, api_key_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, string(p.Tier), string(p.State), apiKeyHash, p.CreatedAt)
	if uniqueViolation(err) == "principals_api_key_hash_key" {
		return types.WrapError(types.CodeConflict, err, "credential already registered")
	}
	if err != nil {
		return errors.Wrap(err, "insert principal")
	}
	return nil
}

func (s *Store) GetPrincipal(ctx context.Context, id uuid.UUID) (*types.Principal, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, name, tier, state, created_at
FROM principals
WHERE id = $1`, id)
	return scanPrincipal(row)
}

// GetPrincipalByKeyHash resolves a management credential to its principal.
func (s *Store) GetPrincipalByKeyHash(ctx context.Context, keyHash string) (*types.Principal, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, name, tier, state, created_at
FROM principals
WHERE api_key_hash = $1`, keyHash)
	p, err := scanPrincipal(row)
	if err != nil {
		if types.CodeOf(err) == types.CodeNotFound {
			return nil, types.NewError(types.CodeNotFound, "unknown credential")
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) SetPrincipalState(ctx context.Context, id uuid.UUID, state types.PrincipalState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE principals SET state = $2 WHERE id = $1`, id, string(state))
	if err != nil {
		return errors.Wrap(err, "update principal state")
	}
	if tag.RowsAffected() == 0 {
		return types.NewError(types.CodeNotFound, "principal not found")
	}
	return nil
}

func scanPrincipal(row pgx.Row) (*types.Principal, error) {
	var p types.Principal
	var tier, state string
	err := row.Scan(&p.ID, &p.Name, &tier, &state, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "principal not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan principal")
	}
	p.Tier = types.Tier(tier)
	p.State = types.PrincipalState(state)
	return &p, nil
}
