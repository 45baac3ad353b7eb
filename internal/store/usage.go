package store

import (
	"context"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// CurrentUsage returns the units consumed in the period. A period with no
// row has consumed nothing.
func (s *Store) CurrentUsage(ctx context.Context, principalID uuid.UUID, period civil.Date) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx, `
SELECT used FROM usage_periods
WHERE principal_id = $1 AND period_start = $2`,
		principalID, period.In(time.UTC)).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "select usage")
	}
	return used, nil
}
