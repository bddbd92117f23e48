package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dkeye/Plaza/internal/domain"
	"github.com/google/uuid"
)

const grantColumns = `id, space_id, participant_id, expires_at, is_active`

func scanGrant(row *sql.Row) (domain.SpotlightGrant, error) {
	var (
		g          domain.SpotlightGrant
		space, pid string
		expires    sql.NullInt64
	)
	err := row.Scan(&g.ID, &space, &pid, &expires, &g.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SpotlightGrant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SpotlightGrant{}, fmt.Errorf("scan grant: %w", err)
	}
	g.SpaceID = domain.SpaceID(space)
	g.ParticipantID = domain.ParticipantID(pid)
	g.ExpiresAt = timePtr(expires)
	return g, nil
}

// PutSpotlightGrant issues or replaces the participant's grant and returns
// its id.
func (s *Store) PutSpotlightGrant(ctx context.Context, g domain.SpotlightGrant) (string, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO spotlight_grants (`+grantColumns+`) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (space_id, participant_id) DO UPDATE SET
		   expires_at = excluded.expires_at, is_active = excluded.is_active
		 RETURNING id`,
		g.ID, string(g.SpaceID), string(g.ParticipantID), nullMillis(g.ExpiresAt), g.IsActive,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("put spotlight grant: %w", err)
	}
	return id, nil
}

func (s *Store) FindSpotlightGrant(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID) (domain.SpotlightGrant, error) {
	return scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM spotlight_grants WHERE space_id = ? AND participant_id = ?`,
		string(space), string(pid),
	))
}

func (s *Store) GetSpotlightGrant(ctx context.Context, space domain.SpaceID, grantID string) (domain.SpotlightGrant, error) {
	return scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM spotlight_grants WHERE id = ? AND space_id = ?`,
		grantID, string(space),
	))
}

func (s *Store) SetSpotlightActive(ctx context.Context, grantID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE spotlight_grants SET is_active = ? WHERE id = ?`, active, grantID)
	if err != nil {
		return fmt.Errorf("set spotlight active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
