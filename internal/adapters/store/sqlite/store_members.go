package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Plaza/internal/domain"
	"github.com/google/uuid"
)

// Member is one row of space membership, used to seed roles.
type Member struct {
	ID            string
	SpaceID       domain.SpaceID
	ParticipantID domain.ParticipantID
	UserID        domain.UserID
	Role          domain.Role
}

// PutSpace creates or re-owns a space.
func (s *Store) PutSpace(ctx context.Context, space domain.SpaceID, owner domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spaces (id, owner_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id`,
		string(space), string(owner), toMillis(timeNow()),
	)
	if err != nil {
		return fmt.Errorf("put space: %w", err)
	}
	return nil
}

func (s *Store) AddSuperAdmin(ctx context.Context, user domain.UserID) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO super_admins (user_id) VALUES (?)`, string(user)); err != nil {
		return fmt.Errorf("add super admin: %w", err)
	}
	return nil
}

// PutMember upserts a membership keyed by space and participant. An empty
// ID gets a fresh one; the stored id is returned.
func (s *Store) PutMember(ctx context.Context, m Member) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Role == domain.RoleNone {
		m.Role = domain.RoleParticipant
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO space_members (id, space_id, participant_id, user_id, role)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (space_id, participant_id) DO UPDATE SET user_id = excluded.user_id, role = excluded.role
		 RETURNING id`,
		m.ID, string(m.SpaceID), string(m.ParticipantID), nullString(string(m.UserID)), string(m.Role),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("put member: %w", err)
	}
	return id, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *Store) IsSuperAdmin(ctx context.Context, user domain.UserID) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM super_admins WHERE user_id = ?`, string(user)).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("super admin lookup: %w", err)
	}
	return true, nil
}

func (s *Store) MemberRole(ctx context.Context, space domain.SpaceID, user domain.UserID) (domain.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM space_members WHERE space_id = ? AND user_id = ? LIMIT 1`,
		string(space), string(user),
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RoleNone, domain.ErrNotFound
	}
	if err != nil {
		return domain.RoleNone, fmt.Errorf("member role: %w", err)
	}
	return domain.Role(role), nil
}

func (s *Store) SpaceOwner(ctx context.Context, space domain.SpaceID) (domain.UserID, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM spaces WHERE id = ?`, string(space)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner == "") {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("space owner: %w", err)
	}
	return domain.UserID(owner), nil
}

// LoadRestriction returns the stored restriction and member id, or
// domain.ErrNotFound when the participant has no membership row.
func (s *Store) LoadRestriction(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID) (domain.Restriction, string, error) {
	var (
		id, kind, reason, by string
		until                sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, restriction, restricted_until, restricted_reason, restricted_by
		 FROM space_members WHERE space_id = ? AND participant_id = ?`,
		string(space), string(pid),
	).Scan(&id, &kind, &until, &reason, &by)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Restriction{}, "", domain.ErrNotFound
	}
	if err != nil {
		return domain.Restriction{}, "", fmt.Errorf("load restriction: %w", err)
	}
	return domain.Restriction{
		Kind:   domain.RestrictionKind(kind),
		Until:  timePtr(until),
		Reason: reason,
		By:     domain.ParticipantID(by),
	}, id, nil
}

// SaveRestriction writes r, creating a participant membership if needed.
func (s *Store) SaveRestriction(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID, r domain.Restriction) error {
	kind := r.Kind
	if kind == "" {
		kind = domain.RestrictionNone
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO space_members (id, space_id, participant_id, restriction, restricted_until, restricted_reason, restricted_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (space_id, participant_id) DO UPDATE SET
		   restriction = excluded.restriction,
		   restricted_until = excluded.restricted_until,
		   restricted_reason = excluded.restricted_reason,
		   restricted_by = excluded.restricted_by`,
		uuid.NewString(), string(space), string(pid), string(kind), nullMillis(r.Until), r.Reason, string(r.By),
	)
	if err != nil {
		return fmt.Errorf("save restriction: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, e domain.EventLogEntry) error {
	return appendEvent(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEvent(ctx context.Context, db execer, e domain.EventLogEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO event_logs (space_id, user_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(e.SpaceID), string(e.UserID), string(e.Type), string(payload), toMillis(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the audit trail of a space, oldest first.
func (s *Store) Events(ctx context.Context, space domain.SpaceID) ([]domain.EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, type, payload, created_at FROM event_logs WHERE space_id = ? ORDER BY id`,
		string(space),
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.EventLogEntry
	for rows.Next() {
		var (
			user, typ, payload string
			at                 int64
		)
		if err := rows.Scan(&user, &typ, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e := domain.EventLogEntry{SpaceID: space, UserID: domain.UserID(user), Type: domain.EventType(typ), CreatedAt: fromMillis(at)}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
