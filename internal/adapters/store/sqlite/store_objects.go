package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Plaza/internal/domain"
)

const objectColumns = `id, space_id, asset_id, x, y, rotation, linked_object_id, custom_data, placed_by, placed_by_type, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(row scanner) (domain.MapObject, error) {
	var (
		o                       domain.MapObject
		space, placedBy, byType string
		rotation                int
		custom                  sql.NullString
		created                 int64
	)
	if err := row.Scan(&o.ID, &space, &o.AssetID, &o.X, &o.Y, &rotation, &o.LinkedObjectID,
		&custom, &placedBy, &byType, &created); err != nil {
		return domain.MapObject{}, err
	}
	o.SpaceID = domain.SpaceID(space)
	o.Rotation = domain.Rotation(rotation)
	if custom.Valid && custom.String != "" {
		o.CustomData = json.RawMessage(custom.String)
	}
	o.PlacedBy = domain.ParticipantID(placedBy)
	o.PlacedByType = domain.SenderType(byType)
	o.CreatedAt = fromMillis(created)
	return o, nil
}

func customData(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func (s *Store) CreateObject(ctx context.Context, obj domain.MapObject) (domain.MapObject, error) {
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = timeNow()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO map_objects (`+objectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.ID, string(obj.SpaceID), obj.AssetID, obj.X, obj.Y, int(obj.Rotation), obj.LinkedObjectID,
		customData(obj.CustomData), string(obj.PlacedBy), string(obj.PlacedByType), toMillis(obj.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.MapObject{}, fmt.Errorf("object %s already exists: %w", obj.ID, err)
		}
		return domain.MapObject{}, fmt.Errorf("create object: %w", err)
	}
	obj.CreatedAt = fromMillis(toMillis(obj.CreatedAt))
	return obj, nil
}

func getObject(ctx context.Context, tx *sql.Tx, space domain.SpaceID, id string) (domain.MapObject, error) {
	o, err := scanObject(tx.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM map_objects WHERE id = ? AND space_id = ?`, id, string(space)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MapObject{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MapObject{}, fmt.Errorf("get object: %w", err)
	}
	return o, nil
}

// UpdateObject applies the non-nil fields of patch and returns the result.
func (s *Store) UpdateObject(ctx context.Context, space domain.SpaceID, id string, patch domain.ObjectPatch) (domain.MapObject, error) {
	var out domain.MapObject
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := getObject(ctx, tx, space, id)
		if err != nil {
			return err
		}
		if patch.X != nil {
			o.X = *patch.X
		}
		if patch.Y != nil {
			o.Y = *patch.Y
		}
		if patch.Rotation != nil {
			o.Rotation = *patch.Rotation
		}
		if patch.LinkedObjectID != nil {
			o.LinkedObjectID = *patch.LinkedObjectID
		}
		if patch.CustomData != nil {
			o.CustomData = patch.CustomData
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE map_objects SET x = ?, y = ?, rotation = ?, linked_object_id = ?, custom_data = ? WHERE id = ?`,
			o.X, o.Y, int(o.Rotation), o.LinkedObjectID, customData(o.CustomData), id,
		); err != nil {
			return fmt.Errorf("update object: %w", err)
		}
		out = o
		return nil
	})
	return out, err
}

// DeleteObject removes the object and clears links pointing at it.
func (s *Store) DeleteObject(ctx context.Context, space domain.SpaceID, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM map_objects WHERE id = ? AND space_id = ?`, id, string(space))
		if err != nil {
			return fmt.Errorf("delete object: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE map_objects SET linked_object_id = '' WHERE space_id = ? AND linked_object_id = ?`,
			string(space), id,
		); err != nil {
			return fmt.Errorf("unlink objects: %w", err)
		}
		return nil
	})
}

func (s *Store) ListObjects(ctx context.Context, space domain.SpaceID) ([]domain.MapObject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM map_objects WHERE space_id = ? ORDER BY created_at, id`, string(space))
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var out []domain.MapObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
