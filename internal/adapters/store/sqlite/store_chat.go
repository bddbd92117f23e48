package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Plaza/internal/domain"
	"github.com/google/uuid"
)

// SaveMessage stores a chat line and returns its id.
func (s *Store) SaveMessage(ctx context.Context, msg domain.ChatMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = timeNow()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, space_id, sender_id, sender_type, sender_name, content, kind, target_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.SpaceID), msg.SenderID, string(msg.SenderType), msg.SenderName,
		msg.Content, string(msg.Kind), msg.TargetID, toMillis(msg.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	return msg.ID, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.ChatMessage, error) {
	var (
		msg        domain.ChatMessage
		space      string
		senderType string
		kind       string
		created    int64
		deleted    bool
		deletedAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, space_id, sender_id, sender_type, sender_name, content, kind, target_id,
		        created_at, deleted, deleted_by, deleted_at
		 FROM chat_messages WHERE id = ?`, id,
	).Scan(&msg.ID, &space, &msg.SenderID, &senderType, &msg.SenderName, &msg.Content, &kind, &msg.TargetID,
		&created, &deleted, &msg.DeletedBy, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChatMessage{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("get message: %w", err)
	}
	msg.SpaceID = domain.SpaceID(space)
	msg.SenderType = domain.SenderType(senderType)
	msg.Kind = domain.MessageKind(kind)
	msg.CreatedAt = fromMillis(created)
	msg.Deleted = deleted
	msg.DeletedAt = timePtr(deletedAt)
	return msg, nil
}

// SoftDeleteMessage marks the line deleted and writes the audit entry in
// the same transaction.
func (s *Store) SoftDeleteMessage(ctx context.Context, id, deletedBy string, at time.Time, entry domain.EventLogEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE chat_messages SET deleted = 1, deleted_by = ?, deleted_at = ? WHERE id = ?`,
			deletedBy, toMillis(at), id,
		)
		if err != nil {
			return fmt.Errorf("soft delete message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return appendEvent(ctx, tx, entry)
	})
}
