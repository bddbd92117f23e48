package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const objectNotFound = "Object not found."

// objectFailed logs a store failure and reports fallback to the actor.
func (o *Orchestrator) objectFailed(s *app.Session, op string, err error, fallback string) {
	if errors.Is(err, domain.ErrNotFound) {
		o.send(s, protocol.ObjectError{Message: objectNotFound})
		return
	}
	log.Error().Err(err).Str("module", "app.orch").Str("code", string(domain.CodeObjectSaveFailed)).
		Str("conn", string(s.ConnID)).Str("op", op).Msg("object store failed")
	o.send(s, protocol.ObjectError{Message: fallback})
}

func (o *Orchestrator) PlaceObject(ctx context.Context, s *app.Session, m *protocol.ObjectPlace) {
	id := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	if _, err := o.Moderation.Authorize(ctx, id, false); err != nil {
		o.send(s, protocol.ObjectError{Message: domain.MessageOf(err, "You cannot place objects.")})
		return
	}
	_, placedByType := domain.StoredSender(id.Token, id.ParticipantID)
	obj, err := o.Objects.CreateObject(ctx, domain.MapObject{
		ID:             uuid.NewString(),
		SpaceID:        id.SpaceID,
		AssetID:        m.AssetID,
		X:              m.Position.X,
		Y:              m.Position.Y,
		Rotation:       domain.Rotation(m.Rotation),
		LinkedObjectID: m.LinkedObjectID,
		CustomData:     m.CustomData,
		PlacedBy:       id.ParticipantID,
		PlacedByType:   placedByType,
		CreatedAt:      o.now(),
	})
	if err != nil {
		o.objectFailed(s, "place", err, "Failed to place the object.")
		return
	}
	o.broadcast(id.SpaceID, protocol.ObjectPlaced{Object: protocol.ObjectFrom(obj), PlacedByNickname: id.Nickname}, "")
}

func (o *Orchestrator) UpdateObject(ctx context.Context, s *app.Session, m *protocol.ObjectUpdate) {
	id := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	if _, err := o.Moderation.Authorize(ctx, id, false); err != nil {
		o.send(s, protocol.ObjectError{Message: domain.MessageOf(err, "You cannot edit objects.")})
		return
	}
	var patch domain.ObjectPatch
	if m.Position != nil {
		x, y := m.Position.X, m.Position.Y
		patch.X, patch.Y = &x, &y
	}
	if m.Rotation != nil {
		r := domain.Rotation(*m.Rotation)
		patch.Rotation = &r
	}
	patch.LinkedObjectID = m.LinkedObjectID
	patch.CustomData = m.CustomData

	obj, err := o.Objects.UpdateObject(ctx, id.SpaceID, m.ObjectID, patch)
	if err != nil {
		o.objectFailed(s, "update", err, "Failed to update the object.")
		return
	}
	o.broadcast(id.SpaceID, protocol.ObjectUpdated{Object: protocol.ObjectFrom(obj), UpdatedByNickname: id.Nickname}, "")
}

// DeleteObject removes the object; the store unlinks anything pointing at it.
func (o *Orchestrator) DeleteObject(ctx context.Context, s *app.Session, m *protocol.ObjectDelete) {
	id := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	if _, err := o.Moderation.Authorize(ctx, id, false); err != nil {
		o.send(s, protocol.ObjectError{Message: domain.MessageOf(err, "You cannot delete objects.")})
		return
	}
	if err := o.Objects.DeleteObject(ctx, id.SpaceID, m.ObjectID); err != nil {
		o.objectFailed(s, "delete", err, "Failed to delete the object.")
		return
	}
	o.broadcast(id.SpaceID, protocol.ObjectDeleted{
		ObjectID:          m.ObjectID,
		DeletedBy:         id.ParticipantID,
		DeletedByNickname: id.Nickname,
	}, "")
}
