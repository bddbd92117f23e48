package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/app/grants"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/protocol"
	"github.com/rs/zerolog/log"
)

func actorOf(id app.Identity, privileged bool) grants.Actor {
	return grants.Actor{ParticipantID: id.ParticipantID, Nickname: id.Nickname, Privileged: privileged}
}

// recording

func (o *Orchestrator) StartRecording(ctx context.Context, s *app.Session) {
	id := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	if _, err := o.Moderation.Authorize(ctx, id, true); err != nil {
		o.send(s, protocol.RecordingError{Message: domain.MessageOf(err, grants.ErrRecordingDenied.Message)})
		return
	}
	st, err := o.Grants.StartRecording(id.SpaceID, actorOf(id, true))
	if err != nil {
		o.send(s, protocol.RecordingError{Message: domain.MessageOf(err, internalMessage)})
		return
	}
	o.broadcast(id.SpaceID, protocol.RecordingStarted(st), "")
}

// StopRecording lets the recorder stop without a permission check.
func (o *Orchestrator) StopRecording(ctx context.Context, s *app.Session) {
	id := s.Identity()
	cur, ok := o.Grants.Recording(id.SpaceID)
	if !ok {
		o.send(s, protocol.RecordingError{Message: grants.ErrNotRecording.Message})
		return
	}
	privileged := cur.RecorderID == id.ParticipantID
	if !privileged {
		ctx, cancel := o.bounded(ctx)
		_, err := o.Moderation.Authorize(ctx, id, true)
		cancel()
		privileged = err == nil
	}
	st, err := o.Grants.StopRecording(id.SpaceID, actorOf(id, privileged))
	if err != nil {
		o.send(s, protocol.RecordingError{Message: domain.MessageOf(err, internalMessage)})
		return
	}
	o.broadcast(id.SpaceID, protocol.RecordingStopped(st), "")
}

// spotlight

func (o *Orchestrator) ActivateSpotlight(ctx context.Context, s *app.Session) {
	id := s.Identity()
	grantID, _ := s.Spotlight()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	if err := o.Grants.ActivateSpotlight(ctx, id.SpaceID, actorOf(id, false), grantID); err != nil {
		if errors.Is(err, grants.ErrGrantExpired) {
			s.ClearSpotlightGrant()
		}
		if domain.KindOf(err) == domain.KindPersistence {
			log.Error().Err(err).Str("module", "app.orch").Str("code", string(domain.CodeStoreUnavailable)).
				Str("participant", string(id.ParticipantID)).Msg("spotlight activation failed")
		}
		o.send(s, protocol.SpotlightError{Message: domain.MessageOf(err, internalMessage)})
		return
	}
	s.SetSpotlightActive(true)
	o.broadcast(id.SpaceID, protocol.SpotlightActivated{ParticipantID: id.ParticipantID, Nickname: id.Nickname, IsActive: true}, "")
}

func (o *Orchestrator) DeactivateSpotlight(ctx context.Context, s *app.Session) {
	id := s.Identity()
	grantID, active := s.Spotlight()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	if err := o.Grants.DeactivateSpotlight(ctx, id.SpaceID, actorOf(id, false), grantID, active); err != nil {
		o.send(s, protocol.SpotlightError{Message: domain.MessageOf(err, internalMessage)})
		return
	}
	s.SetSpotlightActive(false)
	o.broadcast(id.SpaceID, protocol.SpotlightDeactivated{ParticipantID: id.ParticipantID, Nickname: id.Nickname}, "")
}

// proximity

func (o *Orchestrator) SetProximity(ctx context.Context, s *app.Session, m *protocol.ProximitySet) {
	id := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	if _, err := o.Moderation.Authorize(ctx, id, true); err != nil {
		o.send(s, protocol.ProximityError{Message: domain.MessageOf(err, grants.ErrProximityDenied.Message)})
		return
	}
	if err := o.Grants.SetProximity(id.SpaceID, actorOf(id, true), m.Enabled); err != nil {
		o.send(s, protocol.ProximityError{Message: domain.MessageOf(err, internalMessage)})
		return
	}
	o.broadcast(id.SpaceID, protocol.ProximityChanged{Enabled: m.Enabled, ChangedBy: id.Nickname}, "")
	mode := "global"
	if m.Enabled {
		mode = "proximity"
	}
	o.system(id.SpaceID, fmt.Sprintf("Voice and video switched to %s mode. (by %s)", mode, id.Nickname))
}
