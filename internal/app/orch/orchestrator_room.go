package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/protocol"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Connect registers a fresh connection. It joins no space until it sends
// join:space.
func (o *Orchestrator) Connect(s *app.Session) {
	o.Registry.Add(s)
}

// Leave takes sess out of its space; the connection stays open.
func (o *Orchestrator) Leave(s *app.Session) {
	o.cleanup(s, "leave")
}

// Disconnect is called by the transport once a connection is gone.
// Calling it more than once is harmless.
func (o *Orchestrator) Disconnect(conn core.ConnID, reason string) {
	s, ok := o.Registry.Get(conn)
	if !ok {
		return
	}
	o.cleanup(s, reason)
	o.Parties.Leave(conn)
	o.Registry.Remove(conn)
	log.Info().Str("module", "app.orch").Str("code", string(domain.CodeClientDisconnected)).
		Str("conn", string(conn)).Str("reason", reason).Msg("client disconnected")
}

// cleanup runs the leave sequence once per admission. Every step runs even
// when an earlier one fails. An evicted session skips the steps that belong
// to the participant, since its replacement connection now holds them.
func (o *Orchestrator) cleanup(s *app.Session, reason string) {
	if !s.MarkLeft() {
		return
	}
	id := s.Identity()
	space, pid, conn := id.SpaceID, id.ParticipantID, s.ConnID
	evicted := s.Evicted()
	o.Registry.Detach(conn)

	var errs error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	removed := false
	step("ratelimit", func() error {
		if len(o.Registry.ByParticipant(space, pid)) == 0 {
			o.Limiter.Forget(pid)
		}
		return nil
	})
	step("room", func() error {
		room, ok := o.Rooms.Get(space)
		if !ok {
			return nil
		}
		removed = room.Remove(pid, conn)
		o.Rooms.RemoveIfEmpty(space)
		return nil
	})
	if !evicted {
		step("recording", func() error {
			if st, ok := o.Grants.StopRecordingIfOwner(space, pid); ok {
				o.broadcast(space, protocol.RecordingStopped(st), "")
				log.Info().Str("module", "app.orch").Str("space", string(space)).Str("recorder", string(pid)).Msg("recording auto-stopped")
			}
			return nil
		})
		step("spotlight", func() error {
			grantID, _ := s.Spotlight()
			if _, ok := o.Grants.AutoDeactivate(space, pid, grantID); ok {
				s.SetSpotlightActive(false)
				o.broadcast(space, protocol.SpotlightDeactivated{ParticipantID: pid, Nickname: id.Nickname}, "")
			}
			return nil
		})
	}
	step("party", func() error {
		o.Parties.Leave(conn)
		s.SetParty("", "")
		return nil
	})
	if !evicted && id.Token != "" && o.Exits != nil {
		step("exit", func() error {
			o.Runner.Go("exit.log", func(ctx context.Context) (string, error) {
				return "", o.Exits.LogExit(ctx, id.Token, space, reason)
			}, func(_ string, err error) {
				if err != nil {
					log.Warn().Err(err).Str("module", "app.orch").Str("code", string(domain.CodeEventLogFailed)).
						Str("space", string(space)).Msg("exit event not logged")
				}
			})
			return nil
		})
	}
	step("presence", func() error {
		if !removed {
			return nil
		}
		o.broadcast(space, protocol.PlayerLeft{ID: pid}, "")
		text := "%s left."
		if reason != "leave" && reason != "rejoin" {
			text = "%s disconnected."
		}
		o.system(space, fmt.Sprintf(text, id.Nickname))
		return nil
	})

	if errs != nil {
		log.Error().Err(errs).Str("module", "app.orch").Str("code", string(domain.CodeServerError)).
			Str("conn", string(conn)).Str("space", string(space)).Msg("cleanup incomplete")
	}
}

// presence

func (o *Orchestrator) Move(s *app.Session, m *protocol.PlayerMove) {
	id := s.Identity()
	room, ok := o.Rooms.Get(id.SpaceID)
	if !ok {
		return
	}
	pos, ok := room.Move(s.ConnID, domain.Position{
		ID:        id.ParticipantID,
		X:         m.X,
		Y:         m.Y,
		Direction: domain.Direction(m.Direction),
		IsMoving:  m.IsMoving,
	})
	if !ok {
		return
	}
	o.broadcast(id.SpaceID, protocol.PlayerMoved(pos.Light()), s.ConnID)
}

func (o *Orchestrator) Jump(s *app.Session, m *protocol.PlayerJump) {
	id := s.Identity()
	o.broadcast(id.SpaceID, protocol.PlayerJumped{ID: id.ParticipantID, X: m.X, Y: m.Y}, s.ConnID)
}

func (o *Orchestrator) UpdateProfile(s *app.Session, m *protocol.UpdateProfile) {
	nickname, err := domain.NormalizeNickname(m.Nickname)
	if err != nil {
		return
	}
	var color domain.AvatarColor
	if m.AvatarColor != "" {
		color = domain.ParseAvatarColor(m.AvatarColor)
	}
	s.SetProfile(nickname, color, m.AvatarConfig)
	id := s.Identity()
	if room, ok := o.Rooms.Get(id.SpaceID); ok {
		room.UpdateProfile(s.ConnID, id.ParticipantID, nickname, color, m.AvatarConfig)
	}
	o.broadcast(id.SpaceID, protocol.PlayerProfileUpdated{
		ID:           id.ParticipantID,
		Nickname:     nickname,
		AvatarColor:  color,
		AvatarConfig: m.AvatarConfig,
	}, s.ConnID)
}
