package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/app/moderation"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// adminAction is the action name echoed in admin:error.
func adminAction(m protocol.Inbound) string {
	switch m.(type) {
	case *protocol.AdminMute:
		return "mute"
	case *protocol.AdminUnmute:
		return "unmute"
	case *protocol.AdminKick:
		return "kick"
	case *protocol.AdminDeleteMessage:
		return "deleteMessage"
	case *protocol.AdminAnnounce:
		return "announce"
	}
	return ""
}

func (o *Orchestrator) adminFailed(s *app.Session, action string, err error) {
	level := zerolog.WarnLevel
	if k := domain.KindOf(err); k == 0 || k == domain.KindPersistence || k == domain.KindExternal {
		level = zerolog.ErrorLevel
	}
	log.WithLevel(level).Err(err).Str("module", "app.orch").Str("action", action).Str("conn", string(s.ConnID)).Msg("admin action failed")
	o.send(s, protocol.AdminError{Action: action, Message: domain.MessageOf(err, internalMessage)})
}

func (o *Orchestrator) Mute(ctx context.Context, s *app.Session, m *protocol.AdminMute) {
	actor := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	out, err := o.Moderation.Mute(ctx, actor, moderation.MuteRequest{Target: m.TargetMemberID, Duration: m.Duration, Reason: m.Reason})
	if err != nil {
		o.adminFailed(s, "mute", err)
		return
	}
	ev := protocol.MemberMuted{
		MemberID:        domain.ParticipantID(out.MemberID),
		Nickname:        out.Nickname,
		MutedBy:         actor.ParticipantID,
		MutedByNickname: actor.Nickname,
		Duration:        m.Duration,
		Reason:          m.Reason,
	}
	if out.Until != nil {
		ev.MutedUntil = protocol.Timestamp(*out.Until)
	}
	o.broadcast(actor.SpaceID, ev, "")

	text := fmt.Sprintf("%s was muted by %s.", out.Nickname, actor.Nickname)
	if m.Duration != nil {
		text += fmt.Sprintf(" (%d min)", *m.Duration)
	}
	if m.Reason != "" {
		text += " Reason: " + m.Reason
	}
	o.system(actor.SpaceID, text)
	log.Info().Str("module", "app.orch").Str("space", string(actor.SpaceID)).Str("target", out.Nickname).
		Str("by", actor.Nickname).Int("sessions", len(out.Sessions)).Msg("member muted")
}

func (o *Orchestrator) Unmute(ctx context.Context, s *app.Session, m *protocol.AdminUnmute) {
	actor := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	out, err := o.Moderation.Unmute(ctx, actor, m.TargetMemberID)
	if err != nil {
		o.adminFailed(s, "unmute", err)
		return
	}
	o.broadcast(actor.SpaceID, protocol.MemberUnmuted{
		MemberID:          domain.ParticipantID(out.MemberID),
		Nickname:          out.Nickname,
		UnmutedBy:         actor.ParticipantID,
		UnmutedByNickname: actor.Nickname,
	}, "")
	o.system(actor.SpaceID, fmt.Sprintf("%s was unmuted by %s.", out.Nickname, actor.Nickname))
}

// Kick broadcasts the kick, then sends each target a terminal error and
// removes it right away.
func (o *Orchestrator) Kick(ctx context.Context, s *app.Session, m *protocol.AdminKick) {
	actor := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	out, err := o.Moderation.Kick(ctx, actor, moderation.KickRequest{Target: m.TargetMemberID, Reason: m.Reason, Ban: m.Ban})
	if err != nil {
		o.adminFailed(s, "kick", err)
		return
	}
	verb, notice := "kicked", "You were kicked from this space."
	if m.Ban {
		verb, notice = "banned", "You were banned from this space."
	}
	text := fmt.Sprintf("%s was %s by %s.", out.Nickname, verb, actor.Nickname)
	if m.Reason != "" {
		text += " Reason: " + m.Reason
	}
	o.system(actor.SpaceID, text)
	o.broadcast(actor.SpaceID, protocol.MemberKicked{
		MemberID:         domain.ParticipantID(out.MemberID),
		Nickname:         out.Nickname,
		KickedBy:         actor.ParticipantID,
		KickedByNickname: actor.Nickname,
		Reason:           m.Reason,
		Banned:           m.Ban,
	}, "")

	for _, target := range out.Sessions {
		o.send(target, protocol.Error{Message: notice})
		target.Close()
		o.cleanup(target, verb)
	}
	log.Info().Str("module", "app.orch").Str("space", string(actor.SpaceID)).Str("target", out.Nickname).
		Str("by", actor.Nickname).Bool("ban", m.Ban).Int("sessions", len(out.Sessions)).Msg("member kicked")
}

func (o *Orchestrator) DeleteMessage(ctx context.Context, s *app.Session, m *protocol.AdminDeleteMessage) {
	actor := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	id, err := o.Moderation.DeleteMessage(ctx, actor, m.MessageID)
	if err != nil {
		o.adminFailed(s, "deleteMessage", err)
		return
	}
	o.broadcast(actor.SpaceID, protocol.ChatMessageDeleted{
		MessageID:         id,
		DeletedBy:         string(actor.ParticipantID),
		DeletedByNickname: actor.Nickname,
	}, "")
}

func (o *Orchestrator) Announce(ctx context.Context, s *app.Session, m *protocol.AdminAnnounce) {
	actor := s.Identity()
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	a, err := o.Moderation.Announce(ctx, actor, m.Content)
	if err != nil {
		o.adminFailed(s, "announce", err)
		return
	}
	o.broadcast(actor.SpaceID, protocol.SpaceAnnouncement{
		ID:             a.ID,
		Content:        a.Content,
		SenderID:       actor.ParticipantID,
		SenderNickname: actor.Nickname,
		Timestamp:      a.Timestamp,
	}, "")
}
