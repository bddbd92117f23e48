package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/app/persist"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/rs/zerolog/log"
)

type MuteRequest struct {
	Target string
	// Duration in minutes; nil is indefinite.
	Duration *int
	Reason   string
}

// MuteOutcome describes an applied mute or unmute. MemberID is the
// participant id for nickname targets and the store member id otherwise.
type MuteOutcome struct {
	MemberID string
	Nickname string
	Until    *time.Time
	Sessions []*app.Session
	// Persist is nil when the write was delegated to the management API.
	Persist *persist.Result
}

type KickRequest struct {
	Target string
	Reason string
	Ban    bool
}

type KickOutcome struct {
	MemberID string
	Nickname string
	Sessions []*app.Session
}

type Announcement struct {
	ID        string
	Content   string
	Timestamp int64
}

func (s *Service) Mute(ctx context.Context, actor app.Identity, req MuteRequest) (MuteOutcome, error) {
	var until *time.Time
	if req.Duration != nil && *req.Duration > 0 {
		t := s.clock.Now().Add(time.Duration(*req.Duration) * time.Minute)
		until = &t
	}
	r := domain.Restriction{Kind: domain.RestrictionMuted, Until: until, Reason: req.Reason, By: actor.ParticipantID}

	if nick, ok := splitTarget(req.Target); ok {
		v, err := s.Authorize(ctx, actor, true)
		if err != nil {
			return MuteOutcome{}, err
		}
		sessions, err := s.ResolveNickname(actor.SpaceID, nick, "")
		if err != nil {
			return MuteOutcome{}, err
		}
		pid := sessions[0].Identity().ParticipantID
		for _, sess := range sessions {
			sess.SetRestriction(r)
		}
		res := s.saveRestriction(actor.SpaceID, pid, r)
		s.logEvent(actor.SpaceID, v.UserID, domain.EventMemberMuted, map[string]any{
			"participantId": pid, "mutedBy": actor.ParticipantID, "duration": req.Duration, "reason": req.Reason,
		})
		return MuteOutcome{MemberID: string(pid), Nickname: nick, Until: until, Sessions: sessions, Persist: res}, nil
	}

	if actor.Token == "" {
		return MuteOutcome{}, ErrAuthRequired
	}
	mutedUntil, err := s.admin.Mute(ctx, actor.SpaceID, req.Target, actor.Token, req.Duration, req.Reason)
	if err != nil {
		return MuteOutcome{}, externalError(err, "Mute failed.")
	}
	if t, perr := time.Parse(time.RFC3339, mutedUntil); perr == nil {
		until = &t
		r.Until = until
	}
	out := MuteOutcome{MemberID: req.Target, Nickname: "Unknown", Until: until}
	if sess, ok := s.reg.ByMemberID(actor.SpaceID, req.Target); ok {
		sess.SetRestriction(r)
		out.Nickname = sess.Identity().Nickname
		out.Sessions = []*app.Session{sess}
	}
	return out, nil
}

func (s *Service) Unmute(ctx context.Context, actor app.Identity, target string) (MuteOutcome, error) {
	none := domain.NoRestriction()
	if nick, ok := splitTarget(target); ok {
		if _, err := s.Authorize(ctx, actor, true); err != nil {
			return MuteOutcome{}, err
		}
		sessions, err := s.ResolveNickname(actor.SpaceID, nick, "")
		if err != nil {
			return MuteOutcome{}, err
		}
		pid := sessions[0].Identity().ParticipantID
		for _, sess := range sessions {
			sess.SetRestriction(none)
		}
		res := s.saveRestriction(actor.SpaceID, pid, none)
		return MuteOutcome{MemberID: string(pid), Nickname: nick, Sessions: sessions, Persist: res}, nil
	}

	if actor.Token == "" {
		return MuteOutcome{}, ErrAuthRequired
	}
	if err := s.admin.Unmute(ctx, actor.SpaceID, target, actor.Token); err != nil {
		return MuteOutcome{}, externalError(err, "Unmute failed.")
	}
	out := MuteOutcome{MemberID: target, Nickname: "Unknown"}
	if sess, ok := s.reg.ByMemberID(actor.SpaceID, target); ok {
		sess.SetRestriction(none)
		out.Nickname = sess.Identity().Nickname
		out.Sessions = []*app.Session{sess}
	}
	return out, nil
}

// Kick resolves targets and records the action. Disconnecting the returned
// sessions is left to the caller, after it has broadcast the kick.
func (s *Service) Kick(ctx context.Context, actor app.Identity, req KickRequest) (KickOutcome, error) {
	if nick, ok := splitTarget(req.Target); ok {
		v, err := s.Authorize(ctx, actor, true)
		if err != nil {
			return KickOutcome{}, err
		}
		sessions := s.reg.ByNickname(actor.SpaceID, nick)
		if len(sessions) == 0 {
			return KickOutcome{}, targetNotFound(nick)
		}
		pid := sessions[0].Identity().ParticipantID
		s.logEvent(actor.SpaceID, v.UserID, domain.EventMemberKicked, map[string]any{
			"participantId": pid, "kickedBy": actor.ParticipantID, "reason": req.Reason, "banned": req.Ban,
		})
		return KickOutcome{MemberID: string(pid), Nickname: nick, Sessions: sessions}, nil
	}

	if actor.Token == "" {
		return KickOutcome{}, ErrAuthRequired
	}
	if err := s.admin.Kick(ctx, actor.SpaceID, req.Target, actor.Token, req.Reason, req.Ban); err != nil {
		return KickOutcome{}, externalError(err, "Kick failed.")
	}
	out := KickOutcome{MemberID: req.Target, Nickname: "Unknown"}
	if sess, ok := s.reg.ByMemberID(actor.SpaceID, req.Target); ok {
		out.Nickname = sess.Identity().Nickname
		out.Sessions = []*app.Session{sess}
	}
	return out, nil
}

// DeleteMessage soft-deletes a stored chat line and returns its stored id.
func (s *Service) DeleteMessage(ctx context.Context, actor app.Identity, messageID string) (string, error) {
	v, err := s.Authorize(ctx, actor, false)
	if err != nil {
		return "", err
	}
	id := s.ResolveID(messageID)
	msg, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", domain.WrapError(domain.CodeStoreUnavailable, domain.KindPersistence, "Failed to delete message.", err)
	}
	if msg.SpaceID != actor.SpaceID {
		return "", ErrForeignMessage
	}
	now := s.clock.Now()
	entry := domain.EventLogEntry{
		SpaceID: actor.SpaceID,
		UserID:  v.UserID,
		Type:    domain.EventMessageDeleted,
		Payload: map[string]any{
			"messageId":        id,
			"deletedBy":        v.UserID,
			"originalSenderId": msg.SenderID,
		},
		CreatedAt: now,
	}
	if err := s.store.SoftDeleteMessage(ctx, id, string(v.UserID), now, entry); err != nil {
		return "", domain.WrapError(domain.CodeStoreUnavailable, domain.KindPersistence, "Failed to delete message.", err)
	}
	log.Info().Str("module", "app.moderation").Str("space", string(actor.SpaceID)).Str("message", id).
		Str("by", string(v.UserID)).Msg("message deleted")
	return id, nil
}

func (s *Service) Announce(ctx context.Context, actor app.Identity, content string) (Announcement, error) {
	if _, err := s.Authorize(ctx, actor, false); err != nil {
		return Announcement{}, err
	}
	text := strings.TrimSpace(content)
	if text == "" {
		return Announcement{}, ErrEmptyAnnounce
	}
	now := s.clock.Now().UnixMilli()
	return Announcement{
		ID:        fmt.Sprintf("announce-%d", now),
		Content:   domain.SanitizeContent(text),
		Timestamp: now,
	}, nil
}

func (s *Service) saveRestriction(space domain.SpaceID, pid domain.ParticipantID, r domain.Restriction) *persist.Result {
	key := "restriction/" + string(space) + "/" + string(pid)
	return s.runner.GoKeyed(key, "restriction.save", func(ctx context.Context) (string, error) {
		return string(pid), s.store.SaveRestriction(ctx, space, pid, r)
	}, func(_ string, err error) {
		if err != nil {
			log.Error().Err(err).Str("module", "app.moderation").Str("code", string(domain.CodeRestrictionSaveFailed)).
				Str("space", string(space)).Str("participant", string(pid)).Msg("restriction not persisted")
		}
	})
}

func externalError(err error, fallback string) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	return domain.WrapError(domain.CodeVerifyAPIFailed, domain.KindExternal, fallback, err)
}
