package orch

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/app/ratelimit"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	mutedMessage       = "You are muted and cannot send messages."
	limitedMessage     = "Message was not sent."
	notInParty         = "You are not in a party."
	selfWhisperMessage = "You cannot whisper to yourself."
	chatSaveFailed     = "Failed to save the message. Please try again."
	whisperSaveFailed  = "Failed to save the whisper."
)

// admitLine runs the mute and rate-limit checks shared by every chat path and
// returns the sanitized content. reject receives the user-facing reason.
func (o *Orchestrator) admitLine(s *app.Session, content string, reject func(string)) (string, bool) {
	id := s.Identity()
	if s.Restriction().MutedAt(o.now()) {
		log.Debug().Str("module", "app.orch").Str("code", string(domain.CodeMutedBlocked)).
			Str("participant", string(id.ParticipantID)).Msg("muted sender blocked")
		reject(mutedMessage)
		return "", false
	}
	if d := o.Limiter.Check(id.ParticipantID, content); !d.Allowed {
		msg := d.Message
		if msg == "" {
			msg = limitedMessage
		}
		if d.Reason != ratelimit.ReasonEmpty {
			log.Debug().Str("module", "app.orch").Str("participant", string(id.ParticipantID)).
				Dur("retry_after", d.RetryAfter).Msg("chat rate limited")
		}
		reject(msg)
		return "", false
	}
	return domain.SanitizeContent(strings.TrimSpace(content)), true
}

// stored builds the persisted form of a line sent by id.
func (o *Orchestrator) stored(id app.Identity, content string, kind domain.MessageKind, target string) domain.ChatMessage {
	sender, typ := domain.StoredSender(id.Token, id.ParticipantID)
	return domain.ChatMessage{
		SpaceID:    id.SpaceID,
		SenderID:   sender,
		SenderType: typ,
		SenderName: id.Nickname,
		Content:    content,
		Kind:       kind,
		TargetID:   target,
		CreatedAt:  o.now(),
	}
}

// save persists msg in the background. The temp id is remembered on
// success so later moderation can address the stored line.
func (o *Orchestrator) save(name, tempID string, msg domain.ChatMessage, then func(realID string, err error)) {
	o.Runner.Go(name, func(ctx context.Context) (string, error) {
		return o.Chat.SaveMessage(ctx, msg)
	}, func(realID string, err error) {
		if err != nil {
			log.Error().Err(err).Str("module", "app.orch").Str("code", string(domain.CodeChatSaveFailed)).
				Str("space", string(msg.SpaceID)).Str("kind", string(msg.Kind)).Msg("chat line not persisted")
		} else {
			o.Moderation.RememberID(tempID, realID)
		}
		then(realID, err)
	})
}

func (o *Orchestrator) ChatMessage(s *app.Session, m *protocol.ChatSend) {
	content, ok := o.admitLine(s, m.Content, func(reason string) {
		o.send(s, protocol.ChatError{Message: reason})
	})
	if !ok {
		return
	}
	id := s.Identity()
	now := o.now().UnixMilli()
	tempID := fmt.Sprintf("msg-%d-%s", now, id.ParticipantID)
	o.broadcast(id.SpaceID, protocol.ChatMessage{
		ID:             tempID,
		SenderID:       string(id.ParticipantID),
		SenderNickname: id.Nickname,
		Content:        content,
		Timestamp:      now,
		Type:           "message",
		ReplyTo:        m.ReplyTo,
	}, "")

	space := id.SpaceID
	o.save("chat.save", tempID, o.stored(id, content, domain.KindMessage, ""), func(realID string, err error) {
		if err != nil {
			o.broadcast(space, protocol.ChatMessageFailed{TempID: tempID, Reason: chatSaveFailed}, "")
			return
		}
		o.broadcast(space, protocol.ChatMessageIDUpdate{TempID: tempID, RealID: realID}, "")
	})
}

func (o *Orchestrator) Whisper(s *app.Session, m *protocol.WhisperSend) {
	reject := func(reason string) { o.send(s, protocol.WhisperError{Message: reason}) }
	content, ok := o.admitLine(s, m.Content, reject)
	if !ok {
		return
	}
	id := s.Identity()
	if m.TargetNickname == id.Nickname {
		reject(selfWhisperMessage)
		return
	}
	targets, err := o.Moderation.ResolveNickname(id.SpaceID, m.TargetNickname, id.ParticipantID)
	if err != nil {
		reject(domain.MessageOf(err, fmt.Sprintf("'%s' was not found.", m.TargetNickname)))
		return
	}
	targetID := targets[0].Identity().ParticipantID

	now := o.now().UnixMilli()
	tempID := fmt.Sprintf("whisper-%d-%s", now, id.ParticipantID)
	line := protocol.ChatLine{
		ID:             tempID,
		SenderID:       string(id.ParticipantID),
		SenderNickname: id.Nickname,
		Content:        content,
		Timestamp:      now,
		Type:           "whisper",
		ReplyTo:        m.ReplyTo,
		TargetID:       string(targetID),
		TargetNickname: m.TargetNickname,
	}
	o.sendAll(targets, protocol.WhisperReceive(line))
	o.send(s, protocol.WhisperSent(line))

	parties := append([]*app.Session{s}, targets...)
	o.save("whisper.save", tempID, o.stored(id, content, domain.KindWhisper, string(targetID)), func(realID string, err error) {
		if err != nil {
			o.sendAll(parties, protocol.WhisperMessageFailed{TempID: tempID, Reason: whisperSaveFailed})
			return
		}
		o.sendAll(parties, protocol.WhisperMessageIDUpdate{TempID: tempID, RealID: realID})
	})
}

// Reaction is relayed only; the sender applies its own change locally.
func (o *Orchestrator) Reaction(s *app.Session, m *protocol.ReactionToggle) {
	id := s.Identity()
	o.broadcast(id.SpaceID, protocol.ReactionUpdated{
		MessageID:    m.MessageID,
		Type:         m.Type,
		UserID:       id.ParticipantID,
		UserNickname: id.Nickname,
		Action:       "add",
	}, s.ConnID)
}

// party

func (o *Orchestrator) PartyJoin(s *app.Session, m *protocol.PartyJoin) {
	id := s.Identity()
	if prev := o.Parties.Join(id.SpaceID, m.PartyID, s.ConnID); prev != "" && prev != m.PartyID {
		log.Debug().Str("module", "app.orch").Str("conn", string(s.ConnID)).Str("party", prev).Msg("left previous party")
	}
	s.SetParty(m.PartyID, m.PartyName)
	o.send(s, protocol.PartyJoined{PartyID: m.PartyID, PartyName: m.PartyName})
}

func (o *Orchestrator) PartyLeave(s *app.Session) {
	partyID, _ := s.Party()
	if partyID == "" {
		return
	}
	o.Parties.Leave(s.ConnID)
	s.SetParty("", "")
	o.send(s, protocol.PartyLeft{PartyID: partyID})
}

func (o *Orchestrator) PartyMessage(s *app.Session, m *protocol.PartySend) {
	reject := func(reason string) { o.send(s, protocol.PartyError{Message: reason}) }
	partyID, partyName := s.Party()
	if partyID == "" {
		reject(notInParty)
		return
	}
	content, ok := o.admitLine(s, m.Content, reject)
	if !ok {
		return
	}
	id := s.Identity()
	now := o.now().UnixMilli()
	tempID := fmt.Sprintf("party-%d-%s", now, id.ParticipantID)
	members := o.Parties.Members(id.SpaceID, partyID)
	o.toConns(members, protocol.PartyMessage{
		ID:             tempID,
		SenderID:       string(id.ParticipantID),
		SenderNickname: id.Nickname,
		Content:        content,
		Timestamp:      now,
		Type:           "party",
		PartyID:        partyID,
		PartyName:      partyName,
	})

	space := id.SpaceID
	o.save("party.save", tempID, o.stored(id, content, domain.KindParty, partyID), func(realID string, err error) {
		if err != nil {
			return
		}
		o.toConns(o.Parties.Members(space, partyID), protocol.ChatMessageIDUpdate{TempID: tempID, RealID: realID})
	})
}
