// Package orch routes decoded client events to the registries and services
// and fans the results out to connections.
package orch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/app/gateway"
	"github.com/dkeye/Plaza/internal/app/grants"
	"github.com/dkeye/Plaza/internal/app/moderation"
	"github.com/dkeye/Plaza/internal/app/persist"
	"github.com/dkeye/Plaza/internal/app/ratelimit"
	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/dkeye/Plaza/internal/app/orch")

// ChatStore persists chat lines and returns the stored id.
type ChatStore interface {
	SaveMessage(ctx context.Context, msg domain.ChatMessage) (string, error)
}

// ObjectStore is the persisted list of placed map objects.
type ObjectStore interface {
	CreateObject(ctx context.Context, obj domain.MapObject) (domain.MapObject, error)
	// UpdateObject and DeleteObject return domain.ErrNotFound for unknown ids.
	UpdateObject(ctx context.Context, space domain.SpaceID, id string, patch domain.ObjectPatch) (domain.MapObject, error)
	DeleteObject(ctx context.Context, space domain.SpaceID, id string) error
}

// ExitLogger reports that a participant left a space.
type ExitLogger interface {
	LogExit(ctx context.Context, token string, space domain.SpaceID, reason string) error
}

type Orchestrator struct {
	Registry   *app.Registry
	Rooms      core.RoomManager
	Parties    *core.PartyRegistry
	Policy     app.Policy
	Gateway    *gateway.Gateway
	Moderation *moderation.Service
	Grants     *grants.Registry
	Limiter    *ratelimit.Limiter
	Chat       ChatStore
	Objects    ObjectStore
	Exits      ExitLogger
	Runner     *persist.Runner
	Clock      clock.Clock
	// Timeout bounds every store or API call made inline with an event.
	Timeout time.Duration
}

const (
	systemNickname  = "System"
	evictedMessage  = "You were disconnected because you connected from another device."
	internalMessage = "Internal error."
)

func (o *Orchestrator) now() time.Time {
	if o.Clock == nil {
		return time.Now()
	}
	return o.Clock.Now()
}

func (o *Orchestrator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	t := o.Timeout
	if t <= 0 {
		t = 5 * time.Second
	}
	return context.WithTimeout(ctx, t)
}

// Dispatch handles one inbound event of conn. Events of a connection must
// be dispatched sequentially; different connections may run concurrently.
func (o *Orchestrator) Dispatch(ctx context.Context, conn core.ConnID, msg protocol.Inbound) {
	sess, ok := o.Registry.Get(conn)
	if !ok {
		return
	}
	ctx, span := tracer.Start(ctx, "plaza.dispatch",
		trace.WithAttributes(
			attribute.String("plaza.event", msg.InboundType()),
			attribute.String("plaza.conn", string(conn)),
		))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			log.Error().Str("module", "app.orch").Str("code", string(domain.CodeServerError)).
				Str("conn", string(conn)).Str("event", msg.InboundType()).
				Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panic")
		}
	}()

	if _, isJoin := msg.(*protocol.JoinSpace); !isJoin {
		if _, isPing := msg.(*protocol.Ping); !isPing && !sess.Joined() {
			o.notJoined(sess, msg)
			return
		}
	}

	switch m := msg.(type) {
	case *protocol.JoinSpace:
		o.Join(ctx, sess, m)
	case *protocol.LeaveSpace:
		o.Leave(sess)
	case *protocol.PlayerMove:
		o.Move(sess, m)
	case *protocol.PlayerJump:
		o.Jump(sess, m)
	case *protocol.UpdateProfile:
		o.UpdateProfile(sess, m)
	case *protocol.ChatSend:
		o.ChatMessage(sess, m)
	case *protocol.WhisperSend:
		o.Whisper(sess, m)
	case *protocol.ReactionToggle:
		o.Reaction(sess, m)
	case *protocol.PartyJoin:
		o.PartyJoin(sess, m)
	case *protocol.PartyLeave:
		o.PartyLeave(sess)
	case *protocol.PartySend:
		o.PartyMessage(sess, m)
	case *protocol.AdminMute:
		o.Mute(ctx, sess, m)
	case *protocol.AdminUnmute:
		o.Unmute(ctx, sess, m)
	case *protocol.AdminKick:
		o.Kick(ctx, sess, m)
	case *protocol.AdminDeleteMessage:
		o.DeleteMessage(ctx, sess, m)
	case *protocol.AdminAnnounce:
		o.Announce(ctx, sess, m)
	case *protocol.RecordingStart:
		o.StartRecording(ctx, sess)
	case *protocol.RecordingStop:
		o.StopRecording(ctx, sess)
	case *protocol.SpotlightActivate:
		o.ActivateSpotlight(ctx, sess)
	case *protocol.SpotlightDeactivate:
		o.DeactivateSpotlight(ctx, sess)
	case *protocol.ProximitySet:
		o.SetProximity(ctx, sess, m)
	case *protocol.ObjectPlace:
		o.PlaceObject(ctx, sess, m)
	case *protocol.ObjectUpdate:
		o.UpdateObject(ctx, sess, m)
	case *protocol.ObjectDelete:
		o.DeleteObject(ctx, sess, m)
	case *protocol.Ping:
		o.send(sess, protocol.Pong{})
	default:
		log.Warn().Str("module", "app.orch").Str("type", msg.InboundType()).Msg("unhandled event")
	}
}

// notJoined answers events that need a space with the matching error
// event; the rest are dropped.
func (o *Orchestrator) notJoined(s *app.Session, msg protocol.Inbound) {
	const text = "Join a space first."
	switch m := msg.(type) {
	case *protocol.AdminMute, *protocol.AdminUnmute, *protocol.AdminKick, *protocol.AdminDeleteMessage, *protocol.AdminAnnounce:
		o.send(s, protocol.AdminError{Action: adminAction(m), Message: "Not connected to a space."})
	case *protocol.RecordingStart, *protocol.RecordingStop:
		o.send(s, protocol.RecordingError{Message: text})
	case *protocol.SpotlightActivate, *protocol.SpotlightDeactivate:
		o.send(s, protocol.SpotlightError{Message: text})
	case *protocol.ProximitySet:
		o.send(s, protocol.ProximityError{Message: text})
	case *protocol.ObjectPlace, *protocol.ObjectUpdate, *protocol.ObjectDelete:
		o.send(s, protocol.ObjectError{Message: text})
	case *protocol.PartySend:
		o.send(s, protocol.PartyError{Message: notInParty})
	}
}

// delivery

func (o *Orchestrator) encode(msg protocol.Outbound) (core.Frame, bool) {
	f, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("code", string(domain.CodeServerError)).Msg("encode outbound")
		return nil, false
	}
	return f, true
}

func (o *Orchestrator) send(s *app.Session, msg protocol.Outbound) {
	if f, ok := o.encode(msg); ok {
		o.deliver(s, f)
	}
}

func (o *Orchestrator) sendAll(sessions []*app.Session, msg protocol.Outbound) {
	f, ok := o.encode(msg)
	if !ok {
		return
	}
	for _, s := range sessions {
		o.deliver(s, f)
	}
}

// broadcast sends msg to every connection in space except skip.
func (o *Orchestrator) broadcast(space domain.SpaceID, msg protocol.Outbound, skip core.ConnID) {
	f, ok := o.encode(msg)
	if !ok {
		return
	}
	for _, s := range o.Registry.InSpace(space) {
		if s.ConnID == skip {
			continue
		}
		o.deliver(s, f)
	}
}

func (o *Orchestrator) toConns(conns []core.ConnID, msg protocol.Outbound) {
	f, ok := o.encode(msg)
	if !ok {
		return
	}
	for _, c := range conns {
		if s, ok := o.Registry.Get(c); ok {
			o.deliver(s, f)
		}
	}
}

func (o *Orchestrator) deliver(s *app.Session, f core.Frame) {
	err := s.Signal.TrySend(f)
	if err == nil || !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		return
	}
	if o.Policy.OnBackPressure(s) == app.KickMember {
		log.Warn().Str("module", "app.orch").Str("code", string(domain.CodeTransportFailure)).
			Str("conn", string(s.ConnID)).Msg("slow consumer kicked")
		s.Close()
	}
}

// system sends a narration line to everyone in space.
func (o *Orchestrator) system(space domain.SpaceID, content string) {
	o.broadcast(space, protocol.ChatSystem{
		ID:             "sys-" + uuid.NewString(),
		SenderID:       string(domain.SystemSenderID),
		SenderNickname: systemNickname,
		Content:        content,
		Timestamp:      o.now().UnixMilli(),
		Type:           "system",
	}, "")
}

// admission

// Join admits sess into the requested space. A session already in a space
// leaves it once the new join has been resolved; a rejected join leaves the
// current membership alone.
func (o *Orchestrator) Join(ctx context.Context, s *app.Session, m *protocol.JoinSpace) {
	adm, err := o.Gateway.Resolve(ctx, gateway.JoinRequest{
		SpaceID:      domain.SpaceID(m.SpaceID),
		PlayerID:     domain.ParticipantID(m.PlayerID),
		Nickname:     m.Nickname,
		AvatarColor:  m.AvatarColor,
		AvatarConfig: m.AvatarConfig,
		Token:        m.SessionToken,
	})
	if err != nil {
		o.reject(s, err)
		return
	}
	if s.Joined() {
		o.cleanup(s, "rejoin")
	}
	out, err := o.Gateway.Admit(s, adm)
	if err != nil {
		o.reject(s, err)
		return
	}
	o.admitted(s, adm, out)
}

func (o *Orchestrator) reject(s *app.Session, err error) {
	log.Warn().Err(err).Str("module", "app.orch").Str("code", string(domain.CodeJoinFailed)).
		Str("conn", string(s.ConnID)).Msg("join rejected")
	o.send(s, protocol.Error{Message: domain.MessageOf(err, "Join failed")})
	if domain.KindOf(err) == domain.KindAdmission {
		s.Close()
	}
}

func (o *Orchestrator) admitted(s *app.Session, adm gateway.Admission, out gateway.Admitted) {
	id := adm.Identity
	space := id.SpaceID

	if old := out.Evicted; old != nil {
		o.send(old, protocol.Error{Message: evictedMessage})
		old.Close()
		o.cleanup(old, "evicted")
	}

	if _, active := s.Spotlight(); active {
		o.Grants.RestoreSpotlight(space, grants.Actor{ParticipantID: id.ParticipantID, Nickname: id.Nickname})
	}

	o.send(s, protocol.RoomJoined{SpaceID: space, Players: out.Players, YourPlayerID: id.ParticipantID})
	if len(adm.Objects) > 0 {
		objs := make([]protocol.MapObject, 0, len(adm.Objects))
		for _, obj := range adm.Objects {
			objs = append(objs, protocol.ObjectFrom(obj))
		}
		o.send(s, protocol.ObjectsSync{Objects: objs})
	}
	if st, ok := o.Grants.Recording(space); ok {
		o.send(s, protocol.RecordingStatus(st))
	}
	status := protocol.SpotlightStatus{ActiveSpotlights: o.Grants.ActiveSpotlights(space)}
	if adm.HasGrant {
		status.HasGrant = true
		status.GrantID = adm.Grant.ID
		if adm.Grant.ExpiresAt != nil {
			status.ExpiresAt = protocol.Timestamp(*adm.Grant.ExpiresAt)
		}
	}
	o.send(s, status)
	o.send(s, protocol.ProximityStatus{Enabled: o.Grants.Proximity(space)})

	o.broadcast(space, protocol.PlayerJoined(out.Position), s.ConnID)
	o.system(space, fmt.Sprintf("%s joined.", id.Nickname))

	log.Info().Str("module", "app.orch").Str("code", string(domain.CodeClientConnected)).
		Str("conn", string(s.ConnID)).Str("space", string(space)).Str("participant", string(id.ParticipantID)).
		Str("token", id.TokenKind.String()).Msg("player joined")
}
