// Package gateway turns a join request into a trusted identity and admits
// it into a space. Resolve performs every check and load; Admit is the only
// step that touches shared state.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type GuestVerifier interface {
	VerifyGuest(ctx context.Context, token string, space domain.SpaceID) (domain.GuestProfile, error)
}

type RestrictionLoader interface {
	LoadRestriction(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID) (domain.Restriction, string, error)
}

type GrantLookup interface {
	LookupGrant(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID) (domain.SpotlightGrant, bool, error)
}

type ObjectLister interface {
	ListObjects(ctx context.Context, space domain.SpaceID) ([]domain.MapObject, error)
}

var (
	ErrSessionRequired = domain.Admission(domain.CodeSessionMissing, "Session token required")
	ErrInvalidSession  = domain.Admission(domain.CodeSessionInvalid, "Invalid session")
	ErrRoomFull        = domain.Admission(domain.CodeJoinFailed, "room_full")
)

const DefaultMaxRoomSize = 200

type Config struct {
	DevMode bool
	// AuthSecret, when set, makes auth- tokens HS256 JWTs.
	AuthSecret  string
	MaxRoomSize int
	Timeout     time.Duration
}

// JoinRequest is what the client claims about itself.
type JoinRequest struct {
	SpaceID      domain.SpaceID
	PlayerID     domain.ParticipantID
	Nickname     string
	AvatarColor  string
	AvatarConfig json.RawMessage
	Token        string
}

// Admission is a fully verified join, ready to be applied.
type Admission struct {
	Identity    app.Identity
	Restriction domain.Restriction
	Grant       domain.SpotlightGrant
	HasGrant    bool
	Objects     []domain.MapObject
}

// Admitted is the result of applying an Admission.
type Admitted struct {
	Position domain.Position
	Players  []domain.Position
	// Evicted is the previous connection of the same participant, if any.
	Evicted *app.Session
}

type Gateway struct {
	cfg      Config
	rooms    core.RoomManager
	reg      *app.Registry
	guests   GuestVerifier
	restrict RestrictionLoader
	grants   GrantLookup
	objects  ObjectLister
	clock    clock.Clock
}

func New(cfg Config, rooms core.RoomManager, reg *app.Registry, guests GuestVerifier,
	restrict RestrictionLoader, grants GrantLookup, objects ObjectLister, clk clock.Clock) *Gateway {
	if cfg.MaxRoomSize <= 0 {
		cfg.MaxRoomSize = DefaultMaxRoomSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Gateway{
		cfg:      cfg,
		rooms:    rooms,
		reg:      reg,
		guests:   guests,
		restrict: restrict,
		grants:   grants,
		objects:  objects,
		clock:    clk,
	}
}

type authClaims struct {
	jwt.RegisteredClaims
	PlayerID string `json:"pid"`
}

// Resolve verifies the claimed identity and loads everything the join
// needs. It never mutates shared state.
func (g *Gateway) Resolve(ctx context.Context, req JoinRequest) (Admission, error) {
	id, err := g.identify(ctx, req)
	if err != nil {
		return Admission{}, err
	}
	adm := Admission{Identity: id, Restriction: domain.NoRestriction()}
	g.load(ctx, &adm)
	return adm, nil
}

func (g *Gateway) identify(ctx context.Context, req JoinRequest) (app.Identity, error) {
	id := app.Identity{
		SpaceID:       req.SpaceID,
		ParticipantID: req.PlayerID,
		Nickname:      displayName(req.Nickname),
		AvatarColor:   domain.ParseAvatarColor(req.AvatarColor),
		AvatarConfig:  req.AvatarConfig,
		Token:         req.Token,
	}
	kind, rest := domain.ClassifyToken(req.Token)
	if kind == domain.TokenDev && !g.cfg.DevMode {
		kind, rest = domain.TokenGuest, req.Token
	}
	id.TokenKind = kind
	l := log.With().Str("module", "app.gateway").Str("space", string(req.SpaceID)).Logger()

	switch kind {
	case domain.TokenAuth:
		user, err := g.authUser(rest, req.PlayerID)
		if err != nil {
			l.Warn().Err(err).Str("code", string(domain.CodeSessionInvalid)).Msg("auth token rejected")
			return app.Identity{}, ErrInvalidSession
		}
		id.UserID = user
		l.Info().Str("participant", string(id.ParticipantID)).Msg("auth session")

	case domain.TokenGuest:
		vctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		profile, err := g.guests.VerifyGuest(vctx, req.Token, req.SpaceID)
		cancel()
		if err != nil {
			l.Warn().Err(err).Str("code", string(domain.CodeSessionInvalid)).Msg("session verification failed")
			if !g.cfg.DevMode {
				return app.Identity{}, ErrInvalidSession
			}
			l.Warn().Str("code", string(domain.CodeSessionInvalid)).Msg("dev mode: allowing unverified session")
			break
		}
		id.ParticipantID = profile.ParticipantID
		id.Nickname = displayName(profile.Nickname)
		id.AvatarColor = domain.ParseAvatarColor(string(profile.Avatar))

	case domain.TokenDev:
		l.Info().Str("participant", string(id.ParticipantID)).Msg("dev mode: using client id")

	default:
		if !g.cfg.DevMode {
			l.Warn().Str("code", string(domain.CodeSessionMissing)).Msg("no session token provided")
			return app.Identity{}, ErrSessionRequired
		}
		id.ParticipantID = domain.ParticipantID(fmt.Sprintf("dev-anon-%d", g.clock.Now().UnixMilli()))
		l.Info().Str("participant", string(id.ParticipantID)).Msg("dev mode: no session, using temp id")
	}

	if id.ParticipantID == "" || len(id.ParticipantID) > domain.MaxParticipantIDLen {
		return app.Identity{}, domain.Admission(domain.CodeJoinFailed, "Invalid player id")
	}
	return id, nil
}

// authUser returns the user behind an auth- token payload.
func (g *Gateway) authUser(payload string, claimed domain.ParticipantID) (domain.UserID, error) {
	if g.cfg.AuthSecret == "" {
		if payload == "" {
			return "", errors.New("empty auth token")
		}
		return domain.UserID(payload), nil
	}
	var claims authClaims
	_, err := jwt.ParseWithClaims(payload, &claims, func(*jwt.Token) (any, error) {
		return []byte(g.cfg.AuthSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(g.clock.Now),
	)
	if err != nil {
		return "", fmt.Errorf("parse auth token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("auth token has no subject")
	}
	if claims.PlayerID != string(claimed) {
		return "", fmt.Errorf("auth token is for %q, not %q", claims.PlayerID, claimed)
	}
	return domain.UserID(claims.Subject), nil
}

// load runs the independent admission loads in parallel. A failed load is
// logged and the join proceeds with defaults.
func (g *Gateway) load(ctx context.Context, adm *Admission) {
	space, pid := adm.Identity.SpaceID, adm.Identity.ParticipantID
	lctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	l := log.With().Str("module", "app.gateway").Str("space", string(space)).Str("participant", string(pid)).Logger()

	var grp errgroup.Group
	grp.Go(func() error {
		r, memberID, err := g.restrict.LoadRestriction(lctx, space, pid)
		if err != nil {
			l.Error().Err(err).Str("code", string(domain.CodeRestrictionLoadFailed)).Msg("failed to load restriction")
			return nil
		}
		adm.Restriction = r
		adm.Identity.MemberID = memberID
		return nil
	})
	if adm.Identity.Token != "" {
		grp.Go(func() error {
			grant, ok, err := g.grants.LookupGrant(lctx, space, pid)
			if err != nil {
				l.Error().Err(err).Str("code", string(domain.CodeStoreUnavailable)).Msg("failed to load spotlight grant")
				return nil
			}
			adm.Grant, adm.HasGrant = grant, ok
			return nil
		})
	}
	grp.Go(func() error {
		objs, err := g.objects.ListObjects(lctx, space)
		if err != nil {
			l.Error().Err(err).Str("code", string(domain.CodeObjectSync)).Msg("failed to load objects")
			return nil
		}
		adm.Objects = objs
		return nil
	})
	_ = grp.Wait()
}

// Admit applies a resolved admission: registers the participant in the
// room, binds the session and attaches it to the space.
func (g *Gateway) Admit(sess *app.Session, adm Admission) (Admitted, error) {
	id := adm.Identity
	pos := domain.Position{
		ID:           id.ParticipantID,
		Nickname:     id.Nickname,
		X:            domain.SpawnX,
		Y:            domain.SpawnY,
		Direction:    domain.SpawnDirection,
		AvatarColor:  id.AvatarColor,
		AvatarConfig: id.AvatarConfig,
	}
	res, err := g.rooms.Admit(id.SpaceID, sess.ConnID, pos, g.cfg.MaxRoomSize)
	if errors.Is(err, domain.ErrRoomFull) {
		log.Warn().Str("module", "app.gateway").Str("space", string(id.SpaceID)).Int("max", g.cfg.MaxRoomSize).Msg("room full")
		return Admitted{}, ErrRoomFull
	}
	if err != nil {
		return Admitted{}, domain.WrapError(domain.CodeJoinFailed, domain.KindAdmission, "Join failed", err)
	}

	grantID, active := "", false
	if adm.HasGrant {
		grantID, active = adm.Grant.ID, adm.Grant.IsActive
	}
	sess.Bind(id, adm.Restriction, grantID, active)
	g.reg.Attach(id.SpaceID, sess.ConnID)

	out := Admitted{Position: res.Position}
	if res.Evicted != "" {
		if old, ok := g.reg.Get(res.Evicted); ok {
			old.MarkEvicted()
			g.reg.Detach(res.Evicted)
			out.Evicted = old
		}
		log.Warn().Str("module", "app.gateway").Str("code", string(domain.CodeDuplicateSession)).
			Str("space", string(id.SpaceID)).Str("participant", string(id.ParticipantID)).
			Str("old_conn", string(res.Evicted)).Msg("duplicate session detected")
	}
	if room, ok := g.rooms.Get(id.SpaceID); ok {
		out.Players = room.Snapshot()
	}
	return out, nil
}

func displayName(n string) string {
	name, err := domain.NormalizeNickname(n)
	switch {
	case errors.Is(err, domain.ErrNicknameEmpty):
		return domain.UnknownNickname
	case errors.Is(err, domain.ErrNicknameTooLong):
		return string([]rune(strings.TrimSpace(n))[:domain.MaxNicknameLen])
	}
	return name
}
