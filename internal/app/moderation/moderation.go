// Package moderation decides who may moderate a space and applies
// mute, kick, delete and announce actions to live sessions.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/app/persist"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Store is the persisted moderation state.
type Store interface {
	IsSuperAdmin(ctx context.Context, user domain.UserID) (bool, error)
	// MemberRole returns domain.ErrNotFound when user is not a member.
	MemberRole(ctx context.Context, space domain.SpaceID, user domain.UserID) (domain.Role, error)
	SpaceOwner(ctx context.Context, space domain.SpaceID) (domain.UserID, error)

	LoadRestriction(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID) (domain.Restriction, string, error)
	SaveRestriction(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID, r domain.Restriction) error

	GetMessage(ctx context.Context, id string) (domain.ChatMessage, error)
	// SoftDeleteMessage marks the message deleted and writes entry atomically.
	SoftDeleteMessage(ctx context.Context, id, deletedBy string, at time.Time, entry domain.EventLogEntry) error
	AppendEvent(ctx context.Context, entry domain.EventLogEntry) error
}

// MemberAdmin is the external management API used for legacy member ids.
type MemberAdmin interface {
	Mute(ctx context.Context, space domain.SpaceID, memberID, token string, duration *int, reason string) (string, error)
	Unmute(ctx context.Context, space domain.SpaceID, memberID, token string) error
	Kick(ctx context.Context, space domain.SpaceID, memberID, token, reason string, ban bool) error
}

const nicknamePrefix = "nickname:"

var (
	ErrAuthRequired    = domain.NewError(domain.CodeAuthRequired, domain.KindPermission, "Authentication required for admin actions.")
	ErrNotMember       = domain.NewError(domain.CodePermissionDenied, domain.KindPermission, "Not a member of this space.")
	ErrInsufficient    = domain.NewError(domain.CodePermissionDenied, domain.KindPermission, "Insufficient permissions.")
	ErrVerifyFailed    = domain.NewError(domain.CodeAdminVerify, domain.KindPermission, "Permission verification error.")
	ErrNicknameSpoofed = domain.NewError(domain.CodeNicknameSpoofing, domain.KindValidation, "That nickname is shared by several participants. Ask them to change it.")
	ErrMessageNotFound = domain.NewError(domain.CodeJoinFailed, domain.KindValidation, "Message not found.")
	ErrForeignMessage  = domain.NewError(domain.CodePermissionDenied, domain.KindPermission, "This message does not belong to this space.")
	ErrEmptyAnnounce   = domain.NewError(domain.CodeJoinFailed, domain.KindValidation, "Announcement is empty.")
)

func targetNotFound(name string) error {
	return domain.NewError(domain.CodeJoinFailed, domain.KindValidation, fmt.Sprintf("'%s' was not found.", name))
}

type Config struct {
	DevMode bool
	// IDCacheSize and IDCacheTTL bound the temp id to stored id map.
	IDCacheSize int
	IDCacheTTL  time.Duration
}

type Service struct {
	store  Store
	admin  MemberAdmin
	reg    *app.Registry
	runner *persist.Runner
	clock  clock.Clock
	dev    bool
	ids    *expirable.LRU[string, string]
}

func New(cfg Config, store Store, admin MemberAdmin, reg *app.Registry, runner *persist.Runner, clk clock.Clock) *Service {
	if cfg.IDCacheSize <= 0 {
		cfg.IDCacheSize = 4096
	}
	if cfg.IDCacheTTL <= 0 {
		cfg.IDCacheTTL = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:  store,
		admin:  admin,
		reg:    reg,
		runner: runner,
		clock:  clk,
		dev:    cfg.DevMode,
		ids:    expirable.NewLRU[string, string](cfg.IDCacheSize, nil, cfg.IDCacheTTL),
	}
}

// Verification is the outcome of a successful permission check.
type Verification struct {
	UserID domain.UserID
	Role   domain.Role
}

// Verify checks that user is STAFF+ in space. It always hits the store.
func (s *Service) Verify(ctx context.Context, space domain.SpaceID, user domain.UserID) (Verification, error) {
	if user == "" {
		return Verification{}, ErrAuthRequired
	}
	super, err := s.store.IsSuperAdmin(ctx, user)
	if err != nil {
		return Verification{}, s.verifyFailed(space, err)
	}
	if super {
		return Verification{UserID: user, Role: domain.RoleOwner}, nil
	}

	role, err := s.store.MemberRole(ctx, space, user)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		owner, err := s.store.SpaceOwner(ctx, space)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return Verification{}, s.verifyFailed(space, err)
		}
		if err == nil && owner == user {
			return Verification{UserID: user, Role: domain.RoleOwner}, nil
		}
		return Verification{}, ErrNotMember
	case err != nil:
		return Verification{}, s.verifyFailed(space, err)
	}
	if !role.Privileged() {
		return Verification{}, ErrInsufficient
	}
	return Verification{UserID: user, Role: role}, nil
}

func (s *Service) verifyFailed(space domain.SpaceID, err error) error {
	log.Error().Err(err).Str("module", "app.moderation").Str("code", string(domain.CodeAdminVerify)).
		Str("space", string(space)).Msg("permission lookup failed")
	return ErrVerifyFailed
}

// Authorize checks the session's user with Verify. Only pre-authenticated
// sessions can pass; token-less sessions pass in dev mode when allowDev.
func (s *Service) Authorize(ctx context.Context, id app.Identity, allowDev bool) (Verification, error) {
	if id.Token == "" {
		if allowDev && s.dev {
			return Verification{}, nil
		}
		return Verification{}, ErrAuthRequired
	}
	if id.TokenKind != domain.TokenAuth {
		return Verification{}, ErrAuthRequired
	}
	return s.Verify(ctx, id.SpaceID, id.UserID)
}

// LoadRestriction returns pid's restriction in space. An expired mute is
// normalized to NONE and written back.
func (s *Service) LoadRestriction(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID) (domain.Restriction, string, error) {
	r, memberID, err := s.store.LoadRestriction(ctx, space, pid)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NoRestriction(), "", nil
	}
	if err != nil {
		return domain.NoRestriction(), "", err
	}
	if r.Kind == domain.RestrictionMuted && !r.MutedAt(s.clock.Now()) {
		r = domain.NoRestriction()
		if err := s.store.SaveRestriction(ctx, space, pid, r); err != nil {
			log.Error().Err(err).Str("module", "app.moderation").Str("code", string(domain.CodeRestrictionSaveFailed)).
				Str("participant", string(pid)).Msg("failed to clear expired mute")
		}
	}
	return r, memberID, nil
}

// ResolveNickname returns the live sessions in space using nickname,
// excluding exclude. More than one distinct participant is refused.
func (s *Service) ResolveNickname(space domain.SpaceID, nickname string, exclude domain.ParticipantID) ([]*app.Session, error) {
	var out []*app.Session
	pids := make(map[domain.ParticipantID]struct{})
	for _, sess := range s.reg.ByNickname(space, nickname) {
		pid := sess.Identity().ParticipantID
		if exclude != "" && pid == exclude {
			continue
		}
		out = append(out, sess)
		pids[pid] = struct{}{}
	}
	if len(out) == 0 {
		return nil, targetNotFound(nickname)
	}
	if len(pids) > 1 {
		log.Warn().Str("module", "app.moderation").Str("code", string(domain.CodeNicknameSpoofing)).
			Str("space", string(space)).Str("nickname", nickname).Int("unique", len(pids)).Msg("nickname spoofing detected")
		return nil, ErrNicknameSpoofed
	}
	return out, nil
}

func splitTarget(target string) (nickname string, ok bool) {
	if strings.HasPrefix(target, nicknamePrefix) {
		return strings.TrimPrefix(target, nicknamePrefix), true
	}
	return "", false
}

// RememberID records that a temporary chat id was stored as realID.
func (s *Service) RememberID(tempID, realID string) {
	s.ids.Add(tempID, realID)
}

// ResolveID maps a temporary id to its stored id when known.
func (s *Service) ResolveID(id string) string {
	if real, ok := s.ids.Get(id); ok {
		return real
	}
	return id
}

func (s *Service) logEvent(space domain.SpaceID, user domain.UserID, typ domain.EventType, payload map[string]any) *persist.Result {
	entry := domain.EventLogEntry{SpaceID: space, UserID: user, Type: typ, Payload: payload, CreatedAt: s.clock.Now()}
	return s.runner.Go("moderation.event", func(ctx context.Context) (string, error) {
		return "", s.store.AppendEvent(ctx, entry)
	}, func(_ string, err error) {
		if err != nil {
			log.Error().Err(err).Str("module", "app.moderation").Str("code", string(domain.CodeEventLogFailed)).
				Str("space", string(space)).Str("event", string(typ)).Msg("audit entry not written")
		}
	})
}
