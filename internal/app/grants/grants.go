// Package grants holds the exclusive per-space resources: the recording
// slot, active spotlights and the proximity flag.
package grants

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Plaza/internal/app/persist"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/rs/zerolog/log"
)

// GrantStore is the persisted side of spotlight grants.
type GrantStore interface {
	// FindSpotlightGrant returns the participant's grant or domain.ErrNotFound.
	FindSpotlightGrant(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID) (domain.SpotlightGrant, error)
	GetSpotlightGrant(ctx context.Context, space domain.SpaceID, grantID string) (domain.SpotlightGrant, error)
	SetSpotlightActive(ctx context.Context, grantID string, active bool) error
}

// Actor is who asks for a resource. Privileged means STAFF or above, or
// the dev-mode bypass.
type Actor struct {
	ParticipantID domain.ParticipantID
	Nickname      string
	Privileged    bool
}

var (
	ErrNotRecording    = domain.NewError(domain.CodeRecordingState, domain.KindValidation, "Nothing is being recorded.")
	ErrRecordingDenied = domain.NewError(domain.CodePermissionDenied, domain.KindPermission, "Only STAFF or above can record.")
	ErrStopDenied      = domain.NewError(domain.CodePermissionDenied, domain.KindPermission, "You are not allowed to stop this recording.")
	ErrNoGrant         = domain.NewError(domain.CodePermissionDenied, domain.KindPermission, "You do not have a spotlight grant.")
	ErrGrantExpired    = domain.NewError(domain.CodePermissionDenied, domain.KindPermission, "Your spotlight grant has expired.")
	ErrAlreadyInactive = domain.NewError(domain.CodeRecordingState, domain.KindValidation, "Spotlight is already inactive.")
	ErrProximityDenied = domain.NewError(domain.CodePermissionDenied, domain.KindPermission, "Only STAFF or above can change proximity mode.")
)

const errSpotlightPersist = "Failed to update spotlight."

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }

type Registry struct {
	store  GrantStore
	runner *persist.Runner
	clock  clock.Clock

	mu         sync.Mutex
	recordings map[domain.SpaceID]domain.RecordingStatus
	spotlights map[domain.SpaceID]map[domain.ParticipantID]domain.ActiveSpotlight
	proximity  map[domain.SpaceID]bool
}

func New(store GrantStore, runner *persist.Runner, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		store:      store,
		runner:     runner,
		clock:      clk,
		recordings: make(map[domain.SpaceID]domain.RecordingStatus),
		spotlights: make(map[domain.SpaceID]map[domain.ParticipantID]domain.ActiveSpotlight),
		proximity:  make(map[domain.SpaceID]bool),
	}
}

// recording

func (r *Registry) StartRecording(space domain.SpaceID, a Actor) (domain.RecordingStatus, error) {
	if !a.Privileged {
		return domain.RecordingStatus{}, ErrRecordingDenied
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.recordings[space]; ok {
		return domain.RecordingStatus{}, domain.NewError(domain.CodeRecordingState, domain.KindValidation,
			fmt.Sprintf("%s is already recording.", cur.RecorderNickname))
	}
	st := domain.RecordingStatus{
		IsRecording:      true,
		RecorderID:       a.ParticipantID,
		RecorderNickname: a.Nickname,
		StartedAt:        r.clock.Now().UnixMilli(),
	}
	r.recordings[space] = st
	log.Info().Str("module", "app.grants").Str("space", string(space)).Str("recorder", string(a.ParticipantID)).Msg("recording started")
	return st, nil
}

// StopRecording clears the slot. The recorder may always stop; anyone else
// must be privileged. The returned status has IsRecording false.
func (r *Registry) StopRecording(space domain.SpaceID, a Actor) (domain.RecordingStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.recordings[space]
	if !ok {
		return domain.RecordingStatus{}, ErrNotRecording
	}
	if cur.RecorderID != a.ParticipantID && !a.Privileged {
		return domain.RecordingStatus{}, ErrStopDenied
	}
	delete(r.recordings, space)
	cur.IsRecording = false
	log.Info().Str("module", "app.grants").Str("space", string(space)).Str("by", string(a.ParticipantID)).Msg("recording stopped")
	return cur, nil
}

// StopRecordingIfOwner is the disconnect path.
func (r *Registry) StopRecordingIfOwner(space domain.SpaceID, pid domain.ParticipantID) (domain.RecordingStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.recordings[space]
	if !ok || cur.RecorderID != pid {
		return domain.RecordingStatus{}, false
	}
	delete(r.recordings, space)
	cur.IsRecording = false
	return cur, true
}

func (r *Registry) Recording(space domain.SpaceID) (domain.RecordingStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.recordings[space]
	return st, ok
}

// spotlight

// LookupGrant loads pid's grant for admission. Expired or missing grants
// yield ok=false.
func (r *Registry) LookupGrant(ctx context.Context, space domain.SpaceID, pid domain.ParticipantID) (domain.SpotlightGrant, bool, error) {
	g, err := r.store.FindSpotlightGrant(ctx, space, pid)
	if err != nil {
		if isNotFound(err) {
			return domain.SpotlightGrant{}, false, nil
		}
		return domain.SpotlightGrant{}, false, err
	}
	if !g.ValidAt(r.clock.Now()) {
		return domain.SpotlightGrant{}, false, nil
	}
	return g, true, nil
}

// ActivateSpotlight re-validates the grant against the store, persists the
// active flag, then flips the in-memory state.
func (r *Registry) ActivateSpotlight(ctx context.Context, space domain.SpaceID, a Actor, grantID string) error {
	if grantID == "" {
		return ErrNoGrant
	}
	g, err := r.store.GetSpotlightGrant(ctx, space, grantID)
	if err != nil {
		if isNotFound(err) {
			return ErrGrantExpired
		}
		return domain.WrapError(domain.CodeStoreUnavailable, domain.KindPersistence, errSpotlightPersist, err)
	}
	if !g.ValidAt(r.clock.Now()) {
		return ErrGrantExpired
	}
	if err := r.store.SetSpotlightActive(ctx, grantID, true); err != nil {
		return domain.WrapError(domain.CodeStoreUnavailable, domain.KindPersistence, errSpotlightPersist, err)
	}
	r.addSpotlight(space, a)
	return nil
}

// RestoreSpotlight marks a spotlight active in memory when the store
// already records its grant as active, as after a restart.
func (r *Registry) RestoreSpotlight(space domain.SpaceID, a Actor) {
	r.addSpotlight(space, a)
}

func (r *Registry) addSpotlight(space domain.SpaceID, a Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.spotlights[space]
	if !ok {
		set = make(map[domain.ParticipantID]domain.ActiveSpotlight)
		r.spotlights[space] = set
	}
	set[a.ParticipantID] = domain.ActiveSpotlight{ParticipantID: a.ParticipantID, Nickname: a.Nickname}
}

// DeactivateSpotlight persists first and then clears memory.
func (r *Registry) DeactivateSpotlight(ctx context.Context, space domain.SpaceID, a Actor, grantID string, active bool) error {
	if !active {
		return ErrAlreadyInactive
	}
	if grantID != "" {
		if err := r.store.SetSpotlightActive(ctx, grantID, false); err != nil {
			return domain.WrapError(domain.CodeStoreUnavailable, domain.KindPersistence, errSpotlightPersist, err)
		}
	}
	r.removeSpotlight(space, a.ParticipantID)
	return nil
}

// AutoDeactivate is the disconnect path: memory first, store in background.
func (r *Registry) AutoDeactivate(space domain.SpaceID, pid domain.ParticipantID, grantID string) (*persist.Result, bool) {
	if !r.removeSpotlight(space, pid) {
		return nil, false
	}
	if grantID == "" {
		return persist.Settled(nil), true
	}
	res := r.runner.GoKeyed("spotlight/"+grantID, "spotlight.deactivate", func(ctx context.Context) (string, error) {
		return grantID, r.store.SetSpotlightActive(ctx, grantID, false)
	}, func(_ string, err error) {
		if err != nil {
			log.Error().Err(err).Str("module", "app.grants").Str("code", string(domain.CodeStoreUnavailable)).
				Str("grant", grantID).Msg("spotlight auto-deactivate not persisted")
		}
	})
	return res, true
}

func (r *Registry) removeSpotlight(space domain.SpaceID, pid domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.spotlights[space]
	if !ok {
		return false
	}
	if _, ok := set[pid]; !ok {
		return false
	}
	delete(set, pid)
	if len(set) == 0 {
		delete(r.spotlights, space)
	}
	return true
}

func (r *Registry) ActiveSpotlights(space domain.SpaceID) []domain.ActiveSpotlight {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ActiveSpotlight, 0, len(r.spotlights[space]))
	for _, s := range r.spotlights[space] {
		out = append(out, s)
	}
	return out
}

// proximity

func (r *Registry) SetProximity(space domain.SpaceID, a Actor, enabled bool) error {
	if !a.Privileged {
		return ErrProximityDenied
	}
	r.mu.Lock()
	r.proximity[space] = enabled
	r.mu.Unlock()
	return nil
}

func (r *Registry) Proximity(space domain.SpaceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proximity[space]
}
