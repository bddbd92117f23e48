package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recSignal records every frame sent to a connection.
type recSignal struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	closed bool
}

func (r *recSignal) TrySend(f core.Frame) error {
	var env protocol.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return core.ErrConnClosed
	}
	r.frames = append(r.frames, env)
	return nil
}

func (r *recSignal) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recSignal) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recSignal) all(typ string) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []json.RawMessage
	for _, f := range r.frames {
		if f.Type == typ {
			out = append(out, f.Data)
		}
	}
	return out
}

func (r *recSignal) count(typ string) int { return len(r.all(typ)) }

// last decodes the most recent typ event into v.
func (r *recSignal) last(t *testing.T, typ string, v any) {
	t.Helper()
	evs := r.all(typ)
	require.NotEmpty(t, evs, "no %s event", typ)
	require.NoError(t, json.Unmarshal(evs[len(evs)-1], v))
}

type memStore struct {
	mu           sync.Mutex
	roles        map[domain.UserID]domain.Role
	restrictions map[domain.ParticipantID]domain.Restriction
	messages     map[string]domain.ChatMessage
	objects      map[string]domain.MapObject
	grants       map[string]domain.SpotlightGrant
	exits        []string
	events       []domain.EventLogEntry
	saveErr      error
	seq          int
}

func newMemStore() *memStore {
	return &memStore{
		roles:        map[domain.UserID]domain.Role{},
		restrictions: map[domain.ParticipantID]domain.Restriction{},
		messages:     map[string]domain.ChatMessage{},
		objects:      map[string]domain.MapObject{},
		grants:       map[string]domain.SpotlightGrant{},
	}
}

func (m *memStore) IsSuperAdmin(context.Context, domain.UserID) (bool, error) { return false, nil }

func (m *memStore) MemberRole(_ context.Context, _ domain.SpaceID, u domain.UserID) (domain.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[u]
	if !ok {
		return "", domain.ErrNotFound
	}
	return r, nil
}

func (m *memStore) SpaceOwner(context.Context, domain.SpaceID) (domain.UserID, error) {
	return "", domain.ErrNotFound
}

func (m *memStore) LoadRestriction(_ context.Context, _ domain.SpaceID, pid domain.ParticipantID) (domain.Restriction, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.restrictions[pid]
	if !ok {
		return domain.Restriction{}, "", domain.ErrNotFound
	}
	return r, "m-" + string(pid), nil
}

func (m *memStore) SaveRestriction(_ context.Context, _ domain.SpaceID, pid domain.ParticipantID, r domain.Restriction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restrictions[pid] = r
	return nil
}

func (m *memStore) restriction(pid domain.ParticipantID) domain.Restriction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restrictions[pid]
}

func (m *memStore) GetMessage(_ context.Context, id string) (domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.ChatMessage{}, domain.ErrNotFound
	}
	return msg, nil
}

func (m *memStore) SoftDeleteMessage(_ context.Context, id, by string, at time.Time, e domain.EventLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messages[id]
	msg.Deleted, msg.DeletedBy, msg.DeletedAt = true, by, &at
	m.messages[id] = msg
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, e domain.EventLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) SaveMessage(_ context.Context, msg domain.ChatMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.seq++
	msg.ID = fmt.Sprintf("db-%d", m.seq)
	m.messages[msg.ID] = msg
	return msg.ID, nil
}

func (m *memStore) message(id string) domain.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id]
}

func (m *memStore) CreateObject(_ context.Context, obj domain.MapObject) (domain.MapObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.ID] = obj
	return obj, nil
}

func (m *memStore) UpdateObject(_ context.Context, space domain.SpaceID, id string, p domain.ObjectPatch) (domain.MapObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok || obj.SpaceID != space {
		return domain.MapObject{}, domain.ErrNotFound
	}
	if p.X != nil {
		obj.X, obj.Y = *p.X, *p.Y
	}
	if p.Rotation != nil {
		obj.Rotation = *p.Rotation
	}
	m.objects[id] = obj
	return obj, nil
}

func (m *memStore) DeleteObject(_ context.Context, space domain.SpaceID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok || obj.SpaceID != space {
		return domain.ErrNotFound
	}
	delete(m.objects, id)
	return nil
}

func (m *memStore) ListObjects(_ context.Context, space domain.SpaceID) ([]domain.MapObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MapObject
	for _, o := range m.objects {
		if o.SpaceID == space {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) FindSpotlightGrant(_ context.Context, space domain.SpaceID, pid domain.ParticipantID) (domain.SpotlightGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.SpaceID == space && g.ParticipantID == pid {
			return g, nil
		}
	}
	return domain.SpotlightGrant{}, domain.ErrNotFound
}

func (m *memStore) GetSpotlightGrant(_ context.Context, space domain.SpaceID, id string) (domain.SpotlightGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok || g.SpaceID != space {
		return domain.SpotlightGrant{}, domain.ErrNotFound
	}
	return g, nil
}

func (m *memStore) SetSpotlightActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.grants[id]
	g.IsActive = active
	m.grants[id] = g
	return nil
}

func (m *memStore) LogExit(_ context.Context, token string, space domain.SpaceID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, token+"@"+string(space)+":"+reason)
	return nil
}

func (m *memStore) exitLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.exits...)
}

func (m *memStore) VerifyGuest(context.Context, string, domain.SpaceID) (domain.GuestProfile, error) {
	return domain.GuestProfile{}, errors.New("no guests here")
}

type nopAdmin struct{}

func (nopAdmin) Mute(context.Context, domain.SpaceID, string, string, *int, string) (string, error) {
	return "", errors.New("not configured")
}
func (nopAdmin) Unmute(context.Context, domain.SpaceID, string, string) error {
	return errors.New("not configured")
}
func (nopAdmin) Kick(context.Context, domain.SpaceID, string, string, string, bool) error {
	return errors.New("not configured")
}

type fixture struct {
	o      *Orchestrator
	store  *memStore
	clock  *clock.Mock
	runner *persist.Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newMemStore()
	store.roles["staff1"] = domain.RoleStaff
	reg := app.NewRegistry()
	rooms := app.NewRoomManager()
	runner := persist.NewRunner(time.Second)
	mod := moderation.New(moderation.Config{DevMode: true}, store, nopAdmin{}, reg, runner, clk)
	gr := grants.New(store, runner, clk)
	gw := gateway.New(gateway.Config{DevMode: true}, rooms, reg, store, mod, gr, store, clk)
	f := &fixture{store: store, clock: clk, runner: runner}
	f.o = &Orchestrator{
		Registry:   reg,
		Rooms:      rooms,
		Parties:    core.NewPartyRegistry(),
		Policy:     app.SimplePolicy{},
		Gateway:    gw,
		Moderation: mod,
		Grants:     gr,
		Limiter:    ratelimit.New(ratelimit.DefaultConfig(), clk),
		Chat:       store,
		Objects:    store,
		Exits:      store,
		Runner:     runner,
		Clock:      clk,
	}
	t.Cleanup(runner.Wait)
	return f
}

type client struct {
	conn core.ConnID
	sig  *recSignal
	sess *app.Session
}

func (f *fixture) connect(conn string) *client {
	sig := &recSignal{}
	s := app.NewSession(core.ConnID(conn), sig, nil)
	f.o.Registry.Add(s)
	return &client{conn: s.ConnID, sig: sig, sess: s}
}

func (f *fixture) send(c *client, msg protocol.Inbound) {
	f.o.Dispatch(context.Background(), c.conn, msg)
}

// join connects conn and joins s1 with a dev token, or an auth token
// for user when user is set.
func (f *fixture) join(t *testing.T, conn, pid, nick, user string) *client {
	t.Helper()
	c := f.connect(conn)
	token := "dev-" + pid
	if user != "" {
		token = "auth-" + user
	}
	f.send(c, &protocol.JoinSpace{SpaceID: "s1", PlayerID: pid, Nickname: nick, SessionToken: token})
	require.Equal(t, 1, c.sig.count("room:joined"), "join of %s failed", nick)
	return c
}

func TestJoinEmptySpaceListsOnlySelf(t *testing.T) {
	f := newFixture(t)
	kim := f.join(t, "c1", "player-Kim", "Kim", "")

	var joined protocol.RoomJoined
	kim.sig.last(t, "room:joined", &joined)
	assert.Equal(t, domain.ParticipantID("player-Kim"), joined.YourPlayerID)
	require.Len(t, joined.Players, 1)
	assert.Equal(t, domain.ParticipantID("player-Kim"), joined.Players[0].ID)
	assert.Equal(t, 1, kim.sig.count("spotlight:status"))
	assert.Equal(t, 1, kim.sig.count("proximity:status"))
	assert.Zero(t, kim.sig.count("recording:status"))
	assert.Zero(t, kim.sig.count("objects:sync"))
}

func TestDuplicateSessionEvicted(t *testing.T) {
	f := newFixture(t)
	first := f.join(t, "c1", "player-Kim", "Kim", "")
	second := f.join(t, "c2", "player-Kim", "Kim", "")

	var notice protocol.Error
	first.sig.last(t, "error", &notice)
	assert.Equal(t, evictedMessage, notice.Message)
	assert.True(t, first.sig.isClosed())
	assert.False(t, second.sig.isClosed())

	room, ok := f.o.Rooms.Get("s1")
	require.True(t, ok)
	players := room.Snapshot()
	require.Len(t, players, 1)
	assert.Equal(t, domain.ParticipantID("player-Kim"), players[0].ID)
	_, owned := room.Move(second.conn, domain.Position{ID: "player-Kim", X: 1, Y: 1})
	assert.True(t, owned)

	// the transport reports the old connection gone later
	f.o.Disconnect(first.conn, "closed")
	assert.Zero(t, second.sig.count("player:left"))
	room, ok = f.o.Rooms.Get("s1")
	require.True(t, ok)
	assert.Len(t, room.Snapshot(), 1)
	f.runner.Wait()
	assert.Empty(t, f.store.exitLog())
}

func TestChatRateLimitedAfterFiveMessages(t *testing.T) {
	f := newFixture(t)
	kim := f.join(t, "c1", "player-Kim", "Kim", "")
	for i := 0; i < 5; i++ {
		f.send(kim, &protocol.ChatSend{Content: fmt.Sprintf("hello %d", i)})
	}
	assert.Equal(t, 5, kim.sig.count("chat:message"))
	assert.Zero(t, kim.sig.count("chat:error"))

	f.send(kim, &protocol.ChatSend{Content: "one too many"})
	assert.Equal(t, 5, kim.sig.count("chat:message"))
	var ce protocol.ChatError
	kim.sig.last(t, "chat:error", &ce)
	assert.Contains(t, ce.Message, "Try again in 5 seconds")
}

func TestMuteExpiresOnRejoin(t *testing.T) {
	f := newFixture(t)
	staff := f.join(t, "c1", "p-staff", "Staff", "staff1")
	guest := f.join(t, "c2", "p-g1", "Guest1", "")

	ten := 10
	f.send(staff, &protocol.AdminMute{TargetMemberID: "nickname:Guest1", Duration: &ten, Reason: "spam"})
	require.Zero(t, staff.sig.count("admin:error"))
	var muted protocol.MemberMuted
	guest.sig.last(t, "member:muted", &muted)
	assert.Equal(t, domain.ParticipantID("p-g1"), muted.MemberID)
	assert.Equal(t, "2026-03-01T12:10:00.000Z", muted.MutedUntil)

	f.send(guest, &protocol.ChatSend{Content: "can I talk?"})
	var ce protocol.ChatError
	guest.sig.last(t, "chat:error", &ce)
	assert.Equal(t, mutedMessage, ce.Message)
	assert.Zero(t, staff.sig.count("chat:message"))

	f.runner.Wait()
	assert.Equal(t, domain.RestrictionMuted, f.store.restriction("p-g1").Kind)

	f.clock.Add(11 * time.Minute)
	f.o.Disconnect(guest.conn, "closed")
	again := f.join(t, "c3", "p-g1", "Guest1", "")
	assert.Equal(t, domain.RestrictionNone, again.sess.Restriction().Kind)
	assert.Equal(t, domain.RestrictionNone, f.store.restriction("p-g1").Kind)

	f.send(again, &protocol.ChatSend{Content: "back"})
	assert.Zero(t, again.sig.count("chat:error"))
}

func TestRecordingStopsOnRecorderDisconnect(t *testing.T) {
	f := newFixture(t)
	rec := f.join(t, "c1", "R1", "Recorder", "staff1")
	viewer := f.join(t, "c2", "V1", "Viewer", "")

	f.send(rec, &protocol.RecordingStart{})
	require.Equal(t, 1, viewer.sig.count("recording:started"))

	f.o.Disconnect(rec.conn, "closed")
	var st protocol.RecordingStopped
	viewer.sig.last(t, "recording:stopped", &st)
	assert.False(t, st.IsRecording)
	assert.Equal(t, domain.ParticipantID("R1"), st.RecorderID)
	_, recording := f.o.Grants.Recording("s1")
	assert.False(t, recording)

	late := f.join(t, "c3", "L1", "Late", "")
	assert.Zero(t, late.sig.count("recording:status"))
}

func TestRecordingPermissions(t *testing.T) {
	f := newFixture(t)
	staff := f.join(t, "c1", "p-staff", "Staff", "staff1")
	guest := f.join(t, "c2", "p-g", "Guest", "")

	f.send(guest, &protocol.RecordingStart{})
	assert.Equal(t, 1, guest.sig.count("recording:error"))

	f.send(staff, &protocol.RecordingStart{})
	f.send(staff, &protocol.RecordingStart{})
	var re protocol.RecordingError
	staff.sig.last(t, "recording:error", &re)
	assert.Equal(t, "Staff is already recording.", re.Message)

	f.send(guest, &protocol.RecordingStop{})
	assert.Equal(t, 2, guest.sig.count("recording:error"))
	f.send(staff, &protocol.RecordingStop{})
	assert.Equal(t, 1, guest.sig.count("recording:stopped"))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")

	f.o.Disconnect(a.conn, "closed")
	f.o.Disconnect(a.conn, "closed")
	a.sess.Close()
	f.o.Disconnect(a.conn, "closed")

	assert.Equal(t, 1, b.sig.count("player:left"))
	f.runner.Wait()
	assert.Equal(t, []string{"dev-p-a@s1:closed"}, f.store.exitLog())
	_, ok := f.o.Registry.Get(a.conn)
	assert.False(t, ok)
}

func TestLeaveKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")

	f.send(a, &protocol.LeaveSpace{})
	assert.Equal(t, 1, b.sig.count("player:left"))
	assert.False(t, a.sig.isClosed())
	assert.False(t, a.sess.Joined())

	f.send(a, &protocol.ChatSend{Content: "anyone?"})
	assert.Zero(t, b.sig.count("chat:message"))

	f.send(a, &protocol.JoinSpace{SpaceID: "s1", PlayerID: "p-a", Nickname: "A", SessionToken: "dev-p-a"})
	assert.Equal(t, 2, a.sig.count("room:joined"))
	assert.Equal(t, 2, b.sig.count("player:joined"))
}

func TestMoveRelaysLightPosition(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")

	f.send(a, &protocol.PlayerMove{X: 10, Y: 20, Direction: "left", IsMoving: true})
	var moved protocol.PlayerMoved
	b.sig.last(t, "player:moved", &moved)
	assert.Equal(t, domain.ParticipantID("p-a"), moved.ID)
	assert.Equal(t, 10.0, moved.X)
	assert.Empty(t, moved.AvatarColor)
	assert.Zero(t, a.sig.count("player:moved"))

	f.send(a, &protocol.PlayerJump{X: 1, Y: 2})
	var jumped protocol.PlayerJumped
	b.sig.last(t, "player:jumped", &jumped)
	assert.Equal(t, domain.ParticipantID("p-a"), jumped.ID)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")

	f.send(a, &protocol.UpdateProfile{Nickname: "Alpha", AvatarColor: "red"})
	var up protocol.PlayerProfileUpdated
	b.sig.last(t, "player:profileUpdated", &up)
	assert.Equal(t, "Alpha", up.Nickname)
	assert.Equal(t, domain.AvatarRed, up.AvatarColor)
	assert.Equal(t, "Alpha", a.sess.Identity().Nickname)

	room, _ := f.o.Rooms.Get("s1")
	for _, p := range room.Snapshot() {
		if p.ID == "p-a" {
			assert.Equal(t, "Alpha", p.Nickname)
		}
	}
}

func TestChatPersistsAndCorrectsID(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")

	f.send(a, &protocol.ChatSend{Content: "  a < b  "})
	var line protocol.ChatMessage
	b.sig.last(t, "chat:message", &line)
	assert.Equal(t, "msg-1772366400000-p-a", line.ID)
	assert.Equal(t, "a &lt; b", line.Content)
	assert.Equal(t, 1, a.sig.count("chat:message"))

	f.runner.Wait()
	var upd protocol.ChatMessageIDUpdate
	b.sig.last(t, "chat:messageIdUpdate", &upd)
	assert.Equal(t, line.ID, upd.TempID)
	assert.Equal(t, "db-1", upd.RealID)
	assert.Equal(t, "db-1", f.o.Moderation.ResolveID(line.ID))

	saved := f.store.message("db-1")
	assert.Equal(t, domain.KindMessage, saved.Kind)
	assert.Equal(t, domain.SenderGuest, saved.SenderType)
	assert.Equal(t, "dev-p-a", saved.SenderID)
}

func TestChatPersistFailureSendsFailedNotice(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	f.store.saveErr = errors.New("disk full")

	f.send(a, &protocol.ChatSend{Content: "lost"})
	f.runner.Wait()
	var failed protocol.ChatMessageFailed
	a.sig.last(t, "chat:messageFailed", &failed)
	assert.Equal(t, "msg-1772366400000-p-a", failed.TempID)
	assert.Equal(t, chatSaveFailed, failed.Reason)
	assert.Zero(t, a.sig.count("chat:messageIdUpdate"))
}

func TestWhisper(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "Alice", "")
	b := f.join(t, "c2", "p-b", "Bob", "")
	c := f.join(t, "c3", "p-c", "Carol", "")

	f.send(a, &protocol.WhisperSend{TargetNickname: "Bob", Content: "psst"})
	var got protocol.WhisperReceive
	b.sig.last(t, "whisper:receive", &got)
	assert.Equal(t, "p-b", got.TargetID)
	assert.Equal(t, 1, a.sig.count("whisper:sent"))
	assert.Zero(t, c.sig.count("whisper:receive"))

	f.runner.Wait()
	assert.Equal(t, 1, a.sig.count("whisper:messageIdUpdate"))
	assert.Equal(t, 1, b.sig.count("whisper:messageIdUpdate"))
	assert.Zero(t, c.sig.count("whisper:messageIdUpdate"))
	saved := f.store.message("db-1")
	assert.Equal(t, domain.KindWhisper, saved.Kind)
	assert.Equal(t, "p-b", saved.TargetID)

	f.send(a, &protocol.WhisperSend{TargetNickname: "Alice", Content: "me"})
	var we protocol.WhisperError
	a.sig.last(t, "whisper:error", &we)
	assert.Equal(t, selfWhisperMessage, we.Message)

	f.send(a, &protocol.WhisperSend{TargetNickname: "Nobody", Content: "hello?"})
	a.sig.last(t, "whisper:error", &we)
	assert.Equal(t, "'Nobody' was not found.", we.Message)
}

func TestWhisperRefusesSpoofedNickname(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "Alice", "")
	b1 := f.join(t, "c2", "p-b1", "Bob", "")
	b2 := f.join(t, "c3", "p-b2", "Bob", "")

	f.send(a, &protocol.WhisperSend{TargetNickname: "Bob", Content: "which one?"})
	var we protocol.WhisperError
	a.sig.last(t, "whisper:error", &we)
	assert.Equal(t, moderation.ErrNicknameSpoofed.Message, we.Message)
	assert.Zero(t, b1.sig.count("whisper:receive"))
	assert.Zero(t, b2.sig.count("whisper:receive"))
}

func TestMuteMatchesExactNickname(t *testing.T) {
	f := newFixture(t)
	staff := f.join(t, "c1", "p-staff", "Staff", "staff1")
	alice := f.join(t, "c2", "p-alice", "Alice", "")
	alice2 := f.join(t, "c3", "p-alice2", "alice2", "")

	f.send(staff, &protocol.AdminMute{TargetMemberID: "nickname:Alice"})
	require.Zero(t, staff.sig.count("admin:error"))

	f.send(alice, &protocol.ChatSend{Content: "hi"})
	f.send(alice2, &protocol.ChatSend{Content: "hi"})
	assert.Equal(t, 1, alice.sig.count("chat:error"))
	assert.Zero(t, alice2.sig.count("chat:error"))
	assert.Equal(t, 1, staff.sig.count("chat:message"))

	f.send(staff, &protocol.AdminUnmute{TargetMemberID: "nickname:Alice"})
	f.send(alice, &protocol.ChatSend{Content: "thanks"})
	assert.Equal(t, 2, staff.sig.count("chat:message"))
	assert.Equal(t, 1, alice.sig.count("member:unmuted"))
}

func TestMutedSenderCannotWhisperOrPartyChat(t *testing.T) {
	f := newFixture(t)
	staff := f.join(t, "c1", "p-staff", "Staff", "staff1")
	g := f.join(t, "c2", "p-g", "Guest", "")
	f.send(g, &protocol.PartyJoin{PartyID: "team", PartyName: "Team"})
	f.send(staff, &protocol.AdminMute{TargetMemberID: "nickname:Guest"})

	f.send(g, &protocol.WhisperSend{TargetNickname: "Staff", Content: "hey"})
	f.send(g, &protocol.PartySend{Content: "hey"})
	assert.Equal(t, 1, g.sig.count("whisper:error"))
	assert.Equal(t, 1, g.sig.count("party:error"))
	assert.Zero(t, staff.sig.count("whisper:receive"))
}

func TestAdminRequiresPermission(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c1", "p-a", "A", "")
	guest := f.join(t, "c2", "p-g", "Guest", "")

	f.send(guest, &protocol.AdminAnnounce{Content: "hello all"})
	var ae protocol.AdminError
	guest.sig.last(t, "admin:error", &ae)
	assert.Equal(t, "announce", ae.Action)
	assert.Equal(t, moderation.ErrAuthRequired.Message, ae.Message)

	stranger := f.connect("c9")
	f.send(stranger, &protocol.AdminKick{TargetMemberID: "nickname:A"})
	stranger.sig.last(t, "admin:error", &ae)
	assert.Equal(t, "kick", ae.Action)
}

func TestKickDisconnectsTarget(t *testing.T) {
	f := newFixture(t)
	staff := f.join(t, "c1", "p-staff", "Staff", "staff1")
	target := f.join(t, "c2", "p-t", "Troll", "")

	f.send(staff, &protocol.AdminKick{TargetMemberID: "nickname:Troll", Reason: "rude", Ban: true})
	var kicked protocol.MemberKicked
	staff.sig.last(t, "member:kicked", &kicked)
	assert.True(t, kicked.Banned)
	assert.Equal(t, domain.ParticipantID("p-t"), kicked.MemberID)

	var notice protocol.Error
	target.sig.last(t, "error", &notice)
	assert.Equal(t, "You were banned from this space.", notice.Message)
	assert.True(t, target.sig.isClosed())
	assert.Equal(t, 1, staff.sig.count("player:left"))

	f.o.Disconnect(target.conn, "closed")
	assert.Equal(t, 1, staff.sig.count("player:left"))
}

func TestDeleteMessageResolvesTempID(t *testing.T) {
	f := newFixture(t)
	staff := f.join(t, "c1", "p-staff", "Staff", "staff1")
	g := f.join(t, "c2", "p-g", "Guest", "")

	f.send(g, &protocol.ChatSend{Content: "oops"})
	f.runner.Wait()
	f.send(staff, &protocol.AdminDeleteMessage{MessageID: "msg-1772366400000-p-g"})
	require.Zero(t, staff.sig.count("admin:error"))

	var del protocol.ChatMessageDeleted
	g.sig.last(t, "chat:messageDeleted", &del)
	assert.Equal(t, "db-1", del.MessageID)
	assert.True(t, f.store.message("db-1").Deleted)
}

func TestAnnounce(t *testing.T) {
	f := newFixture(t)
	staff := f.join(t, "c1", "p-staff", "Staff", "staff1")
	g := f.join(t, "c2", "p-g", "Guest", "")

	f.send(staff, &protocol.AdminAnnounce{Content: " Welcome "})
	var ann protocol.SpaceAnnouncement
	g.sig.last(t, "space:announcement", &ann)
	assert.Equal(t, "Welcome", ann.Content)
	assert.Equal(t, "announce-1772366400000", ann.ID)
	// announcements carry no system line
	before := g.sig.count("chat:system")
	f.send(staff, &protocol.AdminAnnounce{Content: "again"})
	assert.Equal(t, before, g.sig.count("chat:system"))
}

func TestPartyMessagesStayInParty(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")
	c := f.join(t, "c3", "p-c", "C", "")

	f.send(c, &protocol.PartySend{Content: "hello"})
	var pe protocol.PartyError
	c.sig.last(t, "party:error", &pe)
	assert.Equal(t, notInParty, pe.Message)

	f.send(a, &protocol.PartyJoin{PartyID: "p1", PartyName: "Corner"})
	f.send(b, &protocol.PartyJoin{PartyID: "p1", PartyName: "Corner"})
	f.send(a, &protocol.PartySend{Content: "secret"})
	assert.Equal(t, 1, a.sig.count("party:message"))
	assert.Equal(t, 1, b.sig.count("party:message"))
	assert.Zero(t, c.sig.count("party:message"))

	f.runner.Wait()
	assert.Equal(t, 1, b.sig.count("chat:messageIdUpdate"))
	assert.Zero(t, c.sig.count("chat:messageIdUpdate"))
	saved := f.store.message("db-1")
	assert.Equal(t, domain.KindParty, saved.Kind)
	assert.Equal(t, "p1", saved.TargetID)

	f.send(b, &protocol.PartyLeave{})
	assert.Equal(t, 1, b.sig.count("party:left"))
	f.send(a, &protocol.PartySend{Content: "alone now"})
	assert.Equal(t, 1, b.sig.count("party:message"))
}

func TestReactionRelayedToOthers(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")

	f.send(a, &protocol.ReactionToggle{MessageID: "db-9", Type: "thumbsup"})
	var r protocol.ReactionUpdated
	b.sig.last(t, "reaction:updated", &r)
	assert.Equal(t, "add", r.Action)
	assert.Equal(t, domain.ParticipantID("p-a"), r.UserID)
	assert.Zero(t, a.sig.count("reaction:updated"))
}

func TestSpotlightLifecycle(t *testing.T) {
	f := newFixture(t)
	f.store.grants["g1"] = domain.SpotlightGrant{ID: "g1", SpaceID: "s1", ParticipantID: "p-a"}
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")

	var status protocol.SpotlightStatus
	a.sig.last(t, "spotlight:status", &status)
	assert.True(t, status.HasGrant)
	assert.Equal(t, "g1", status.GrantID)

	f.send(b, &protocol.SpotlightActivate{})
	assert.Equal(t, 1, b.sig.count("spotlight:error"))

	f.send(a, &protocol.SpotlightActivate{})
	assert.Equal(t, 1, b.sig.count("spotlight:activated"))
	assert.True(t, f.store.grants["g1"].IsActive)

	f.o.Disconnect(a.conn, "closed")
	assert.Equal(t, 1, b.sig.count("spotlight:deactivated"))
	f.runner.Wait()
	assert.Empty(t, f.o.Grants.ActiveSpotlights("s1"))
	f.store.mu.Lock()
	assert.False(t, f.store.grants["g1"].IsActive)
	f.store.mu.Unlock()
}

func TestStoredActiveSpotlightRestoredOnJoin(t *testing.T) {
	f := newFixture(t)
	f.store.grants["g1"] = domain.SpotlightGrant{ID: "g1", SpaceID: "s1", ParticipantID: "p-a", IsActive: true}
	a := f.join(t, "c1", "p-a", "A", "")

	var status protocol.SpotlightStatus
	a.sig.last(t, "spotlight:status", &status)
	require.Len(t, status.ActiveSpotlights, 1)
	assert.Equal(t, domain.ParticipantID("p-a"), status.ActiveSpotlights[0].ParticipantID)
	_, active := a.sess.Spotlight()
	assert.True(t, active)

	b := f.join(t, "c2", "p-b", "B", "")
	b.sig.last(t, "spotlight:status", &status)
	assert.Len(t, status.ActiveSpotlights, 1)

	f.o.Disconnect(a.conn, "closed")
	assert.Equal(t, 1, b.sig.count("spotlight:deactivated"))
	f.runner.Wait()
	assert.Empty(t, f.o.Grants.ActiveSpotlights("s1"))
	f.store.mu.Lock()
	assert.False(t, f.store.grants["g1"].IsActive)
	f.store.mu.Unlock()
}

func TestProximityToggle(t *testing.T) {
	f := newFixture(t)
	staff := f.join(t, "c1", "p-staff", "Staff", "staff1")
	g := f.join(t, "c2", "p-g", "Guest", "")

	f.send(g, &protocol.ProximitySet{Enabled: true})
	assert.Equal(t, 1, g.sig.count("proximity:error"))

	f.send(staff, &protocol.ProximitySet{Enabled: true})
	var pc protocol.ProximityChanged
	g.sig.last(t, "proximity:changed", &pc)
	assert.True(t, pc.Enabled)
	assert.Equal(t, "Staff", pc.ChangedBy)
	assert.True(t, f.o.Grants.Proximity("s1"))

	late := f.join(t, "c3", "p-l", "Late", "")
	var ps protocol.ProximityStatus
	late.sig.last(t, "proximity:status", &ps)
	assert.True(t, ps.Enabled)
}

func TestObjectsRequireStaff(t *testing.T) {
	f := newFixture(t)
	staff := f.join(t, "c1", "p-staff", "Staff", "staff1")
	g := f.join(t, "c2", "p-g", "Guest", "")

	f.send(g, &protocol.ObjectPlace{AssetID: "chair", Position: protocol.Point{X: 1, Y: 2}})
	assert.Equal(t, 1, g.sig.count("object:error"))

	f.send(staff, &protocol.ObjectPlace{AssetID: "chair", Position: protocol.Point{X: 1, Y: 2}, Rotation: 90})
	var placed protocol.ObjectPlaced
	g.sig.last(t, "object:placed", &placed)
	assert.Equal(t, "chair", placed.Object.AssetID)
	assert.Equal(t, 90, placed.Object.Rotation)
	assert.Equal(t, "Staff", placed.PlacedByNickname)

	rot := 180
	f.send(staff, &protocol.ObjectUpdate{ObjectID: placed.Object.ID, Rotation: &rot})
	var updated protocol.ObjectUpdated
	g.sig.last(t, "object:updated", &updated)
	assert.Equal(t, 180, updated.Object.Rotation)

	late := f.join(t, "c3", "p-l", "Late", "")
	var objs protocol.ObjectsSync
	late.sig.last(t, "objects:sync", &objs)
	require.Len(t, objs.Objects, 1)

	f.send(staff, &protocol.ObjectDelete{ObjectID: placed.Object.ID})
	assert.Equal(t, 1, g.sig.count("object:deleted"))
	f.send(staff, &protocol.ObjectDelete{ObjectID: placed.Object.ID})
	var oe protocol.ObjectError
	staff.sig.last(t, "object:error", &oe)
	assert.Equal(t, objectNotFound, oe.Message)
}

func TestEventsBeforeJoin(t *testing.T) {
	f := newFixture(t)
	c := f.connect("c1")

	f.send(c, &protocol.ChatSend{Content: "hi"})
	assert.Zero(t, c.sig.count("chat:message"))
	f.send(c, &protocol.RecordingStart{})
	assert.Equal(t, 1, c.sig.count("recording:error"))
	f.send(c, &protocol.Ping{})
	assert.Equal(t, 1, c.sig.count("pong"))
}

func TestJoinRejectedInProduction(t *testing.T) {
	f := newFixture(t)
	f.o.Gateway = gateway.New(gateway.Config{}, f.o.Rooms, f.o.Registry, f.store, f.o.Moderation, f.o.Grants, f.store, f.clock)
	c := f.connect("c1")
	f.send(c, &protocol.JoinSpace{SpaceID: "s1", PlayerID: "p1", Nickname: "Kim"})

	var e protocol.Error
	c.sig.last(t, "error", &e)
	assert.Equal(t, "Session token required", e.Message)
	assert.True(t, c.sig.isClosed())
	assert.Empty(t, f.o.Rooms.List())
}

func TestRejectedRejoinKeepsCurrentSpace(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")
	f.o.Gateway = gateway.New(gateway.Config{}, f.o.Rooms, f.o.Registry, f.store, f.o.Moderation, f.o.Grants, f.store, f.clock)

	f.send(a, &protocol.JoinSpace{SpaceID: "s2", PlayerID: "p-a", Nickname: "A"})
	var e protocol.Error
	a.sig.last(t, "error", &e)
	assert.Equal(t, "Session token required", e.Message)

	assert.Zero(t, b.sig.count("player:left"))
	assert.True(t, a.sess.Joined())
	room, ok := f.o.Rooms.Get("s1")
	require.True(t, ok)
	assert.Len(t, room.Snapshot(), 2)
	_, ok = f.o.Rooms.Get("s2")
	assert.False(t, ok)
}

func TestRejoinLeavesPreviousSpace(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	b := f.join(t, "c2", "p-b", "B", "")

	f.send(a, &protocol.JoinSpace{SpaceID: "s2", PlayerID: "p-a", Nickname: "A", SessionToken: "dev-p-a"})
	assert.Equal(t, 2, a.sig.count("room:joined"))
	assert.Equal(t, 1, b.sig.count("player:left"))
	room, ok := f.o.Rooms.Get("s1")
	require.True(t, ok)
	assert.Len(t, room.Snapshot(), 1)
	_, ok = f.o.Rooms.Get("s2")
	assert.True(t, ok)
}

type fullSignal struct{ closed bool }

func (s *fullSignal) TrySend(core.Frame) error { return core.ErrBackpressure }
func (s *fullSignal) Close()                   { s.closed = true }

func TestSlowConsumerIsKicked(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "c1", "p-a", "A", "")
	sig := &fullSignal{}
	slow := app.NewSession("c2", sig, nil)
	f.o.Registry.Add(slow)
	slow.Bind(app.Identity{SpaceID: "s1", ParticipantID: "p-slow", Nickname: "Slow"}, domain.NoRestriction(), "", false)
	f.o.Registry.Attach("s1", slow.ConnID)

	f.send(a, &protocol.ChatSend{Content: "hi"})
	assert.True(t, sig.closed)
}
