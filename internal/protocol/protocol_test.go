package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJoin(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"join:space","data":{"spaceId":"s1","playerId":"p1","nickname":"alice","sessionToken":"auth-u1"}}`))
	require.NoError(t, err)
	join, ok := msg.(*JoinSpace)
	require.True(t, ok)
	assert.Equal(t, "s1", join.SpaceID)
	assert.Equal(t, "auth-u1", join.SessionToken)
}

func TestDecodeEmptyData(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"recording:start"}`))
	require.NoError(t, err)
	assert.IsType(t, &RecordingStart{}, msg)

	msg, err = Decode([]byte(`{"type":"ping","data":null}`))
	require.NoError(t, err)
	assert.IsType(t, &Ping{}, msg)
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte(`{"type":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = Decode([]byte(`{"type":"join:space","data":{"playerId":"p1"}}`))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = Decode([]byte(`{"type":"player:move","data":{"x":1,"y":2,"direction":"sideways"}}`))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = Decode([]byte(`{"type":"object:place","data":{"assetId":"a","position":{"x":1,"y":1},"rotation":45}}`))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = Decode([]byte(`{"type":"admin:mute","data":{"targetMemberId":"nickname:bob","duration":-5}}`))
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestDecodeOptionalObjectFields(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"object:update","data":{"objectId":"o1","rotation":90}}`))
	require.NoError(t, err)
	upd := msg.(*ObjectUpdate)
	require.NotNil(t, upd.Rotation)
	assert.Equal(t, 90, *upd.Rotation)
	assert.Nil(t, upd.Position)
	assert.Nil(t, upd.LinkedObjectID)
}

func TestEncodeEnvelope(t *testing.T) {
	frame, err := Encode(PlayerLeft{ID: "p1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"player:left","data":{"id":"p1"}}`, string(frame))

	frame, err = Encode(ChatMessageIDUpdate{TempID: "msg-1-p1", RealID: "r1"})
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, "chat:messageIdUpdate", env.Type)
	assert.JSONEq(t, `{"tempId":"msg-1-p1","realId":"r1"}`, string(env.Data))
}
