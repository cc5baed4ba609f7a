package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePublicState_FrameworkFields(t *testing.T) {
	p1 := NewPlayerID()
	raw := json.RawMessage(`{
		"running": true,
		"timer_from": "2026-01-02T03:04:05Z",
		"delayFrom": 1767323045000,
		"settings": {"timer": 60, "delay": 5, "ready": "leader", "anonymize": false},
		"ready": ["` + p1.String() + `"],
		"nicknames": {}
	}`)

	p, err := ParsePublicState(raw)
	require.NoError(t, err)

	assert.True(t, p.Running)
	require.NotNil(t, p.TimerFrom)
	assert.True(t, p.TimerFrom.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.NotNil(t, p.DelayFrom)
	assert.Equal(t, int64(1767323045000), p.DelayFrom.UnixMilli())
	assert.Equal(t, 60*time.Second, p.TimerDuration())
	assert.Equal(t, 5*time.Second, p.DelayDuration())
	assert.Equal(t, ReadyLeader, p.ReadyPolicy())
	assert.True(t, p.IsReady(p1))
	assert.False(t, p.IsReady(NewPlayerID()))
	assert.JSONEq(t, string(raw), string(p.Raw()))
}

func TestParsePublicState_NonObject(t *testing.T) {
	p, err := ParsePublicState(json.RawMessage(`["a","b"]`))
	require.NoError(t, err)

	assert.False(t, p.Running)
	assert.Nil(t, p.TimerFrom)
	assert.Nil(t, p.Settings)
	assert.Equal(t, DefaultReadyPolicy, p.ReadyPolicy())

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(out))
}

func TestParsePublicState_BadInstant(t *testing.T) {
	_, err := ParsePublicState(json.RawMessage(`{"timer_from": true}`))
	assert.Error(t, err)
}

func TestRoomIDTextRoundTrip(t *testing.T) {
	id := NewRoomID()
	b, err := json.Marshal(map[RoomID]int{id: 1})
	require.NoError(t, err)

	var back map[RoomID]int
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, 1, back[id])
}
