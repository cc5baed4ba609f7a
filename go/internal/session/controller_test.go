package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is an in-memory server for one player.
type fakeChannel struct {
	mu       sync.Mutex
	handler  models.EventHandler
	joined   []models.RoomID
	calls    []string
	sent     []models.Action
	modes    []string
	created  models.RoomID
	reassign map[models.RoomID]models.RoomID

	// onJoin runs before JoinRoom returns, without the lock held.
	onJoin func(models.RoomID)

	joinErr  error
	leaveErr error
	sendErr  error
}

func newFakeChannel(joined ...models.RoomID) *fakeChannel {
	return &fakeChannel{
		joined:   joined,
		modes:    []string{"schelling"},
		created:  models.MustParseRoomID("dddddddd-0000-4000-8000-000000000004"),
		reassign: make(map[models.RoomID]models.RoomID),
	}
}

func (f *fakeChannel) Subscribe(handler models.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handler = nil
	}
}

func (f *fakeChannel) ListJoinedRooms(context.Context) ([]models.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list")
	return slices.Clone(f.joined), nil
}

func (f *fakeChannel) JoinRoom(_ context.Context, roomID models.RoomID) (models.RoomID, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "join:"+roomID.String())
	if f.joinErr != nil {
		f.mu.Unlock()
		return models.RoomID{}, f.joinErr
	}
	active := roomID
	if other, ok := f.reassign[roomID]; ok {
		active = other
	}
	f.joined = append(f.joined, active)
	hook := f.onJoin
	f.mu.Unlock()

	if hook != nil {
		hook(active)
	}
	return active, nil
}

func (f *fakeChannel) LeaveRoom(_ context.Context, roomID models.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "leave:"+roomID.String())
	if f.leaveErr != nil {
		return f.leaveErr
	}
	f.joined = slices.DeleteFunc(f.joined, func(id models.RoomID) bool { return id == roomID })
	return nil
}

func (f *fakeChannel) ListGameModes(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.modes), nil
}

func (f *fakeChannel) CreateRoom(_ context.Context, mode string) (models.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create:"+mode)
	f.joined = append(f.joined, f.created)
	return f.created, nil
}

func (f *fakeChannel) SendAction(_ context.Context, roomID models.RoomID, action models.Action) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action.Name()+":"+roomID.String())
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, action)
	return json.RawMessage(`null`), nil
}

func (f *fakeChannel) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeChannel) sentActions() []models.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

// eventLog collects the events an observer saw.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnSessionEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		for _, e := range l.events {
			if e.Type == typ {
				found = e
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no %s event", typ)
	return found
}

func (l *eventLog) count(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newTestController(t *testing.T, ch *fakeChannel, opts Options) (*Controller, *eventLog) {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClockAt(epoch)
	}
	c := NewController(ch, opts)
	events := &eventLog{}
	c.Subscribe(events)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	return c, events
}

func TestController_SubscribesToChannel(t *testing.T) {
	ch := newFakeChannel()
	c, _ := newTestController(t, ch, Options{})

	ch.mu.Lock()
	assert.Same(t, c, ch.handler)
	ch.mu.Unlock()

	c.Close()
	ch.mu.Lock()
	assert.Nil(t, ch.handler)
	ch.mu.Unlock()
}

func TestController_ReadyWithDeepLinkLeavesOthersAndJoins(t *testing.T) {
	ch := newFakeChannel(roomA, roomB)
	c, events := newTestController(t, ch, Options{Fragment: "#join:" + roomC.String(), Nick: "ann"})

	require.NoError(t, c.HandleReady(context.Background(), alice))

	assert.Equal(t, []string{
		"list",
		"leave:" + roomA.String(),
		"leave:" + roomB.String(),
		"join:" + roomC.String(),
		"nick:" + roomC.String(),
	}, ch.callLog())

	snap := c.Snapshot()
	assert.True(t, snap.Ready)
	assert.Equal(t, alice, snap.LocalPlayer)
	require.NotNil(t, snap.ActiveRoom)
	assert.Equal(t, roomC, *snap.ActiveRoom)
	assert.Len(t, snap.Rooms, 1)
	assert.Equal(t, []string{"schelling"}, snap.GameModes)
	assert.Equal(t, []models.Action{models.SetNick{Nick: "ann"}}, ch.sentActions())

	events.waitFor(t, EventReady)
	events.waitFor(t, EventSynced)
	changed := events.waitFor(t, EventActiveRoomChanged)
	assert.Equal(t, roomC, *changed.RoomID)
}

func TestController_ReadyWithoutTargetSelectsFirstJoined(t *testing.T) {
	ch := newFakeChannel(roomB, roomA)
	c, _ := newTestController(t, ch, Options{})

	require.NoError(t, c.HandleReady(context.Background(), alice))

	// No commands: the first reported room is selected as is.
	assert.Equal(t, []string{"list"}, ch.callLog())
	snap := c.Snapshot()
	require.NotNil(t, snap.ActiveRoom)
	assert.Equal(t, roomB, *snap.ActiveRoom)
	assert.Equal(t, []models.RoomID{roomB}, c.Registry().Tracked())
}

func TestController_ReadyAutoCreatesRoom(t *testing.T) {
	ch := newFakeChannel()
	c, _ := newTestController(t, ch, Options{AutoCreateMode: "schelling"})

	require.NoError(t, c.HandleReady(context.Background(), alice))

	assert.Equal(t, []string{"list", "create:schelling"}, ch.callLog())
	snap := c.Snapshot()
	require.NotNil(t, snap.ActiveRoom)
	assert.Equal(t, ch.created, *snap.ActiveRoom)
}

func TestController_ReadyWithNothingStaysIdle(t *testing.T) {
	ch := newFakeChannel()
	c, events := newTestController(t, ch, Options{Nick: "ann"})

	require.NoError(t, c.HandleReady(context.Background(), alice))

	assert.Equal(t, []string{"list"}, ch.callLog())
	assert.Nil(t, c.Snapshot().ActiveRoom)
	events.waitFor(t, EventSynced)
}

func TestController_SingleRoomIgnoresOtherRooms(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, events := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	c.OnUpdate(update(roomB, alice, map[string]any{"running": true}))
	assert.False(t, c.Registry().IsTracked(roomB))
	_, ok := c.Registry().State(roomB)
	assert.False(t, ok)

	c.OnUpdate(update(roomA, alice, map[string]any{"running": false}))
	state, ok := c.Registry().State(roomA)
	require.True(t, ok)
	assert.Equal(t, alice, state.Leader)

	updated := events.waitFor(t, EventRoomUpdated)
	assert.Equal(t, roomA, *updated.RoomID)
	assert.Equal(t, 1, events.count(EventRoomUpdated))
}

func TestController_AcceptsUpdateForPendingJoin(t *testing.T) {
	ch := newFakeChannel()
	c, _ := newTestController(t, ch, Options{Fragment: "#join:" + roomC.String()})
	ch.onJoin = func(id models.RoomID) {
		// The server pushes the room state before acknowledging the join.
		c.OnUpdate(update(id, bob, map[string]any{"settings": map[string]any{"timer": 60}}))
	}

	require.NoError(t, c.HandleReady(context.Background(), alice))

	view, ok := c.Snapshot().Active()
	require.True(t, ok)
	assert.True(t, view.HasState)
	assert.Equal(t, bob, view.State.Leader)
}

func TestController_ServerReassignsJoinedRoom(t *testing.T) {
	ch := newFakeChannel()
	ch.reassign[roomA] = roomB
	c, _ := newTestController(t, ch, Options{Fragment: "#join:" + roomA.String()})

	require.NoError(t, c.HandleReady(context.Background(), alice))

	snap := c.Snapshot()
	require.NotNil(t, snap.ActiveRoom)
	assert.Equal(t, roomB, *snap.ActiveRoom)
	assert.False(t, c.Registry().IsTracked(roomA))
	assert.True(t, c.Registry().IsTracked(roomB))
}

func TestController_ServerReassignsJoinKeepsEarlyState(t *testing.T) {
	ch := newFakeChannel()
	ch.reassign[roomA] = roomB
	c, _ := newTestController(t, ch, Options{Fragment: "#join:" + roomA.String()})
	ch.onJoin = func(id models.RoomID) {
		// State of the room actually joined arrives before the join reply.
		c.OnUpdate(update(id, bob, map[string]any{"running": true}))
		c.OnUpdate(update(roomC, bob, map[string]any{}))
	}

	require.NoError(t, c.HandleReady(context.Background(), alice))

	view, ok := c.Snapshot().Active()
	require.True(t, ok)
	assert.Equal(t, roomB, view.ID)
	assert.True(t, view.HasState)
	assert.Equal(t, bob, view.State.Leader)
	assert.False(t, c.Registry().IsTracked(roomC))
}

func TestController_SyncFailureForgetsPendingTarget(t *testing.T) {
	boom := errors.New("no such lobby")
	ch := newFakeChannel()
	ch.joinErr = boom
	c, events := newTestController(t, ch, Options{Fragment: "#join:" + roomC.String()})

	err := c.HandleReady(context.Background(), alice)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.False(t, c.Registry().IsTracked(roomC))
	assert.Nil(t, c.Snapshot().ActiveRoom)
	assert.Equal(t, []string{"schelling"}, c.Snapshot().GameModes, "modes load even when the join fails")

	failed := events.waitFor(t, EventSyncFailed)
	assert.Contains(t, failed.Error, "no such lobby")
}

func TestController_NavigateFragment(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, _ := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	require.NoError(t, c.NavigateFragment(context.Background(), "#settings"))
	assert.Equal(t, []string{"list"}, ch.callLog())

	require.NoError(t, c.NavigateFragment(context.Background(), "#join:"+roomB.String()))
	assert.Equal(t, []string{
		"list",
		"list",
		"leave:" + roomA.String(),
		"join:" + roomB.String(),
	}, ch.callLog())

	snap := c.Snapshot()
	require.NotNil(t, snap.ActiveRoom)
	assert.Equal(t, roomB, *snap.ActiveRoom)
	assert.False(t, c.Registry().IsTracked(roomA))
}

func TestController_MultiRoomTracksAllAndSelectsFirstUpdated(t *testing.T) {
	ch := newFakeChannel(roomA, roomB)
	c, events := newTestController(t, ch, Options{Mode: ModeMultiRoom})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	assert.ElementsMatch(t, []models.RoomID{roomA, roomB}, c.Registry().Tracked())
	assert.Nil(t, c.Snapshot().ActiveRoom)

	c.OnUpdate(update(roomB, alice, map[string]any{}))
	c.OnUpdate(update(roomA, alice, map[string]any{}))

	snap := c.Snapshot()
	require.NotNil(t, snap.ActiveRoom)
	assert.Equal(t, roomB, *snap.ActiveRoom)
	assert.True(t, snap.Rooms[roomA].HasState)
	assert.True(t, snap.Rooms[roomB].HasState)
	assert.Equal(t, 1, countActiveChanges(t, events))

	require.NoError(t, c.SelectRoom(roomA))
	assert.Equal(t, roomA, *c.Snapshot().ActiveRoom)

	assert.ErrorIs(t, c.SelectRoom(roomC), models.ErrUnknownRoom)
}

func countActiveChanges(t *testing.T, events *eventLog) int {
	t.Helper()
	events.waitFor(t, EventActiveRoomChanged)
	return events.count(EventActiveRoomChanged)
}

func TestController_MultiRoomDeepLinkKeepsOtherRooms(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, _ := newTestController(t, ch, Options{Mode: ModeMultiRoom, Fragment: "#join:" + roomB.String()})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	assert.Equal(t, []string{"list", "join:" + roomB.String()}, ch.callLog())
	assert.ElementsMatch(t, []models.RoomID{roomA, roomB}, c.Registry().Tracked())
	assert.Equal(t, roomB, *c.Snapshot().ActiveRoom)
}

func TestController_MultiRoomLeaveSelectsNext(t *testing.T) {
	ch := newFakeChannel(roomA, roomB)
	c, events := newTestController(t, ch, Options{Mode: ModeMultiRoom})
	require.NoError(t, c.HandleReady(context.Background(), alice))
	require.NoError(t, c.SelectRoom(roomA))

	require.NoError(t, c.LeaveRoom(context.Background(), roomA))

	assert.False(t, c.Registry().IsTracked(roomA))
	assert.Equal(t, roomB, *c.Snapshot().ActiveRoom)
	left := events.waitFor(t, EventRoomLeft)
	assert.Equal(t, roomA, *left.RoomID)
}

func TestController_MultiRoomDropsLateUpdateForLeftRoom(t *testing.T) {
	ch := newFakeChannel(roomA, roomB)
	c, _ := newTestController(t, ch, Options{Mode: ModeMultiRoom})
	require.NoError(t, c.HandleReady(context.Background(), alice))
	c.OnUpdate(update(roomA, alice, map[string]any{}))

	require.NoError(t, c.LeaveRoom(context.Background(), roomA))
	require.NoError(t, c.LeaveRoom(context.Background(), roomB))

	// Sent by the server before it processed the leave.
	c.OnUpdate(update(roomA, alice, map[string]any{"running": true}))

	assert.Empty(t, c.Registry().Tracked())
	assert.Nil(t, c.Snapshot().ActiveRoom)

	// Joining again lifts the block.
	require.NoError(t, c.NavigateFragment(context.Background(), "#join:"+roomA.String()))
	c.OnUpdate(update(roomA, alice, map[string]any{"running": true}))
	view, ok := c.Snapshot().Active()
	require.True(t, ok)
	assert.Equal(t, roomA, view.ID)
	assert.True(t, view.HasState)
}

func TestController_SingleRoomLeaveClearsActive(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, _ := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	require.NoError(t, c.LeaveRoom(context.Background(), roomA))
	assert.Nil(t, c.Snapshot().ActiveRoom)
	assert.Empty(t, c.Registry().Tracked())

	_, err := c.JoinLink("https://example.org")
	assert.ErrorIs(t, err, models.ErrNoActiveRoom)
}

func TestController_CreateRoomReplacesActiveInSingleMode(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, _ := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	id, err := c.CreateRoom(context.Background(), "schelling")
	require.NoError(t, err)
	assert.Equal(t, ch.created, id)
	assert.Equal(t, []models.RoomID{id}, c.Registry().Tracked())

	link, err := c.JoinLink("https://example.org/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/#join:"+id.String(), link)
}

func TestController_SettingsAndStartFlags(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, events := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	c.OnUpdate(update(roomA, alice, map[string]any{"settings": map[string]any{"timer": 60}}))
	view, _ := c.Snapshot().Active()
	assert.False(t, view.SettingsChanged)
	assert.True(t, view.ExpandSettings)
	assert.True(t, view.Writable)

	c.OnUpdate(update(roomA, alice, map[string]any{"settings": map[string]any{"timer": 90}}))
	view, _ = c.Snapshot().Active()
	assert.True(t, view.SettingsChanged)
	events.waitFor(t, EventSettingsChanged)

	c.AcknowledgeSettings(roomA)
	view, _ = c.Snapshot().Active()
	assert.False(t, view.SettingsChanged)

	c.OnUpdate(update(roomA, alice, map[string]any{"running": true, "settings": map[string]any{"timer": 90}}))
	view, _ = c.Snapshot().Active()
	assert.False(t, view.ExpandSettings)
	assert.False(t, view.SettingsChanged)
	events.waitFor(t, EventStarted)
}

func TestController_UpdateSettingsRequiresLeader(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, _ := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	c.OnUpdate(update(roomA, bob, map[string]any{}))
	err := c.UpdateSettings(context.Background(), map[string]any{"timer": 30})
	assert.ErrorIs(t, err, models.ErrNotLeader)
	assert.Empty(t, ch.sentActions())

	c.OnUpdate(update(roomA, alice, map[string]any{}))
	require.NoError(t, c.UpdateSettings(context.Background(), map[string]any{"timer": 30}))
	assert.Equal(t, []models.Action{models.UpdateSettings{Settings: map[string]any{"timer": 30}}}, ch.sentActions())
}

func TestController_ActionsGoToActiveRoom(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, _ := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))
	ctx := context.Background()

	require.NoError(t, c.SetNick(ctx, ""))
	require.NoError(t, c.SetNick(ctx, "ann"))
	require.NoError(t, c.SetTitle(ctx, "friday"))
	require.NoError(t, c.SendChat(ctx, "hi"))
	require.NoError(t, c.ProposeQuestion(ctx, "a colour?"))
	require.NoError(t, c.StartGame(ctx))
	require.NoError(t, c.Guess(ctx, "blue"))
	require.NoError(t, c.Ready(ctx))
	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Advance(ctx))

	assert.Equal(t, []models.Action{
		models.SetNick{Nick: "ann"},
		models.SetTitle{Title: "friday"},
		models.Chat{Text: "hi"},
		models.ProposeQuestion{Open: "a colour?"},
		models.Start{},
		models.Guess{Text: "blue"},
		models.Ready{},
		models.Pause{},
		models.Advance{},
	}, ch.sentActions())
}

func TestController_ActionFailureLeavesStateAlone(t *testing.T) {
	boom := errors.New("not running")
	ch := newFakeChannel(roomA)
	c, events := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))
	c.OnUpdate(update(roomA, alice, map[string]any{"running": false}))
	before := c.Snapshot()

	ch.sendErr = boom
	err := c.Guess(context.Background(), "blue")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, before.Rooms, c.Snapshot().Rooms)
	failed := events.waitFor(t, EventActionFailed)
	assert.Equal(t, "guess", failed.Action)
	assert.Equal(t, roomA, *failed.RoomID)
}

func TestController_SendActionRejectsUntrackedRoom(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, _ := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	_, err := c.SendAction(context.Background(), roomB, models.Start{})
	assert.ErrorIs(t, err, models.ErrUnknownRoom)

	_, err = NewController(newFakeChannel(), Options{}).JoinLink("x")
	assert.ErrorIs(t, err, models.ErrNoActiveRoom)
}

func TestController_DisconnectIsTerminal(t *testing.T) {
	ch := newFakeChannel(roomA)
	c, events := newTestController(t, ch, Options{})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	c.OnError(errors.New("socket closed"))

	snap := c.Snapshot()
	assert.True(t, snap.Disconnected)
	assert.Equal(t, "connection to the server closed: socket closed", snap.Error)

	ev := events.waitFor(t, EventDisconnected)
	assert.Equal(t, snap.Error, ev.Error)

	assert.ErrorIs(t, c.SendChat(context.Background(), "still there?"), models.ErrDisconnected)
	assert.ErrorIs(t, c.NavigateFragment(context.Background(), "#join:"+roomB.String()), models.ErrDisconnected)
	_, err := c.CreateRoom(context.Background(), "schelling")
	assert.ErrorIs(t, err, models.ErrDisconnected)
	assert.Empty(t, ch.sentActions())
}

func TestController_CountdownEventsReachObservers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	ch := newFakeChannel(roomA)
	c, events := newTestController(t, ch, Options{Clock: clock})
	require.NoError(t, c.HandleReady(context.Background(), alice))

	c.OnUpdate(update(roomA, alice, map[string]any{
		"timer_from": clock.Now().UnixMilli(),
		"settings":   map[string]any{"timer": 3},
	}))

	view, _ := c.Snapshot().Active()
	assert.Equal(t, active(3), view.Timer)
	assert.Equal(t, Inactive, view.Delay)

	ev := events.waitFor(t, EventCountdown)
	assert.NotEmpty(t, ev.Slot)
	require.NotNil(t, ev.Countdown)
}
