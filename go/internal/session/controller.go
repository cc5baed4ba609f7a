package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Mode selects how the controller treats concurrent room membership.
type Mode string

const (
	// ModeSingleRoom keeps exactly one room joined and ignores updates for
	// any other room.
	ModeSingleRoom Mode = "single"
	// ModeMultiRoom tracks every joined room and treats the active room as a
	// selection only.
	ModeMultiRoom Mode = "multi"
)

// Channel is the persistent connection to the game server.
type Channel interface {
	MembershipChannel
	Subscribe(handler models.EventHandler) (unsubscribe func())
	ListGameModes(ctx context.Context) ([]string, error)
	CreateRoom(ctx context.Context, mode string) (models.RoomID, error)
	SendAction(ctx context.Context, roomID models.RoomID, action models.Action) (json.RawMessage, error)
}

// Options configures a Controller.
type Options struct {
	Mode Mode
	// Fragment is the page fragment at startup, e.g. "#join:<roomId>".
	Fragment string
	// AutoCreateMode, if set, creates a room of this game mode when the
	// session starts with nothing joined and nothing requested.
	AutoCreateMode string
	// Nick is re-sent to the active room after every successful sync.
	Nick string
	// Clock drives countdowns. Defaults to the real clock.
	Clock clockwork.Clock
	// EventBuffer is the capacity of the observer broadcast channel.
	EventBuffer int
}

// DefaultOptions returns single-room options on the real clock.
func DefaultOptions() Options {
	return Options{
		Mode:        ModeSingleRoom,
		Clock:       clockwork.NewRealClock(),
		EventBuffer: 256,
	}
}

// roomFlags holds the UI affordances derived from update transitions.
type roomFlags struct {
	settingsChanged bool
	expandSettings  bool
}

// Controller owns the session: the local identity, the active room and the
// room registry. It consumes channel events, keeps derived state current and
// exposes the outbound action API. Actions are never applied optimistically;
// their effect arrives with the next room update.
type Controller struct {
	channel    Channel
	reconciler *Reconciler
	registry   *Registry
	opts       Options

	mu           sync.Mutex
	localPlayer  models.PlayerID
	ready        bool
	active       *models.RoomID
	pending      *models.RoomID
	held         map[models.RoomID]models.RoomUpdate
	left         map[models.RoomID]struct{}
	flags        map[models.RoomID]*roomFlags
	gameModes    []string
	nick         string
	disconnected bool
	lastError    string

	events      chan Event
	observers   map[int]Observer
	nextObsID   int
	observersMu sync.RWMutex

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

// NewController creates a controller and subscribes it to the channel.
func NewController(channel Channel, opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = defaults.Mode
	}
	if opts.Clock == nil {
		opts.Clock = defaults.Clock
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaults.EventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		channel:    channel,
		reconciler: NewReconciler(channel),
		opts:       opts,
		flags:      make(map[models.RoomID]*roomFlags),
		held:       make(map[models.RoomID]models.RoomUpdate),
		left:       make(map[models.RoomID]struct{}),
		nick:       opts.Nick,
		events:     make(chan Event, opts.EventBuffer),
		observers:  make(map[int]Observer),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.registry = NewRegistry(opts.Clock, c.onCountdown)
	c.unsubscribe = channel.Subscribe(c)
	return c
}

// Registry exposes the room registry for read-only queries.
func (c *Controller) Registry() *Registry { return c.registry }

// Run delivers events to observers until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	log.Info().Str("mode", string(c.opts.Mode)).Msg("session controller started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session controller shutting down")
			return
		case event := <-c.events:
			c.dispatch(event)
		}
	}
}

// Close unsubscribes from the channel and stops every countdown.
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.cancel()
	c.registry.Close()
}

// Subscribe registers an observer. The returned function removes it.
func (c *Controller) Subscribe(obs Observer) (unsubscribe func()) {
	c.observersMu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = obs
	c.observersMu.Unlock()

	return func() {
		c.observersMu.Lock()
		delete(c.observers, id)
		c.observersMu.Unlock()
	}
}

// OnReady implements models.EventHandler. The sync runs on its own
// goroutine so room updates keep flowing while commands are awaited.
func (c *Controller) OnReady(player models.PlayerID) {
	go func() {
		if err := c.HandleReady(c.ctx, player); err != nil {
			log.Error().Err(err).Str("player_id", player.String()).Msg("initial sync failed")
		}
	}()
}

// HandleReady establishes the local player, reconciles membership against
// the startup fragment and fetches the game modes.
func (c *Controller) HandleReady(ctx context.Context, player models.PlayerID) error {
	c.mu.Lock()
	c.localPlayer = player
	c.ready = true
	c.mu.Unlock()

	log.Info().Str("player_id", player.String()).Msg("channel ready")
	c.emit(Event{Type: EventReady})

	var target *models.RoomID
	if id, ok := ParseJoinFragment(c.opts.Fragment); ok {
		target = &id
	}

	// Game modes are loaded even when the sync fails; its error wins.
	syncErr := c.syncTo(ctx, target, true)

	modes, err := c.channel.ListGameModes(ctx)
	if err != nil {
		if syncErr != nil {
			log.Warn().Err(err).Msg("failed to load game modes")
			return syncErr
		}
		return fmt.Errorf("list game modes: %w", err)
	}
	c.mu.Lock()
	c.gameModes = modes
	c.mu.Unlock()

	log.Info().Strs("game_modes", modes).Msg("game modes loaded")
	return syncErr
}

// NavigateFragment handles a fragment change the same way as the initial
// load. Fragments that are not join links are ignored.
func (c *Controller) NavigateFragment(ctx context.Context, fragment string) error {
	id, ok := ParseJoinFragment(fragment)
	if !ok {
		return nil
	}
	return c.syncTo(ctx, &id, false)
}

// syncTo brings membership in line with target according to the mode.
func (c *Controller) syncTo(ctx context.Context, target *models.RoomID, initial bool) error {
	if err := c.checkConnected(); err != nil {
		return err
	}

	var err error
	if c.opts.Mode == ModeMultiRoom {
		err = c.syncMulti(ctx, target, initial)
	} else {
		err = c.syncSingle(ctx, target)
	}
	if err != nil {
		c.emit(Event{Type: EventSyncFailed, Error: err.Error()})
		return err
	}

	c.emit(Event{Type: EventSynced})
	c.resendNick(ctx)
	return nil
}

func (c *Controller) syncSingle(ctx context.Context, target *models.RoomID) error {
	result, err := c.reconciler.Run(ctx, target, c.markPending)

	c.mu.Lock()
	for _, id := range result.Left {
		c.forgetLocked(id)
	}
	pending := c.pending
	c.pending = nil
	held := maps.Clone(c.held)
	clear(c.held)
	if err != nil {
		if pending != nil && !c.isActiveLocked(*pending) {
			c.forgetLocked(*pending)
		}
		c.mu.Unlock()
		return fmt.Errorf("reconcile membership: %w", err)
	}
	if result.Plan.NoTarget {
		c.mu.Unlock()
		if c.opts.AutoCreateMode == "" {
			log.Info().Msg("no room joined and none requested")
			return nil
		}
		_, err := c.CreateRoom(ctx, c.opts.AutoCreateMode)
		return err
	}
	if pending != nil && *pending != result.Active {
		c.forgetLocked(*pending)
	}
	delete(c.left, result.Active)
	c.selectSingleLocked(result.Active)
	// The server may push the state of a reassigned room before the join
	// is acknowledged.
	if u, ok := held[result.Active]; ok {
		if _, has := c.registry.State(result.Active); !has {
			c.applyLocked(u)
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) syncMulti(ctx context.Context, target *models.RoomID, initial bool) error {
	joined, err := c.channel.ListJoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("list joined rooms: %w", err)
	}
	c.mu.Lock()
	for _, id := range joined {
		delete(c.left, id)
		c.registry.Track(id)
	}
	if target != nil {
		delete(c.left, *target)
	}
	c.mu.Unlock()

	if target != nil {
		active := *target
		if !slices.Contains(joined, *target) {
			c.registry.Track(*target)
			active, err = c.channel.JoinRoom(ctx, *target)
			if err != nil {
				c.registry.Untrack(*target)
				return fmt.Errorf("join room %s: %w", *target, err)
			}
			if active != *target {
				c.registry.Untrack(*target)
				c.registry.Track(active)
			}
		}
		c.mu.Lock()
		c.setActiveLocked(active)
		c.mu.Unlock()
		return nil
	}

	if initial && len(joined) == 0 && c.opts.AutoCreateMode != "" {
		_, err := c.CreateRoom(ctx, c.opts.AutoCreateMode)
		return err
	}
	return nil
}

// markPending lets updates for the join target through before the join is
// acknowledged.
func (c *Controller) markPending(target models.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &target
	delete(c.left, target)
	c.registry.Track(target)
}

// selectSingleLocked makes id the only tracked room.
func (c *Controller) selectSingleLocked(id models.RoomID) {
	for _, other := range c.registry.Tracked() {
		if other != id {
			c.forgetLocked(other)
		}
	}
	c.registry.Track(id)
	c.setActiveLocked(id)
}

func (c *Controller) setActiveLocked(id models.RoomID) {
	if c.isActiveLocked(id) {
		return
	}
	c.active = &id
	if _, ok := c.flags[id]; !ok {
		c.flags[id] = &roomFlags{expandSettings: true}
	}
	log.Info().Str("room_id", id.String()).Msg("active room changed")
	c.emit(Event{Type: EventActiveRoomChanged, RoomID: roomRef(id)})
}

func (c *Controller) isActiveLocked(id models.RoomID) bool {
	return c.active != nil && *c.active == id
}

// forgetLocked drops all local state of a room.
func (c *Controller) forgetLocked(id models.RoomID) {
	c.registry.Untrack(id)
	delete(c.flags, id)
	if c.isActiveLocked(id) {
		c.active = nil
	}
}

// OnUpdate implements models.EventHandler.
func (c *Controller) OnUpdate(update models.RoomUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, gone := c.left[update.RoomID]; gone {
		log.Warn().
			Str("room_id", update.RoomID.String()).
			Msg("discarding update for room already left")
		return
	}

	if c.opts.Mode == ModeMultiRoom {
		c.registry.Track(update.RoomID)
	} else if !c.isActiveLocked(update.RoomID) && (c.pending == nil || *c.pending != update.RoomID) {
		if c.pending != nil {
			log.Debug().
				Str("room_id", update.RoomID.String()).
				Msg("holding update while join is in flight")
			c.held[update.RoomID] = update
			return
		}
		log.Warn().
			Str("room_id", update.RoomID.String()).
			Msg("received update for room that is not active")
		return
	}

	c.applyLocked(update)
}

// applyLocked stores an accepted update, refreshes the room's flags and
// notifies observers.
func (c *Controller) applyLocked(update models.RoomUpdate) {
	result, err := c.registry.Apply(update)
	if err != nil {
		return
	}

	flags, ok := c.flags[update.RoomID]
	if !ok {
		flags = &roomFlags{expandSettings: true}
		c.flags[update.RoomID] = flags
	}
	if result.SettingsChanged {
		flags.settingsChanged = true
	}
	if result.JustStarted {
		flags.expandSettings = false
	}

	if c.opts.Mode == ModeMultiRoom && result.First && c.active == nil {
		c.setActiveLocked(update.RoomID)
	}

	c.emit(Event{Type: EventRoomUpdated, RoomID: roomRef(update.RoomID)})
	if result.SettingsChanged {
		c.emit(Event{Type: EventSettingsChanged, RoomID: roomRef(update.RoomID)})
	}
	if result.JustStarted {
		c.emit(Event{Type: EventStarted, RoomID: roomRef(update.RoomID)})
	}
}

// OnError implements models.EventHandler. The disconnect is terminal; this
// layer never reconnects.
func (c *Controller) OnError(err error) {
	c.mu.Lock()
	c.disconnected = true
	c.lastError = "connection to the server closed"
	if err != nil {
		c.lastError += ": " + err.Error()
	}
	msg := c.lastError
	c.mu.Unlock()

	log.Error().Err(err).Msg("channel disconnected")
	c.emit(Event{Type: EventDisconnected, Error: msg})
}

// AcknowledgeSettings clears the settings-changed affordance of a room.
func (c *Controller) AcknowledgeSettings(roomID models.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if flags, ok := c.flags[roomID]; ok {
		flags.settingsChanged = false
	}
}

// SelectRoom changes the active room to another tracked room.
func (c *Controller) SelectRoom(roomID models.RoomID) error {
	if !c.registry.IsTracked(roomID) {
		return fmt.Errorf("select room %s: %w", roomID, models.ErrUnknownRoom)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setActiveLocked(roomID)
	return nil
}

// CreateRoom creates a room of the given game mode and makes it active.
func (c *Controller) CreateRoom(ctx context.Context, mode string) (models.RoomID, error) {
	if err := c.checkConnected(); err != nil {
		return models.RoomID{}, err
	}

	id, err := c.channel.CreateRoom(ctx, mode)
	if err != nil {
		c.actionFailed(nil, "create", err)
		return models.RoomID{}, fmt.Errorf("create %s room: %w", mode, err)
	}

	c.mu.Lock()
	delete(c.left, id)
	if c.opts.Mode == ModeMultiRoom {
		c.registry.Track(id)
		c.setActiveLocked(id)
	} else {
		c.selectSingleLocked(id)
	}
	c.mu.Unlock()

	log.Info().Str("room_id", id.String()).Str("mode", mode).Msg("room created")
	return id, nil
}

// LeaveRoom leaves a room and drops its local state.
func (c *Controller) LeaveRoom(ctx context.Context, roomID models.RoomID) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	if err := c.channel.LeaveRoom(ctx, roomID); err != nil {
		c.actionFailed(&roomID, "leave", err)
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}

	c.mu.Lock()
	wasActive := c.isActiveLocked(roomID)
	c.forgetLocked(roomID)
	c.left[roomID] = struct{}{}
	if wasActive && c.opts.Mode == ModeMultiRoom {
		if rest := c.registry.Tracked(); len(rest) > 0 {
			c.setActiveLocked(rest[0])
		}
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventRoomLeft, RoomID: roomRef(roomID)})
	return nil
}

// SendAction sends a game-specific action to a room. It does not touch
// local state; a failure is logged and reported to observers.
func (c *Controller) SendAction(ctx context.Context, roomID models.RoomID, action models.Action) (json.RawMessage, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	if !c.registry.IsTracked(roomID) {
		return nil, fmt.Errorf("send %s to room %s: %w", action.Name(), roomID, models.ErrUnknownRoom)
	}

	resp, err := c.channel.SendAction(ctx, roomID, action)
	if err != nil {
		c.actionFailed(&roomID, action.Name(), err)
		return nil, fmt.Errorf("send %s to room %s: %w", action.Name(), roomID, err)
	}
	return resp, nil
}

// SetNick stores the nickname and sends it to the active room. Empty names
// are ignored.
func (c *Controller) SetNick(ctx context.Context, nick string) error {
	if nick == "" {
		return nil
	}
	c.mu.Lock()
	c.nick = nick
	active := c.active
	c.mu.Unlock()

	if active == nil {
		return nil
	}
	_, err := c.SendAction(ctx, *active, models.SetNick{Nick: nick})
	return err
}

// UpdateSettings replaces the active room's settings. Only the leader may.
func (c *Controller) UpdateSettings(ctx context.Context, settings map[string]any) error {
	roomID, err := c.activeRoom()
	if err != nil {
		return err
	}
	if !c.registry.IsWritable(roomID, c.LocalPlayer()) {
		return fmt.Errorf("update settings of room %s: %w", roomID, models.ErrNotLeader)
	}
	_, err = c.SendAction(ctx, roomID, models.UpdateSettings{Settings: settings})
	return err
}

// SetTitle renames the active room.
func (c *Controller) SetTitle(ctx context.Context, title string) error {
	return c.sendToActive(ctx, models.SetTitle{Title: title})
}

// SendChat posts a chat line to the active room.
func (c *Controller) SendChat(ctx context.Context, text string) error {
	return c.sendToActive(ctx, models.Chat{Text: text})
}

// ProposeQuestion queues an open question in the active room.
func (c *Controller) ProposeQuestion(ctx context.Context, question string) error {
	return c.sendToActive(ctx, models.ProposeQuestion{Open: question})
}

// Guess answers the current question in the active room.
func (c *Controller) Guess(ctx context.Context, guess string) error {
	return c.sendToActive(ctx, models.Guess{Text: guess})
}

// StartGame starts or unpauses the active room's game.
func (c *Controller) StartGame(ctx context.Context) error {
	return c.sendToActive(ctx, models.Start{})
}

// Ready signals readiness in the active room.
func (c *Controller) Ready(ctx context.Context) error {
	return c.sendToActive(ctx, models.Ready{})
}

// Pause pauses the active room's game.
func (c *Controller) Pause(ctx context.Context) error {
	return c.sendToActive(ctx, models.Pause{})
}

// Advance forces the next phase in the active room.
func (c *Controller) Advance(ctx context.Context) error {
	return c.sendToActive(ctx, models.Advance{})
}

// JoinLink returns the shareable link to the active room.
func (c *Controller) JoinLink(origin string) (string, error) {
	roomID, err := c.activeRoom()
	if err != nil {
		return "", err
	}
	return JoinLink(origin, roomID), nil
}

// LocalPlayer returns the identified player, or the zero id before ready.
func (c *Controller) LocalPlayer() models.PlayerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localPlayer
}

func (c *Controller) sendToActive(ctx context.Context, action models.Action) error {
	roomID, err := c.activeRoom()
	if err != nil {
		return err
	}
	_, err = c.SendAction(ctx, roomID, action)
	return err
}

func (c *Controller) activeRoom() (models.RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return models.RoomID{}, models.ErrNoActiveRoom
	}
	return *c.active, nil
}

func (c *Controller) checkConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return models.ErrDisconnected
	}
	return nil
}

func (c *Controller) resendNick(ctx context.Context) {
	c.mu.Lock()
	nick, active := c.nick, c.active
	c.mu.Unlock()

	if nick == "" || active == nil {
		return
	}
	if _, err := c.SendAction(ctx, *active, models.SetNick{Nick: nick}); err != nil && !errors.Is(err, models.ErrDisconnected) {
		log.Warn().Err(err).Msg("failed to re-send nickname")
	}
}

func (c *Controller) actionFailed(roomID *models.RoomID, action string, err error) {
	ev := log.Error().Err(err).Str("action", action)
	if roomID != nil {
		ev = ev.Str("room_id", roomID.String())
	}
	ev.Msg("action failed")

	c.emit(Event{Type: EventActionFailed, RoomID: roomID, Action: action, Error: err.Error()})
}

func (c *Controller) onCountdown(roomID models.RoomID, slot string, v CountdownValue) {
	c.emit(Event{Type: EventCountdown, RoomID: roomRef(roomID), Slot: slot, Countdown: &v})
}

// emit queues an event for observers without blocking.
func (c *Controller) emit(event Event) {
	event.At = c.opts.Clock.Now()
	select {
	case c.events <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("event channel full, dropping event")
	}
}

func (c *Controller) dispatch(event Event) {
	c.observersMu.RLock()
	targets := make([]Observer, 0, len(c.observers))
	for _, obs := range c.observers {
		targets = append(targets, obs)
	}
	c.observersMu.RUnlock()

	for _, obs := range targets {
		obs.OnSessionEvent(event)
	}
}
