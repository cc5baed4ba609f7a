package session

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Countdown slot names.
const (
	SlotTimer = "timer"
	SlotDelay = "delay"
)

// CountdownFunc receives every value a room's countdown slot publishes.
type CountdownFunc func(roomID models.RoomID, slot string, v CountdownValue)

// ApplyResult describes the transitions an update caused, computed against
// the snapshot it replaced.
type ApplyResult struct {
	// First is set when the update established the only known room.
	First bool
	// SettingsChanged is set when the settings map differs from the previous
	// snapshot. Never set for a room's first snapshot.
	SettingsChanged bool
	// JustStarted is set on the running false -> true transition.
	JustStarted bool
}

// roomEntry is one tracked room: its latest state, if any, and its two
// countdown slots.
type roomEntry struct {
	state *models.RoomState
	timer *Countdown
	delay *Countdown
}

// Registry maps joined rooms to their latest state and answers the derived
// queries the UI needs. Updates for rooms that are not tracked are dropped.
type Registry struct {
	rooms map[models.RoomID]*roomEntry
	order []models.RoomID
	mu    sync.RWMutex

	clock       clockwork.Clock
	onCountdown CountdownFunc
}

// NewRegistry creates an empty registry. onCountdown may be nil.
func NewRegistry(clock clockwork.Clock, onCountdown CountdownFunc) *Registry {
	if onCountdown == nil {
		onCountdown = func(models.RoomID, string, CountdownValue) {}
	}
	return &Registry{
		rooms:       make(map[models.RoomID]*roomEntry),
		clock:       clock,
		onCountdown: onCountdown,
	}
}

// Track marks a room as joined so its updates are accepted. Tracking an
// already tracked room is a no-op.
func (r *Registry) Track(roomID models.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[roomID]; exists {
		return
	}

	r.rooms[roomID] = &roomEntry{
		timer: NewCountdown(SlotTimer, r.clock, func(v CountdownValue) { r.onCountdown(roomID, SlotTimer, v) }),
		delay: NewCountdown(SlotDelay, r.clock, func(v CountdownValue) { r.onCountdown(roomID, SlotDelay, v) }),
	}
	r.order = append(r.order, roomID)

	log.Debug().
		Str("room_id", roomID.String()).
		Int("tracked_rooms", len(r.rooms)).
		Msg("room tracked")
}

// Untrack forgets a room after the local player left it, cancelling its
// countdowns.
func (r *Registry) Untrack(roomID models.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.rooms[roomID]
	if !exists {
		return
	}
	entry.timer.Cancel()
	entry.delay.Cancel()
	delete(r.rooms, roomID)
	r.order = slices.DeleteFunc(r.order, func(id models.RoomID) bool { return id == roomID })

	log.Debug().
		Str("room_id", roomID.String()).
		Int("tracked_rooms", len(r.rooms)).
		Msg("room untracked")
}

// IsTracked reports whether updates for roomID are accepted.
func (r *Registry) IsTracked(roomID models.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.rooms[roomID]
	return exists
}

// Tracked returns the tracked rooms in the order they were tracked.
func (r *Registry) Tracked() []models.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Apply replaces the state of a tracked room with the update and re-arms
// both of its countdown slots.
func (r *Registry) Apply(update models.RoomUpdate) (ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.rooms[update.RoomID]
	if !exists {
		log.Warn().
			Str("room_id", update.RoomID.String()).
			Msg("discarding update for unknown room")
		return ApplyResult{}, fmt.Errorf("apply update for %s: %w", update.RoomID, models.ErrUnknownRoom)
	}

	result := ApplyResult{
		First:           r.isFirstRoomLocked(update.RoomID),
		SettingsChanged: settingsChanged(entry.state, update.Public),
		JustStarted:     justStarted(entry.state, update.Public),
	}

	state := update.State()
	entry.state = &state

	entry.timer.Arm(state.Public.TimerFrom, state.Public.TimerDuration())
	entry.delay.Arm(state.Public.DelayFrom, state.Public.DelayDuration())

	log.Debug().
		Str("room_id", update.RoomID.String()).
		Str("leader", update.Leader.String()).
		Int("members", len(update.Members)).
		Bool("running", state.Public.Running).
		Bool("settings_changed", result.SettingsChanged).
		Bool("just_started", result.JustStarted).
		Msg("room state applied")

	return result, nil
}

// State returns the latest state of a room.
func (r *Registry) State(roomID models.RoomID) (models.RoomState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.rooms[roomID]
	if !exists || entry.state == nil {
		return models.RoomState{}, false
	}
	return *entry.state, true
}

// Countdowns returns the current values of a room's timer and delay slots.
func (r *Registry) Countdowns(roomID models.RoomID) (timer, delay CountdownValue) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.rooms[roomID]
	if !exists {
		return Inactive, Inactive
	}
	return entry.timer.Value(), entry.delay.Value()
}

// IsFirstRoom reports whether applying an update for roomID would establish
// the only known room.
func (r *Registry) IsFirstRoom(roomID models.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isFirstRoomLocked(roomID)
}

func (r *Registry) isFirstRoomLocked(roomID models.RoomID) bool {
	for id, entry := range r.rooms {
		if entry.state != nil && id != roomID {
			return false
		}
	}
	entry, exists := r.rooms[roomID]
	return !exists || entry.state == nil
}

// HasSettingsChanged reports whether newPublic carries different settings
// than the stored snapshot of roomID.
func (r *Registry) HasSettingsChanged(roomID models.RoomID, newPublic models.PublicState) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.rooms[roomID]
	if !exists {
		return false
	}
	return settingsChanged(entry.state, newPublic)
}

// JustStarted reports whether newPublic flips running from false to true.
func (r *Registry) JustStarted(roomID models.RoomID, newPublic models.PublicState) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.rooms[roomID]
	if !exists {
		return false
	}
	return justStarted(entry.state, newPublic)
}

// IsWritable reports whether player may change the room's settings, which
// only the leader can.
func (r *Registry) IsWritable(roomID models.RoomID, player models.PlayerID) bool {
	state, ok := r.State(roomID)
	if !ok {
		return false
	}
	return state.Leader == player
}

// NeedsReady reports whether player still owes a readiness signal. Quorum
// policies (majority, single) are settled by the server; here they only mean
// "not ready yet".
func (r *Registry) NeedsReady(roomID models.RoomID, player models.PlayerID) bool {
	state, ok := r.State(roomID)
	if !ok {
		return false
	}
	return needsReady(state, player)
}

// Close cancels every countdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.rooms {
		entry.timer.Cancel()
		entry.delay.Cancel()
	}
}

var settingsCmp = cmpopts.EquateEmpty()

func settingsChanged(prev *models.RoomState, next models.PublicState) bool {
	if prev == nil {
		return false
	}
	return !cmp.Equal(prev.Public.Settings, next.Settings, settingsCmp)
}

func justStarted(prev *models.RoomState, next models.PublicState) bool {
	wasRunning := prev != nil && prev.Public.Running
	return !wasRunning && next.Running
}

func needsReady(state models.RoomState, player models.PlayerID) bool {
	if state.Public.IsReady(player) {
		return false
	}

	switch policy := state.Public.ReadyPolicy(); policy {
	case models.ReadyAll, models.ReadyMajority, models.ReadySingle:
		return true
	case models.ReadyLeader:
		return state.Leader == player
	case models.ReadyNo:
		return false
	default:
		log.Warn().
			Str("policy", string(policy)).
			Str("fallback", string(models.DefaultReadyPolicy)).
			Msg("unknown ready policy")
		return true
	}
}
