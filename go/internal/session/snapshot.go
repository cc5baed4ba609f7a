package session

import (
	"slices"

	"github.com/mcdev12/roomsync/go/internal/models"
)

// RoomView is one room as the UI sees it: the stored state plus everything
// derived from it for the local player.
type RoomView struct {
	ID              models.RoomID    `json:"id"`
	State           models.RoomState `json:"state"`
	HasState        bool             `json:"has_state"`
	Writable        bool             `json:"writable"`
	NeedsReady      bool             `json:"needs_ready"`
	Timer           CountdownValue   `json:"timer"`
	Delay           CountdownValue   `json:"delay"`
	SettingsChanged bool             `json:"settings_changed"`
	ExpandSettings  bool             `json:"expand_settings"`
}

// SessionSnapshot is a read-only copy of the session.
type SessionSnapshot struct {
	LocalPlayer  models.PlayerID            `json:"local_player"`
	Ready        bool                       `json:"ready"`
	ActiveRoom   *models.RoomID             `json:"active_room,omitempty"`
	Rooms        map[models.RoomID]RoomView `json:"rooms"`
	GameModes    []string                   `json:"game_modes"`
	Disconnected bool                       `json:"disconnected"`
	Error        string                     `json:"error,omitempty"`
}

// Active returns the view of the active room, if any.
func (s SessionSnapshot) Active() (RoomView, bool) {
	if s.ActiveRoom == nil {
		return RoomView{}, false
	}
	view, ok := s.Rooms[*s.ActiveRoom]
	return view, ok
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := SessionSnapshot{
		LocalPlayer:  c.localPlayer,
		Ready:        c.ready,
		Rooms:        make(map[models.RoomID]RoomView),
		GameModes:    slices.Clone(c.gameModes),
		Disconnected: c.disconnected,
		Error:        c.lastError,
	}
	if c.active != nil {
		active := *c.active
		snap.ActiveRoom = &active
	}

	for _, id := range c.registry.Tracked() {
		view := RoomView{ID: id}
		if state, ok := c.registry.State(id); ok {
			view.State = state
			view.State.Members = slices.Clone(state.Members)
			view.HasState = true
			view.Writable = state.Leader == c.localPlayer
			view.NeedsReady = needsReady(state, c.localPlayer)
		}
		view.Timer, view.Delay = c.registry.Countdowns(id)
		if flags, ok := c.flags[id]; ok {
			view.SettingsChanged = flags.settingsChanged
			view.ExpandSettings = flags.expandSettings
		} else {
			view.ExpandSettings = true
		}
		snap.Rooms[id] = view
	}
	return snap
}
