package session

import (
	"time"

	"github.com/mcdev12/roomsync/go/internal/models"
)

// EventType names a controller event.
type EventType string

const (
	EventReady             EventType = "ready"
	EventSynced            EventType = "synced"
	EventSyncFailed        EventType = "sync_failed"
	EventRoomUpdated       EventType = "room_updated"
	EventSettingsChanged   EventType = "settings_changed"
	EventStarted           EventType = "started"
	EventCountdown         EventType = "countdown"
	EventActiveRoomChanged EventType = "active_room_changed"
	EventRoomLeft          EventType = "room_left"
	EventActionFailed      EventType = "action_failed"
	EventDisconnected      EventType = "disconnected"
)

// Event is a notification for UI collaborators. Observers re-read the
// snapshot for anything beyond what the event carries.
type Event struct {
	Type      EventType       `json:"type"`
	RoomID    *models.RoomID  `json:"room_id,omitempty"`
	Slot      string          `json:"slot,omitempty"`
	Countdown *CountdownValue `json:"countdown,omitempty"`
	Action    string          `json:"action,omitempty"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// Observer receives controller events from the controller's Run loop.
type Observer interface {
	OnSessionEvent(event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnSessionEvent(event Event) { f(event) }

func roomRef(id models.RoomID) *models.RoomID { return &id }
