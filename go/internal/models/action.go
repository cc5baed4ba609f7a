package models

import "encoding/json"

// Action is a game-specific message sent to a room. The set of variants is
// closed; each marshals to the payload shape the game server expects.
type Action interface {
	isAction()
	// Name is a short tag used in logs and events.
	Name() string
}

// SetNick changes the local player's nickname in a room.
type SetNick struct{ Nick string }

// UpdateSettings replaces the room settings. Leader only.
type UpdateSettings struct{ Settings map[string]any }

// SetTitle renames a chat room.
type SetTitle struct{ Title string }

// Chat posts a chat line.
type Chat struct{ Text string }

// ProposeQuestion queues an open question for a later round.
type ProposeQuestion struct{ Open string }

// Guess answers the current question.
type Guess struct{ Text string }

// Start starts or unpauses the game.
type Start struct{}

// Ready signals that the local player is ready for the next round.
type Ready struct{}

// Pause pauses a running game.
type Pause struct{}

// Advance forces the next phase or round.
type Advance struct{}

func (SetNick) isAction()         {}
func (UpdateSettings) isAction()  {}
func (SetTitle) isAction()        {}
func (Chat) isAction()            {}
func (ProposeQuestion) isAction() {}
func (Guess) isAction()           {}
func (Start) isAction()           {}
func (Ready) isAction()           {}
func (Pause) isAction()           {}
func (Advance) isAction()         {}

func (SetNick) Name() string         { return "nick" }
func (UpdateSettings) Name() string  { return "settings" }
func (SetTitle) Name() string        { return "title" }
func (Chat) Name() string            { return "chat" }
func (ProposeQuestion) Name() string { return "question" }
func (Guess) Name() string           { return "guess" }
func (Start) Name() string           { return "start" }
func (Ready) Name() string           { return "ready" }
func (Pause) Name() string           { return "pause" }
func (Advance) Name() string         { return "advance" }

func (a SetNick) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"nick": a.Nick})
}

func (a UpdateSettings) MarshalJSON() ([]byte, error) {
	settings := a.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	return json.Marshal(map[string]any{"settings": settings})
}

func (a SetTitle) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"title": a.Title})
}

func (a Chat) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"chat": a.Text})
}

func (a ProposeQuestion) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]map[string]string{"question": {"open": a.Open}})
}

func (a Guess) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"guess": a.Text})
}

// Tag-only actions are bare strings on the wire.
func (Start) MarshalJSON() ([]byte, error)   { return []byte(`"start"`), nil }
func (Ready) MarshalJSON() ([]byte, error)   { return []byte(`"ready"`), nil }
func (Pause) MarshalJSON() ([]byte, error)   { return []byte(`"pause"`), nil }
func (Advance) MarshalJSON() ([]byte, error) { return []byte(`"advance"`), nil }
