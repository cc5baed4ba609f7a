package channel

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/roomsync/go/internal/models"
)

// The framework speaks externally tagged JSON: unit variants are bare
// strings ("Ok"), everything else is a single-key object keyed by the
// variant name ({"JoinGame":"<id>"}).

// MessageID correlates a reply with its request.
type MessageID uuid.UUID

// NewMessageID returns a random message id.
func NewMessageID() MessageID { return MessageID(uuid.New()) }

func (id MessageID) String() string { return uuid.UUID(id).String() }

func (id MessageID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *MessageID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

// Identity is what the server hands out on NewIdentity and accepts back on
// Identify. The reconnection secret is opaque to the client.
type Identity struct {
	PlayerID           models.PlayerID `json:"player_id"`
	ReconnectionSecret json.RawMessage `json:"reconnection_secret"`
}

// Request is the data of a client message.
type Request interface {
	isRequest()
}

type (
	NewIdentity struct{}
	Identify    struct{ Identity Identity }
	CreateGame  struct{ Mode string }
	JoinGame    struct{ RoomID models.RoomID }
	LeaveGame   struct{ RoomID models.RoomID }
	GameModes   struct{}
	JoinedGames struct{}
	// Inner carries a game-specific payload for one room.
	Inner struct {
		RoomID  models.RoomID
		Payload json.RawMessage
	}
)

func (NewIdentity) isRequest() {}
func (Identify) isRequest()    {}
func (CreateGame) isRequest()  {}
func (JoinGame) isRequest()    {}
func (LeaveGame) isRequest()   {}
func (GameModes) isRequest()   {}
func (JoinedGames) isRequest() {}
func (Inner) isRequest()       {}

// ClientMessage is one request frame.
type ClientMessage struct {
	ID   MessageID
	Data Request
}

type clientFrame struct {
	ID   MessageID       `json:"id"`
	Data json.RawMessage `json:"data"`
}

func (m ClientMessage) MarshalJSON() ([]byte, error) {
	data, err := encodeRequest(m.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(clientFrame{ID: m.ID, Data: data})
}

func (m *ClientMessage) UnmarshalJSON(b []byte) error {
	var frame clientFrame
	if err := json.Unmarshal(b, &frame); err != nil {
		return fmt.Errorf("decode client message: %w", err)
	}
	data, err := decodeRequest(frame.Data)
	if err != nil {
		return err
	}
	*m = ClientMessage{ID: frame.ID, Data: data}
	return nil
}

func encodeRequest(r Request) (json.RawMessage, error) {
	switch r := r.(type) {
	case NewIdentity:
		return unit("NewIdentity"), nil
	case GameModes:
		return unit("GameModes"), nil
	case JoinedGames:
		return unit("JoinedGames"), nil
	case Identify:
		return tagged("Identify", r.Identity)
	case CreateGame:
		return tagged("CreateGame", r.Mode)
	case JoinGame:
		return tagged("JoinGame", r.RoomID)
	case LeaveGame:
		return tagged("LeaveGame", r.RoomID)
	case Inner:
		payload := r.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		return tagged("Inner", []any{r.RoomID, payload})
	default:
		return nil, fmt.Errorf("encode request: unsupported type %T", r)
	}
}

func decodeRequest(raw json.RawMessage) (Request, error) {
	variant, content, err := splitTagged(raw)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	switch variant {
	case "NewIdentity":
		return NewIdentity{}, nil
	case "GameModes":
		return GameModes{}, nil
	case "JoinedGames":
		return JoinedGames{}, nil
	case "Identify":
		identity, err := decodeInto[Identity](variant, content)
		return Identify{Identity: identity}, err
	case "CreateGame":
		mode, err := decodeInto[string](variant, content)
		return CreateGame{Mode: mode}, err
	case "JoinGame":
		id, err := decodeInto[models.RoomID](variant, content)
		return JoinGame{RoomID: id}, err
	case "LeaveGame":
		id, err := decodeInto[models.RoomID](variant, content)
		return LeaveGame{RoomID: id}, err
	case "Inner":
		pair, err := decodeInto[[]json.RawMessage](variant, content)
		if err != nil {
			return nil, err
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("decode Inner: want 2 elements, got %d", len(pair))
		}
		id, err := decodeInto[models.RoomID](variant, pair[0])
		return Inner{RoomID: id, Payload: pair[1]}, err
	default:
		return nil, fmt.Errorf("decode request: unknown variant %q", variant)
	}
}

// Event is a server-initiated message.
type Event interface {
	isEvent()
}

// GameInfo is the full state of one joined room.
type GameInfo struct {
	ID           models.RoomID     `json:"id"`
	Leader       models.PlayerID   `json:"leader"`
	Players      []models.PlayerID `json:"players"`
	PublicState  json.RawMessage   `json:"public_state"`
	PrivateState json.RawMessage   `json:"private_state"`
}

// ServerError is a server-initiated error notice not tied to a request.
type ServerError struct {
	Message string `json:"message"`
}

func (GameInfo) isEvent()    {}
func (ServerError) isEvent() {}

// Update converts the event into the session's room update.
func (g GameInfo) Update() (models.RoomUpdate, error) {
	public, err := models.ParsePublicState(g.PublicState)
	if err != nil {
		return models.RoomUpdate{}, fmt.Errorf("room %s: %w", g.ID, err)
	}
	return models.RoomUpdate{
		RoomID:  g.ID,
		Leader:  g.Leader,
		Members: g.Players,
		Public:  public,
		Private: g.PrivateState,
	}, nil
}

// Reply answers one client message.
type Reply interface {
	isReply()
}

type (
	ReplyOk          struct{}
	ReplyIdentity    struct{ Identity Identity }
	ReplyGameCreated struct{ RoomID models.RoomID }
	ReplyJoined      struct{ RoomID models.RoomID }
	ReplyGameModes   struct{ Modes []string }
	ReplyJoinedGames struct{ Rooms []models.RoomID }
	ReplyInner       struct{ Payload json.RawMessage }
	ReplyFailed      struct{ Err *ReplyError }
)

func (ReplyOk) isReply()          {}
func (ReplyIdentity) isReply()    {}
func (ReplyGameCreated) isReply() {}
func (ReplyJoined) isReply()      {}
func (ReplyGameModes) isReply()   {}
func (ReplyJoinedGames) isReply() {}
func (ReplyInner) isReply()       {}
func (ReplyFailed) isReply()      {}

// ServerMessage is one frame from the server: either an Event or a Reply
// to the request with id ReplyTo.
type ServerMessage struct {
	Event   Event
	ReplyTo MessageID
	Reply   Reply
}

func (m ServerMessage) MarshalJSON() ([]byte, error) {
	if m.Event != nil {
		var (
			inner json.RawMessage
			err   error
		)
		switch e := m.Event.(type) {
		case GameInfo:
			inner, err = tagged("GameInfo", e)
		case ServerError:
			inner, err = tagged("Error", e)
		default:
			err = fmt.Errorf("encode event: unsupported type %T", e)
		}
		if err != nil {
			return nil, err
		}
		return tagged("ServerSent", inner)
	}

	reply, err := encodeReply(m.Reply)
	if err != nil {
		return nil, err
	}
	return tagged("ReplyTo", []any{m.ReplyTo, reply})
}

func (m *ServerMessage) UnmarshalJSON(b []byte) error {
	variant, content, err := splitTagged(b)
	if err != nil {
		return fmt.Errorf("decode server message: %w", err)
	}

	switch variant {
	case "ServerSent":
		event, err := decodeEvent(content)
		if err != nil {
			return err
		}
		*m = ServerMessage{Event: event}
		return nil
	case "ReplyTo":
		pair, err := decodeInto[[]json.RawMessage](variant, content)
		if err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("decode ReplyTo: want 2 elements, got %d", len(pair))
		}
		id, err := decodeInto[MessageID](variant, pair[0])
		if err != nil {
			return err
		}
		reply, err := decodeReply(pair[1])
		if err != nil {
			return &ReplyDecodeError{ReplyTo: id, Err: err}
		}
		*m = ServerMessage{ReplyTo: id, Reply: reply}
		return nil
	default:
		return fmt.Errorf("decode server message: unknown variant %q", variant)
	}
}

func decodeEvent(raw json.RawMessage) (Event, error) {
	variant, content, err := splitTagged(raw)
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch variant {
	case "GameInfo":
		return decodeInto[GameInfo](variant, content)
	case "Error":
		return decodeInto[ServerError](variant, content)
	default:
		return nil, fmt.Errorf("decode event: unknown variant %q", variant)
	}
}

func encodeReply(r Reply) (json.RawMessage, error) {
	switch r := r.(type) {
	case ReplyOk:
		return unit("Ok"), nil
	case ReplyIdentity:
		return tagged("Identity", r.Identity)
	case ReplyGameCreated:
		return tagged("GameCreated", r.RoomID)
	case ReplyJoined:
		return tagged("JoinedToGame", r.RoomID)
	case ReplyGameModes:
		return tagged("GameModes", nonNil(r.Modes))
	case ReplyJoinedGames:
		return tagged("JoinedGames", nonNil(r.Rooms))
	case ReplyInner:
		payload := r.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		return tagged("Inner", payload)
	case ReplyFailed:
		var kind json.RawMessage
		if r.Err.Kind == ErrorInner {
			var err error
			if kind, err = tagged(ErrorInner, r.Err.Inner); err != nil {
				return nil, err
			}
		} else {
			kind = unit(r.Err.Kind)
		}
		return tagged("Error", kind)
	default:
		return nil, fmt.Errorf("encode reply: unsupported type %T", r)
	}
}

func decodeReply(raw json.RawMessage) (Reply, error) {
	variant, content, err := splitTagged(raw)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}

	switch variant {
	case "Ok":
		return ReplyOk{}, nil
	case "Identity":
		identity, err := decodeInto[Identity](variant, content)
		return ReplyIdentity{Identity: identity}, err
	case "GameCreated":
		id, err := decodeInto[models.RoomID](variant, content)
		return ReplyGameCreated{RoomID: id}, err
	case "JoinedToGame":
		id, err := decodeInto[models.RoomID](variant, content)
		return ReplyJoined{RoomID: id}, err
	case "GameModes":
		modes, err := decodeInto[[]string](variant, content)
		return ReplyGameModes{Modes: modes}, err
	case "JoinedGames":
		rooms, err := decodeInto[[]models.RoomID](variant, content)
		return ReplyJoinedGames{Rooms: rooms}, err
	case "Inner":
		return ReplyInner{Payload: content}, nil
	case "Error":
		kind, inner, err := splitTagged(content)
		if err != nil {
			return nil, fmt.Errorf("decode error reply: %w", err)
		}
		return ReplyFailed{Err: &ReplyError{Kind: kind, Inner: inner}}, nil
	default:
		return nil, fmt.Errorf("decode reply: unknown variant %q", variant)
	}
}

// splitTagged returns the variant name and content of an externally tagged
// value. Unit variants have no content.
func splitTagged(raw json.RawMessage) (string, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return "", nil, err
		}
		return name, nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", nil, err
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("tagged value must have exactly one key, got %d", len(obj))
	}
	for name, content := range obj {
		return name, content, nil
	}
	return "", nil, nil
}

func decodeInto[T any](variant string, content json.RawMessage) (T, error) {
	var v T
	if len(content) == 0 {
		return v, fmt.Errorf("decode %s: missing content", variant)
	}
	if err := json.Unmarshal(content, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", variant, err)
	}
	return v, nil
}

func unit(name string) json.RawMessage {
	b, _ := json.Marshal(name)
	return b
}

func tagged(name string, content any) (json.RawMessage, error) {
	b, err := json.Marshal(map[string]any{name: content})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return b, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
