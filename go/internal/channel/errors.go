package channel

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrClosed is reported to handlers when the client itself closed the
	// connection.
	ErrClosed = errors.New("channel closed")
	// ErrUnexpectedReply is returned when the server answers a request with
	// a reply of the wrong kind.
	ErrUnexpectedReply = errors.New("unexpected reply")
	// ErrNotIdentified is returned by Identify when the server never sent an
	// identity.
	ErrNotIdentified = errors.New("server did not return an identity")
)

// Error reply kinds sent by the server.
const (
	ErrorAlreadyIdentified         = "AlreadyIdentified"
	ErrorMustIdentifyFirst         = "MustIdentifyFirst"
	ErrorInvalidGameFormat         = "InvalidGameFormat"
	ErrorNoSuchGameLobby           = "NoSuchGameLobby"
	ErrorNotInThatGame             = "NotInThatGame"
	ErrorInvalidReconnectionSecret = "InvalidReconnectionSecret"
	// ErrorInner is a game-specific rejection; its value is in Inner.
	ErrorInner = "Inner"
)

// ReplyDecodeError is a reply frame whose request id was readable but whose
// body was not.
type ReplyDecodeError struct {
	ReplyTo MessageID
	Err     error
}

func (e *ReplyDecodeError) Error() string {
	return fmt.Sprintf("decode reply to %s: %v", e.ReplyTo, e.Err)
}

func (e *ReplyDecodeError) Unwrap() error { return e.Err }

// ReplyError is a request the server rejected.
type ReplyError struct {
	Kind  string
	Inner json.RawMessage
}

func (e *ReplyError) Error() string {
	if e.Kind == ErrorInner {
		return "server rejected request: " + string(e.Inner)
	}
	return "server rejected request: " + e.Kind
}
