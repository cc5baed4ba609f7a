package models

import "errors"

var (
	// ErrUnknownRoom is returned when an update or command names a room the
	// local session does not track as joined.
	ErrUnknownRoom = errors.New("unknown room")

	// ErrNotLeader is returned when a leader-only mutation is attempted by
	// another player.
	ErrNotLeader = errors.New("only the room leader can do that")

	// ErrNoActiveRoom is returned by room-scoped actions when no room is
	// selected.
	ErrNoActiveRoom = errors.New("no active room")

	// ErrDisconnected is returned once the channel has closed. The session
	// never reconnects on its own.
	ErrDisconnected = errors.New("disconnected")
)
