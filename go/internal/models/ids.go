package models

import (
	"fmt"

	"github.com/google/uuid"
)

// PlayerID identifies a player across browser sessions. It is assigned by
// the server once the channel is ready and never changes for a connection.
type PlayerID uuid.UUID

// RoomID identifies a game lobby. Created server-side, never reused.
type RoomID uuid.UUID

// NilPlayer is the zero PlayerID, used before the channel reports ready.
var NilPlayer PlayerID

// ParsePlayerID parses the canonical UUID form of a player id.
func ParsePlayerID(s string) (PlayerID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilPlayer, fmt.Errorf("parse player id: %w", err)
	}
	return PlayerID(id), nil
}

// ParseRoomID parses the canonical UUID form of a room id.
func ParseRoomID(s string) (RoomID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RoomID{}, fmt.Errorf("parse room id: %w", err)
	}
	return RoomID(id), nil
}

// MustParseRoomID is ParseRoomID that panics, for tests and constants.
func MustParseRoomID(s string) RoomID {
	return RoomID(uuid.MustParse(s))
}

// NewRoomID returns a random room id. Only fakes and tests mint room ids;
// real ones come from the server.
func NewRoomID() RoomID { return RoomID(uuid.New()) }

// NewPlayerID returns a random player id.
func NewPlayerID() PlayerID { return PlayerID(uuid.New()) }

func (p PlayerID) String() string { return uuid.UUID(p).String() }

func (p PlayerID) IsZero() bool { return p == NilPlayer }

func (p PlayerID) MarshalText() ([]byte, error) { return uuid.UUID(p).MarshalText() }

func (p *PlayerID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(p).UnmarshalText(b)
}

func (r RoomID) String() string { return uuid.UUID(r).String() }

func (r RoomID) IsZero() bool { return r == RoomID{} }

func (r RoomID) MarshalText() ([]byte, error) { return uuid.UUID(r).MarshalText() }

func (r *RoomID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(r).UnmarshalText(b)
}
