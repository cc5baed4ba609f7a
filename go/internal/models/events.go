package models

// EventHandler receives the channel's server-driven events. Implementations
// are registered with the channel and called from a single goroutine.
type EventHandler interface {
	// OnReady fires once per connection, after the player is identified.
	OnReady(player PlayerID)
	// OnUpdate fires whenever the server's view of a joined room changes.
	OnUpdate(update RoomUpdate)
	// OnError fires once when the channel fails or closes. err may be nil
	// for a plain close.
	OnError(err error)
}
