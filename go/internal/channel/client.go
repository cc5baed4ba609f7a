package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Config holds the websocket settings of a Client.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
	SendBuffer       int
	EventBuffer      int
}

// DefaultConfig returns default websocket settings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   1 << 20,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		SendBuffer:       256,
		EventBuffer:      1024,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

type eventKind int

const (
	eventReady eventKind = iota
	eventUpdate
)

type channelEvent struct {
	kind   eventKind
	player models.PlayerID
	update models.RoomUpdate
}

// Client is a persistent connection to the game server. Requests are
// correlated with their replies by message id; server-sent events are
// delivered to subscribed handlers from a single goroutine, in order. The
// client never reconnects: once the socket fails, every handler receives
// OnError exactly once and all pending and future requests fail with
// models.ErrDisconnected.
type Client struct {
	config Config
	conn   *websocket.Conn
	store  IdentityStore

	send chan []byte

	pendingMu sync.Mutex
	pending   map[MessageID]chan Reply
	closing   bool
	closed    bool
	err       error

	handlersMu  sync.RWMutex
	handlers    map[int]models.EventHandler
	nextHandler int

	events     chan channelEvent
	done       chan struct{}
	dispatched chan struct{}
	closeOnce  sync.Once
}

// Dial connects to the server and starts the connection pumps. Call
// Identify once handlers are subscribed.
func Dial(ctx context.Context, config Config, store IdentityStore) (*Client, error) {
	if store == nil {
		store = &MemoryStore{}
	}
	config = config.withDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, config.URL, config.Header)
	if err != nil {
		log.Error().Err(err).Str("url", config.URL).Msg("failed to connect to game server")
		return nil, fmt.Errorf("dial %s: %w", config.URL, err)
	}

	c := &Client{
		config:     config,
		conn:       conn,
		store:      store,
		send:       make(chan []byte, config.SendBuffer),
		pending:    make(map[MessageID]chan Reply),
		handlers:   make(map[int]models.EventHandler),
		events:     make(chan channelEvent, config.EventBuffer),
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()
	go c.dispatchLoop()

	log.Info().Str("url", config.URL).Msg("connected to game server")
	return c, nil
}

// Subscribe registers a handler for server-driven events.
func (c *Client) Subscribe(handler models.EventHandler) (unsubscribe func()) {
	c.handlersMu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = handler
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

// Identify restores the stored identity or requests a new one, stores the
// result and fires OnReady.
func (c *Client) Identify(ctx context.Context) (models.PlayerID, error) {
	stored, err := c.store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("could not load stored identity")
	}

	var identity *Identity
	if stored != nil {
		identity, err = c.identify(ctx, Identify{Identity: *stored})
		var replyErr *ReplyError
		switch {
		case errors.As(err, &replyErr) && replyErr.Kind == ErrorInvalidReconnectionSecret:
			log.Info().Str("player_id", stored.PlayerID.String()).Msg("stored identity rejected, requesting a new one")
		case err != nil:
			return models.NilPlayer, err
		default:
			log.Info().Str("player_id", identity.PlayerID.String()).Msg("restored identity")
		}
	}

	if identity == nil {
		identity, err = c.identify(ctx, NewIdentity{})
		if err != nil {
			return models.NilPlayer, err
		}
		log.Info().Str("player_id", identity.PlayerID.String()).Msg("received new identity")
	}

	if err := c.store.Save(*identity); err != nil {
		log.Warn().Err(err).Msg("could not store identity")
	}

	c.enqueue(channelEvent{kind: eventReady, player: identity.PlayerID})
	return identity.PlayerID, nil
}

func (c *Client) identify(ctx context.Context, req Request) (*Identity, error) {
	reply, err := c.request(ctx, req)
	if err != nil {
		return nil, err
	}
	r, ok := reply.(ReplyIdentity)
	if !ok {
		return nil, fmt.Errorf("identify: %w", ErrNotIdentified)
	}
	return &r.Identity, nil
}

// ListGameModes returns the game modes the server offers.
func (c *Client) ListGameModes(ctx context.Context) ([]string, error) {
	reply, err := c.request(ctx, GameModes{})
	if err != nil {
		return nil, fmt.Errorf("list game modes: %w", err)
	}
	r, ok := reply.(ReplyGameModes)
	if !ok {
		return nil, unexpected("list game modes", reply)
	}
	return r.Modes, nil
}

// ListJoinedRooms returns the rooms the server has the player in.
func (c *Client) ListJoinedRooms(ctx context.Context) ([]models.RoomID, error) {
	reply, err := c.request(ctx, JoinedGames{})
	if err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}
	r, ok := reply.(ReplyJoinedGames)
	if !ok {
		return nil, unexpected("list joined rooms", reply)
	}
	return r.Rooms, nil
}

// JoinRoom joins a room and returns the id the server actually joined.
func (c *Client) JoinRoom(ctx context.Context, roomID models.RoomID) (models.RoomID, error) {
	reply, err := c.request(ctx, JoinGame{RoomID: roomID})
	if err != nil {
		return models.RoomID{}, fmt.Errorf("join room %s: %w", roomID, err)
	}
	r, ok := reply.(ReplyJoined)
	if !ok {
		return models.RoomID{}, unexpected("join room", reply)
	}
	return r.RoomID, nil
}

// LeaveRoom leaves a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID models.RoomID) error {
	reply, err := c.request(ctx, LeaveGame{RoomID: roomID})
	if err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	if _, ok := reply.(ReplyOk); !ok {
		return unexpected("leave room", reply)
	}
	return nil
}

// CreateRoom creates a room of the given game mode. The server joins the
// player to it.
func (c *Client) CreateRoom(ctx context.Context, mode string) (models.RoomID, error) {
	reply, err := c.request(ctx, CreateGame{Mode: mode})
	if err != nil {
		return models.RoomID{}, fmt.Errorf("create room: %w", err)
	}
	r, ok := reply.(ReplyGameCreated)
	if !ok {
		return models.RoomID{}, unexpected("create room", reply)
	}
	return r.RoomID, nil
}

// SendAction sends a game-specific action to a room and returns the game's
// response.
func (c *Client) SendAction(ctx context.Context, roomID models.RoomID, action models.Action) (json.RawMessage, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode %s action: %w", action.Name(), err)
	}
	reply, err := c.request(ctx, Inner{RoomID: roomID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("send %s action: %w", action.Name(), err)
	}
	switch r := reply.(type) {
	case ReplyInner:
		return r.Payload, nil
	case ReplyOk:
		return nil, nil
	default:
		return nil, unexpected("send action", reply)
	}
}

// Close closes the connection and waits until handlers received
// OnError(ErrClosed). It must not be called from a handler.
func (c *Client) Close() error {
	c.pendingMu.Lock()
	c.closing = true
	c.pendingMu.Unlock()

	deadline := time.Now().Add(c.config.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Msg("failed to send close frame")
	}
	c.shutdown(ErrClosed)
	<-c.dispatched
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.err
}

// request sends one message and waits for its reply. An error reply is
// returned as *ReplyError.
func (c *Client) request(ctx context.Context, data Request) (Reply, error) {
	msg := ClientMessage{ID: NewMessageID(), Data: data}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan Reply, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, models.ErrDisconnected
	}
	c.pending[msg.ID] = replyCh
	c.pendingMu.Unlock()

	select {
	case c.send <- payload:
	case <-c.done:
		c.forget(msg.ID)
		return nil, models.ErrDisconnected
	case <-ctx.Done():
		c.forget(msg.ID)
		return nil, ctx.Err()
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, models.ErrDisconnected
		}
		switch r := reply.(type) {
		case ReplyFailed:
			return nil, r.Err
		case replyUndecodable:
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, r.err)
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(msg.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id MessageID) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) resolve(id MessageID, reply Reply) {
	c.pendingMu.Lock()
	replyCh, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if !ok {
		log.Warn().Str("message_id", id.String()).Msg("reply for unknown request")
		return
	}
	replyCh <- reply
}

// shutdown fails every pending request and stops the pumps. The dispatch
// loop then delivers OnError once the queued events are drained.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		if c.closing {
			err = ErrClosed
		}
		c.closed = true
		c.err = err
		for id, replyCh := range c.pending {
			close(replyCh)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		close(c.done)
		c.conn.Close()

		if errors.Is(err, ErrClosed) {
			log.Info().Msg("connection to game server closed")
		} else {
			log.Error().Err(err).Msg("connection to game server lost")
		}
	})
}

func (c *Client) enqueue(ev channelEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
		log.Debug().Msg("connection closed, dropping event")
	}
}

func (c *Client) dispatchLoop() {
	defer close(c.dispatched)

	for {
		select {
		case ev := <-c.events:
			c.deliver(ev)
		case <-c.done:
			for {
				select {
				case ev := <-c.events:
					c.deliver(ev)
				default:
					c.deliverError(c.Err())
					return
				}
			}
		}
	}
}

func (c *Client) snapshotHandlers() []models.EventHandler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()

	targets := make([]models.EventHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		targets = append(targets, h)
	}
	return targets
}

func (c *Client) deliver(ev channelEvent) {
	for _, h := range c.snapshotHandlers() {
		switch ev.kind {
		case eventReady:
			h.OnReady(ev.player)
		case eventUpdate:
			h.OnUpdate(ev.update)
		}
	}
}

func (c *Client) deliverError(err error) {
	for _, h := range c.snapshotHandlers() {
		h.OnError(err)
	}
}

// writePump serializes writes to the socket and keeps it alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Msg("failed to write message to game server")
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("failed to send ping")
				c.shutdown(err)
				return
			}
		}
	}
}

// readPump routes replies to waiting requests and server-sent events to the
// dispatch loop until the socket fails.
func (c *Client) readPump() {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("unexpected websocket close error")
			}
			c.shutdown(err)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		c.handleServerMessage(message)
	}
}

func (c *Client) handleServerMessage(message []byte) {
	var msg ServerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Error().Err(err).Bytes("message", message).Msg("invalid message from game server")
		var decodeErr *ReplyDecodeError
		if errors.As(err, &decodeErr) {
			c.resolve(decodeErr.ReplyTo, replyUndecodable{err: decodeErr.Err})
		}
		return
	}

	if msg.Reply != nil {
		c.resolve(msg.ReplyTo, msg.Reply)
		return
	}

	switch e := msg.Event.(type) {
	case ServerError:
		log.Warn().Str("message", e.Message).Msg("game server reported an error")
	case GameInfo:
		update, err := e.Update()
		if err != nil {
			log.Error().Err(err).Str("room_id", e.ID.String()).Msg("dropping malformed room update")
			return
		}
		c.enqueue(channelEvent{kind: eventUpdate, update: update})
	}
}

// replyUndecodable stands in for a reply the client could not read, so the
// waiting request fails instead of timing out.
type replyUndecodable struct{ err error }

func (replyUndecodable) isReply() {}

func unexpected(op string, reply Reply) error {
	return fmt.Errorf("%s: %w %T", op, ErrUnexpectedReply, reply)
}
