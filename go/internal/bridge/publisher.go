package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/roomsync/go/internal/session"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	MaxMsgs         int64         // Max number of messages to keep
	Replicas        int
	DuplicateWindow time.Duration
	QueueSize       int
	PublishTimeout  time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "ROOMSYNC_EVENTS",
		SubjectPrefix:   "roomsync.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		MaxMsgs:         -1, // No limit
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
		QueueSize:       1000,
		PublishTimeout:  5 * time.Second,
	}
}

// SnapshotSource supplies the session state attached to room events.
type SnapshotSource interface {
	Snapshot() session.SessionSnapshot
}

// msgPublisher is the part of jetstream.JetStream the publisher uses.
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher mirrors controller events onto a JetStream stream so processes
// outside the client can follow the session. It is a session.Observer:
// OnSessionEvent only queues, Run does the publishing.
type Publisher struct {
	nc     *nats.Conn
	js     msgPublisher
	config JetStreamConfig
	source SnapshotSource

	queue chan session.Event
}

// NewPublisher connects to NATS and makes sure the stream exists. source
// may be nil.
func NewPublisher(cfg JetStreamConfig, source SnapshotSource) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("roomsync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if err := ensureStream(context.Background(), js, cfg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	p := newPublisher(js, cfg, source)
	p.nc = nc
	return p, nil
}

func newPublisher(js msgPublisher, cfg JetStreamConfig, source SnapshotSource) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultJetStreamConfig().QueueSize
	}
	return &Publisher{
		js:     js,
		config: cfg,
		source: source,
		queue:  make(chan session.Event, cfg.QueueSize),
	}
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) error {
	sc := streamConfig(cfg)

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		if _, err = js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().
			Str("stream", cfg.StreamName).
			Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().
			Str("stream", cfg.StreamName).
			Msg("updated JetStream stream")
	}
	return nil
}

func streamConfig(cfg JetStreamConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Room session events mirrored from roomsync clients",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxMsgs:     cfg.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		strings.Join(a.Subjects, ",") == strings.Join(b.Subjects, ",")
}

// OnSessionEvent implements session.Observer.
func (p *Publisher) OnSessionEvent(event session.Event) {
	select {
	case p.queue <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("publish queue full, dropping event")
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	log.Info().
		Str("stream", p.config.StreamName).
		Str("subject_prefix", p.config.SubjectPrefix).
		Msg("event bridge started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event bridge shutting down")
			return
		case event := <-p.queue:
			if err := p.publish(ctx, event); err != nil {
				log.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to publish session event")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, event session.Event) error {
	msg, msgID, err := p.buildMessage(event)
	if err != nil {
		return err
	}

	if p.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.PublishTimeout)
		defer cancel()
	}

	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(msgID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", msg.Subject).
		Str("event_id", msgID).
		Uint64("sequence", ack.Sequence).
		Str("stream", ack.Stream).
		Msg("published to JetStream")
	return nil
}

// buildMessage wraps the event in the envelope external subscribers read.
// Room events carry the room's current view when a snapshot source is set.
func (p *Publisher) buildMessage(event session.Event) (*nats.Msg, string, error) {
	eventID := uuid.New().String()
	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, event.Type)

	env := map[string]interface{}{
		"eventId":   eventID,
		"eventType": event.Type,
		"timestamp": event.At.UTC(),
		"payload":   event,
	}
	header := nats.Header{
		"Event-Type": []string{string(event.Type)},
		"Event-ID":   []string{eventID},
	}

	if event.RoomID != nil {
		env["roomId"] = event.RoomID.String()
		header.Set("Room-ID", event.RoomID.String())
	}
	if p.source != nil {
		snap := p.source.Snapshot()
		env["playerId"] = snap.LocalPlayer.String()
		if event.RoomID != nil {
			if view, ok := snap.Rooms[*event.RoomID]; ok {
				env["room"] = view
			}
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("marshal event: %w", err)
	}

	return &nats.Msg{Subject: subject, Data: data, Header: header}, eventID, nil
}

// Close closes the NATS connection. Events still queued are dropped.
func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
