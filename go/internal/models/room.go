package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ReadyPolicy decides who owes a readiness signal before the next round.
type ReadyPolicy string

const (
	ReadyAll      ReadyPolicy = "all"
	ReadyLeader   ReadyPolicy = "leader"
	ReadyMajority ReadyPolicy = "majority"
	ReadySingle   ReadyPolicy = "single"
	ReadyNo       ReadyPolicy = "no"
)

// DefaultReadyPolicy is what the server assumes when settings omit it.
const DefaultReadyPolicy = ReadyMajority

// Setting keys read by the session layer. Everything else in the settings
// map is opaque.
const (
	SettingTimer = "timer"
	SettingDelay = "delay"
	SettingReady = "ready"
)

// RoomState is the latest snapshot of one room. It is replaced as a whole on
// every update and never patched in place.
type RoomState struct {
	Leader  PlayerID        `json:"leader"`
	Members []PlayerID      `json:"members"`
	Public  PublicState     `json:"public"`
	Private json.RawMessage `json:"private,omitempty"`
}

// RoomUpdate is one server-sent room snapshot.
type RoomUpdate struct {
	RoomID  RoomID
	Leader  PlayerID
	Members []PlayerID
	Public  PublicState
	Private json.RawMessage
}

// State converts the update into the stored representation.
func (u RoomUpdate) State() RoomState {
	return RoomState{
		Leader:  u.Leader,
		Members: slices.Clone(u.Members),
		Public:  u.Public,
		Private: bytes.Clone(u.Private),
	}
}

// PublicState is a room's public game state. The raw JSON is kept verbatim;
// the framework fields the session derives signals from are parsed out of
// it. A non-object public state is valid and simply carries none of them.
type PublicState struct {
	Running   bool
	TimerFrom *time.Time
	DelayFrom *time.Time
	Settings  map[string]any
	Ready     []PlayerID

	raw json.RawMessage
}

// publicFields mirrors the framework-defined part of the public state. Both
// the snake_case names the server emits and camelCase spellings are read.
type publicFields struct {
	Running        *bool           `json:"running"`
	TimerFrom      json.RawMessage `json:"timer_from"`
	TimerFromCamel json.RawMessage `json:"timerFrom"`
	DelayFrom      json.RawMessage `json:"delay_from"`
	DelayFromCamel json.RawMessage `json:"delayFrom"`
	Settings       map[string]any  `json:"settings"`
	Ready          []PlayerID      `json:"ready"`
}

// ParsePublicState decodes a raw public state.
func ParsePublicState(raw json.RawMessage) (PublicState, error) {
	var p PublicState
	if err := p.UnmarshalJSON(raw); err != nil {
		return PublicState{}, err
	}
	return p, nil
}

// MustPublicState builds a PublicState from a Go value. Intended for tests
// and fakes.
func MustPublicState(v any) PublicState {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	p, err := ParsePublicState(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *PublicState) UnmarshalJSON(b []byte) error {
	*p = PublicState{raw: bytes.Clone(b)}

	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var f publicFields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return fmt.Errorf("decode public state: %w", err)
	}

	if f.Running != nil {
		p.Running = *f.Running
	}
	p.Settings = f.Settings
	p.Ready = f.Ready

	var err error
	if p.TimerFrom, err = parseInstant(firstNonEmpty(f.TimerFrom, f.TimerFromCamel)); err != nil {
		return fmt.Errorf("decode timer_from: %w", err)
	}
	if p.DelayFrom, err = parseInstant(firstNonEmpty(f.DelayFrom, f.DelayFromCamel)); err != nil {
		return fmt.Errorf("decode delay_from: %w", err)
	}
	return nil
}

func (p PublicState) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.raw, nil
}

// Raw returns the public state exactly as the server sent it.
func (p PublicState) Raw() json.RawMessage { return p.raw }

// ReadyPolicy returns settings.ready, falling back to the server default.
func (p PublicState) ReadyPolicy() ReadyPolicy {
	if s, ok := p.Settings[SettingReady].(string); ok && s != "" {
		return ReadyPolicy(s)
	}
	return DefaultReadyPolicy
}

// TimerDuration is settings.timer in seconds.
func (p PublicState) TimerDuration() time.Duration { return p.seconds(SettingTimer) }

// DelayDuration is settings.delay in seconds.
func (p PublicState) DelayDuration() time.Duration { return p.seconds(SettingDelay) }

// IsReady reports whether player has signalled readiness.
func (p PublicState) IsReady(player PlayerID) bool {
	return slices.Contains(p.Ready, player)
}

func (p PublicState) seconds(key string) time.Duration {
	switch v := p.Settings[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}

// parseInstant accepts RFC 3339 strings and epoch milliseconds.
func parseInstant(raw json.RawMessage) (*time.Time, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("instant must be a string or a number: %s", raw)
	}
	t := time.UnixMilli(int64(ms))
	return &t, nil
}

func firstNonEmpty(vals ...json.RawMessage) json.RawMessage {
	for _, v := range vals {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
