package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionPayloadShapes(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		want   string
	}{
		{"nick", SetNick{Nick: "ada"}, `{"nick":"ada"}`},
		{"settings", UpdateSettings{Settings: map[string]any{"timer": 30}}, `{"settings":{"timer":30}}`},
		{"nil settings", UpdateSettings{}, `{"settings":{}}`},
		{"title", SetTitle{Title: "lobby"}, `{"title":"lobby"}`},
		{"chat", Chat{Text: "hi"}, `{"chat":"hi"}`},
		{"question", ProposeQuestion{Open: "best color?"}, `{"question":{"open":"best color?"}}`},
		{"guess", Guess{Text: "blue"}, `{"guess":"blue"}`},
		{"start", Start{}, `"start"`},
		{"ready", Ready{}, `"ready"`},
		{"pause", Pause{}, `"pause"`},
		{"advance", Advance{}, `"advance"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.action)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
