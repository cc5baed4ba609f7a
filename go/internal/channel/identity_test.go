package channel

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.yaml")
	store := NewFileStore(path)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded, "missing file means no identity")

	identity := Identity{PlayerID: testPlayer, ReconnectionSecret: json.RawMessage(`[12,34,56]`)}
	require.NoError(t, store.Save(identity))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err = NewFileStore(path).Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, testPlayer, loaded.PlayerID)
	assert.JSONEq(t, `[12,34,56]`, string(loaded.ReconnectionSecret))
}

func TestFileStore_IgnoresInvalidContent(t *testing.T) {
	tests := map[string]string{
		"not yaml":       "player_id: [unterminated",
		"bad player id":  "player_id: nope\nreconnection_secret: '\"x\"'\n",
		"missing secret": "player_id: " + playerText + "\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "identity.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			loaded, err := NewFileStore(path).Load()
			require.NoError(t, err)
			assert.Nil(t, loaded)
		})
	}
}

func TestMemoryStore(t *testing.T) {
	store := &MemoryStore{}
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, store.Save(Identity{PlayerID: testPlayer}))
	loaded, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, testPlayer, loaded.PlayerID)
}
