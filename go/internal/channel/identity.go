package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// IdentityStore keeps the identity between connections so a restarted
// client comes back as the same player.
type IdentityStore interface {
	// Load returns nil when nothing usable is stored.
	Load() (*Identity, error)
	Save(identity Identity) error
}

// identityFile is the on-disk layout. The secret is kept as the JSON the
// server sent since its shape is the server's business.
type identityFile struct {
	PlayerID           string `yaml:"player_id"`
	ReconnectionSecret string `yaml:"reconnection_secret"`
}

// FileStore persists the identity as a small YAML file.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the stored identity. A missing or unreadable file is treated
// as no identity.
func (s *FileStore) Load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	var f identityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("ignoring malformed identity file")
		return nil, nil
	}
	player, err := models.ParsePlayerID(f.PlayerID)
	if err != nil || !json.Valid([]byte(f.ReconnectionSecret)) {
		log.Warn().Str("path", s.path).Msg("ignoring invalid identity file")
		return nil, nil
	}

	return &Identity{
		PlayerID:           player,
		ReconnectionSecret: json.RawMessage(f.ReconnectionSecret),
	}, nil
}

// Save writes the identity, replacing any previous one.
func (s *FileStore) Save(identity Identity) error {
	data, err := yaml.Marshal(identityFile{
		PlayerID:           identity.PlayerID.String(),
		ReconnectionSecret: string(identity.ReconnectionSecret),
	})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// MemoryStore keeps the identity for the lifetime of the process only.
type MemoryStore struct {
	mu       sync.Mutex
	identity *Identity
}

func (s *MemoryStore) Load() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil, nil
	}
	identity := *s.identity
	return &identity, nil
}

func (s *MemoryStore) Save(identity Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = &identity
	return nil
}
