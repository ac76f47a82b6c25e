package notify

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// ChannelStore persists channel registrations for surfaces that have no
// native notion of channels. The file is plain TOML so a user can edit a
// channel's importance or badge setting; later registrations never
// overwrite an existing entry.
type ChannelStore struct {
	path string
	mu   sync.Mutex
}

type channelFile struct {
	Channels []Channel `toml:"channel"`
}

// NewChannelStore returns a store backed by path. The file is created on
// first registration.
func NewChannelStore(path string) *ChannelStore {
	return &ChannelStore{path: path}
}

// Path returns the backing file path.
func (s *ChannelStore) Path() string { return s.path }

// Register stores ch unless its ID is already present. It returns the
// effective channel and whether this call created it.
func (s *ChannelStore) Register(ch Channel) (Channel, bool, error) {
	if ch.ID == "" {
		return Channel{}, false, errors.New("channel id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Channel{}, false, err
	}
	for _, existing := range f.Channels {
		if existing.ID == ch.ID {
			return existing, false, nil
		}
	}

	f.Channels = append(f.Channels, ch)
	if err := s.save(f); err != nil {
		return Channel{}, false, err
	}
	return ch, true, nil
}

// Lookup returns the stored channel with the given ID.
func (s *ChannelStore) Lookup(id string) (Channel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Channel{}, false, err
	}
	for _, ch := range f.Channels {
		if ch.ID == id {
			return ch, true, nil
		}
	}
	return Channel{}, false, nil
}

func (s *ChannelStore) load() (channelFile, error) {
	var f channelFile
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("reading channel registry: %w", err)
	}
	if err := toml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parsing channel registry %s: %w", s.path, err)
	}
	return f, nil
}

func (s *ChannelStore) save(f channelFile) error {
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding channel registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing channel registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing channel registry: %w", err)
	}
	return nil
}
