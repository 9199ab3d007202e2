package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"crowsnest/internal/logging"
)

// Channel is one monitored channel's persisted record: operator
// configuration plus the last observed live status.
type Channel struct {
	DownloadsEnabled bool   `json:"downloads_enabled"`
	ChannelID        string `json:"channel_id"`
	SaveDirectory    string `json:"save_directory"`
	Resolution       string `json:"stream_resolution"`
	ProfileImageURL  string `json:"profile_image_url"`
	OfflineImageURL  string `json:"offline_image_url"`
	IsLive           bool   `json:"is_live"`
	Title            string `json:"title"`
	LastTitle        string `json:"last_title,omitempty"`
	Thumbnail        string `json:"thumbnail"`
	DownloadStatus   string `json:"download_status,omitempty"`
}

// Store holds the channel roster in memory and mirrors every mutation to
// the roster file. All keys are lowercase channel logins.
type Store struct {
	mu       sync.RWMutex
	channels map[string]Channel

	path           string
	defaultSaveDir string
	logger         logging.Logger
}

// NewStore creates a roster store backed by the given file. Records added
// without a save directory inherit defaultSaveDir/<login>.
func NewStore(path, defaultSaveDir string, logger logging.Logger) *Store {
	return &Store{
		channels:       make(map[string]Channel),
		path:           path,
		defaultSaveDir: defaultSaveDir,
		logger:         logger,
	}
}

// Load reads the roster file. A missing file starts empty; a legacy
// plain-list file is upgraded to the record format on the next save.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("No roster file found, starting empty")
			return nil
		}
		return fmt.Errorf("state: reading roster: %w", err)
	}

	channels := make(map[string]Channel)
	if err := json.Unmarshal(raw, &channels); err != nil {
		// Older versions stored a bare list of logins.
		var names []string
		if listErr := json.Unmarshal(raw, &names); listErr != nil {
			return fmt.Errorf("state: parsing roster: %w", err)
		}
		for _, name := range names {
			channels[strings.ToLower(name)] = Channel{}
		}
		s.logger.WithFields(logging.Fields{"channels": len(names)}).Info("Upgraded legacy roster format")
	}

	s.mu.Lock()
	s.channels = make(map[string]Channel, len(channels))
	for name, ch := range channels {
		s.channels[strings.ToLower(name)] = s.normalize(strings.ToLower(name), ch)
	}
	count := len(s.channels)
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{"channels": count}).Info("Roster loaded")
	return nil
}

// normalize fills record defaults so every consumer can rely on the
// fields being present.
func (s *Store) normalize(name string, ch Channel) Channel {
	if ch.SaveDirectory == "" {
		ch.SaveDirectory = filepath.Join(s.defaultSaveDir, name)
	}
	if ch.Resolution == "" {
		ch.Resolution = "best"
	}
	return ch
}

// List returns a copy of the roster.
func (s *Store) List() map[string]Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Channel, len(s.channels))
	for name, ch := range s.channels {
		out[name] = ch
	}
	return out
}

// Names returns the roster's logins.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	return out
}

// Get returns one channel record.
func (s *Store) Get(name string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[strings.ToLower(name)]
	return ch, ok
}

// Len reports the roster size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Upsert inserts or replaces a record and persists.
func (s *Store) Upsert(name string, ch Channel) error {
	name = strings.ToLower(name)
	s.mu.Lock()
	s.channels[name] = s.normalize(name, ch)
	s.mu.Unlock()
	return s.Save()
}

// Update applies fn to an existing record and persists. Missing records
// are a no-op so status writers cannot resurrect removed channels.
func (s *Store) Update(name string, fn func(*Channel)) error {
	name = strings.ToLower(name)
	s.mu.Lock()
	ch, ok := s.channels[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	fn(&ch)
	s.channels[name] = ch
	s.mu.Unlock()
	return s.Save()
}

// Remove deletes a record and persists. Reports whether it existed.
func (s *Store) Remove(name string) (bool, error) {
	name = strings.ToLower(name)
	s.mu.Lock()
	_, ok := s.channels[name]
	delete(s.channels, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.Save()
}

// Replace swaps the whole roster, preserving live status and identity
// fields from existing records so a UI roster write cannot clobber what
// the push pipeline has learned.
func (s *Store) Replace(incoming map[string]Channel) error {
	s.mu.Lock()
	next := make(map[string]Channel, len(incoming))
	for name, ch := range incoming {
		name = strings.ToLower(name)
		if prev, ok := s.channels[name]; ok {
			if ch.ChannelID == "" {
				ch.ChannelID = prev.ChannelID
			}
			ch.IsLive = prev.IsLive
			if ch.Title == "" {
				ch.Title = prev.Title
			}
			if ch.Thumbnail == "" {
				ch.Thumbnail = prev.Thumbnail
			}
			if ch.ProfileImageURL == "" {
				ch.ProfileImageURL = prev.ProfileImageURL
			}
			if ch.OfflineImageURL == "" {
				ch.OfflineImageURL = prev.OfflineImageURL
			}
		}
		next[name] = s.normalize(name, ch)
	}
	s.channels = next
	s.mu.Unlock()
	return s.Save()
}

// Save writes the roster atomically: temp file in the same directory,
// then rename over the target.
func (s *Store) Save() error {
	s.mu.RLock()
	raw, err := json.MarshalIndent(s.channels, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: creating config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".roster-*.json")
	if err != nil {
		return fmt.Errorf("state: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: replacing roster file: %w", err)
	}
	return nil
}

// Path returns the roster file path.
func (s *Store) Path() string { return s.path }
