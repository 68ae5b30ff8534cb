package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whisper/support-desk/internal/session"
)

// Cache keeps the last known transcript on disk so a restarted client can
// render something before the server answers. It is only a hint: the
// server snapshot always wins, and the file is removed once the session is
// resolved.
type Cache struct {
	path string
}

// NewCache creates a cache backed by the YAML file at path.
func NewCache(path string) *Cache {
	return &Cache{path: path}
}

type cachedSession struct {
	SessionID string            `yaml:"session_id"`
	Status    session.Status    `yaml:"status"`
	Messages  []session.Message `yaml:"messages"`
	SavedAt   time.Time         `yaml:"saved_at"`
}

// Load returns the cached session, or nil when there is none.
func (c *Cache) Load() (*session.ChatSession, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: read cache: %w", err)
	}

	var cs cachedSession
	if err := yaml.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("client: parse cache %s: %w", c.path, err)
	}
	if cs.SessionID == "" {
		return nil, nil
	}
	return &session.ChatSession{ID: cs.SessionID, Status: cs.Status, Messages: cs.Messages}, nil
}

// Save writes the session atomically.
func (c *Cache) Save(cs session.ChatSession) error {
	data, err := yaml.Marshal(cachedSession{
		SessionID: cs.ID,
		Status:    cs.Status,
		Messages:  cs.Messages,
		SavedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("client: encode cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("client: create cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("client: write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("client: replace cache: %w", err)
	}
	return nil
}

// Clear removes the cache file.
func (c *Cache) Clear() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("client: clear cache: %w", err)
	}
	return nil
}
