package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// RetentionDays is how long idle sessions are kept before cleanup.
	// Archived sessions are never removed.
	RetentionDays = 30
)

// Store manages session files under a base directory, one JSON file per
// session.
type Store struct {
	mu      sync.RWMutex
	baseDir string
}

// NewStore creates a session store rooted at baseDir. An empty baseDir
// defaults to ~/.convoke/sessions.
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".convoke", "sessions")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// New creates a fresh session in the created state and writes it to disk.
func (s *Store) New(provider, model string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		Metadata: Metadata{
			ID:        uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
			Provider:  provider,
			Model:     model,
			State:     StateCreated,
		},
	}
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Save writes the session to disk, refreshing derived metadata.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(sess)
}

func (s *Store) saveLocked(sess *Session) error {
	if sess.Metadata.ID == "" {
		sess.Metadata.ID = uuid.NewString()
	}
	if sess.Metadata.CreatedAt.IsZero() {
		sess.Metadata.CreatedAt = time.Now().UTC()
	}
	sess.Metadata.UpdatedAt = time.Now().UTC()
	sess.Metadata.MessageCount = len(sess.Messages)
	if sess.Metadata.Title == "" {
		sess.Metadata.Title = GenerateTitle(sess.Messages)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if err := os.WriteFile(s.path(sess.Metadata.ID), data, 0644); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Load reads a session by id.
func (s *Store) Load(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &sess, nil
}

// List returns metadata for every session, newest first.
func (s *Store) List() ([]*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Metadata{}, nil
		}
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	sessions := make([]*Metadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.loadLocked(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue // skip unreadable files
		}
		sessions = append(sessions, &sess.Metadata)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Latest returns the most recently updated session.
func (s *Store) Latest() (*Session, error) {
	list, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no sessions found")
	}
	return s.Load(list[0].ID)
}

// Delete removes a session file. Deleting a missing session is not an
// error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Archive marks a session archived, exempting it from cleanup.
func (s *Store) Archive(id string) error {
	sess, err := s.Load(id)
	if err != nil {
		return err
	}
	sess.Metadata.State = StateArchived
	return s.Save(sess)
}

// Cleanup removes non-archived sessions older than the retention window.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read sessions directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -RetentionDays)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.loadLocked(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if sess.Metadata.State == StateArchived {
			continue
		}
		if sess.Metadata.UpdatedAt.Before(cutoff) {
			_ = os.Remove(filepath.Join(s.baseDir, entry.Name()))
		}
	}
	return nil
}

// Export renders a session as indented JSON suitable for transfer
// between machines.
func (s *Store) Export(id string) ([]byte, error) {
	sess, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

// Import reads an exported session and stores it. If the id collides
// with an existing session the import gets a fresh id so nothing is
// overwritten. The collision check and the write happen under the store
// lock, so concurrent imports of the same snapshot cannot race to one
// path. Returns the stored session.
func (s *Store) Import(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse exported session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.Metadata.ID != "" {
		if _, err := os.Stat(s.path(sess.Metadata.ID)); err == nil {
			sess.Metadata.ID = uuid.NewString()
		}
	}

	if err := s.saveLocked(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}
