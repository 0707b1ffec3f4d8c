package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type contextFile struct {
	SessionID string            `yaml:"session_id,omitempty"`
	Drafts    map[string]string `yaml:"drafts,omitempty"`
}

// ContextStore persists a browsing context: the visitor session id and
// unsent drafts keyed by conversation. An empty path keeps it in memory.
type ContextStore struct {
	path string

	mu   sync.Mutex
	data contextFile
}

func OpenContextStore(path string) (*ContextStore, error) {
	s := &ContextStore{path: strings.TrimSpace(path)}
	if s.path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read context: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse context: %w", err)
	}
	return s, nil
}

func (s *ContextStore) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SessionID
}

// EnsureSessionID returns the stored session id, minting one if absent.
func (s *ContextStore) EnsureSessionID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.SessionID != "" {
		return s.data.SessionID, nil
	}
	s.data.SessionID = uuid.NewString()
	return s.data.SessionID, s.save()
}

// SetSessionID records the id the relay confirmed.
func (s *ContextStore) SetSessionID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.SessionID == id {
		return nil
	}
	s.data.SessionID = id
	return s.save()
}

func (s *ContextStore) Draft(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Drafts[conversationID]
}

// SetDraft stores text for the conversation; empty text clears it.
func (s *ContextStore) SetDraft(conversationID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		if _, ok := s.data.Drafts[conversationID]; !ok {
			return nil
		}
		delete(s.data.Drafts, conversationID)
		return s.save()
	}
	if s.data.Drafts == nil {
		s.data.Drafts = make(map[string]string)
	}
	s.data.Drafts[conversationID] = text
	return s.save()
}

func (s *ContextStore) ClearDraft(conversationID string) error {
	return s.SetDraft(conversationID, "")
}

// save writes the file atomically. Callers hold s.mu.
func (s *ContextStore) save() error {
	if s.path == "" {
		return nil
	}
	raw, err := yaml.Marshal(&s.data)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create context dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace context: %w", err)
	}
	return nil
}
