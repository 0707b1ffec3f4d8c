package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "supportline.keys.yaml"

type keysFile struct {
	Agents map[string]agentKeys `yaml:"agents"`
}

type agentKeys struct {
	Name string   `yaml:"name,omitempty"`
	Role string   `yaml:"role,omitempty"`
	Keys []string `yaml:"keys"`
}

// Keyring maps static API keys to agent identities.
type Keyring struct {
	keyToAgent map[string]Identity
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("SUPPORTLINE_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

// LoadKeyring reads a keys file. A missing file is bootstrapped with a dev key.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewKeyring(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
		if _, err := BootstrapDevKey(path, "dev"); err != nil {
			return nil, fmt.Errorf("bootstrap dev key: %w", err)
		}
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := NewKeyring(nil)
	for agentID, entry := range cfg.Agents {
		id := Identity{AgentID: agentID, Name: entry.Name, Role: entry.Role}
		if id.Role == "" {
			id.Role = RoleAgent
		}
		for _, key := range entry.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToAgent[key]; ok && existing.AgentID != agentID {
				return nil, fmt.Errorf("key reused across agents: %q", key)
			}
			ring.keyToAgent[key] = id
		}
	}
	return ring, nil
}

func NewKeyring(keyToAgent map[string]Identity) *Keyring {
	clone := make(map[string]Identity, len(keyToAgent))
	for k, v := range keyToAgent {
		clone[k] = v
	}
	return &Keyring{keyToAgent: clone}
}

func (k *Keyring) Verify(key string) (Identity, error) {
	if k == nil {
		return Identity{}, ErrInvalidToken
	}
	id, ok := k.keyToAgent[key]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// Len reports how many keys are loaded.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keyToAgent)
}
