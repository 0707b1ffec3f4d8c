// Package cli holds the file-editing helpers behind the supportline commands.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/supportline/internal/auth"
)

type keysFile struct {
	Agents map[string]agentKeys `yaml:"agents"`
}

type agentKeys struct {
	Name string   `yaml:"name,omitempty"`
	Role string   `yaml:"role,omitempty"`
	Keys []string `yaml:"keys"`
}

// AgentKey describes one key to add.
type AgentKey struct {
	AgentID string
	Name    string
	Role    string
}

// AddAgentKey generates a key for the agent and appends it to the keys file,
// creating the file and the agent entry as needed. Name and role update an
// existing entry only when set.
func AddAgentKey(path string, agent AgentKey) (string, error) {
	path = strings.TrimSpace(path)
	agent.AgentID = strings.TrimSpace(agent.AgentID)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if agent.AgentID == "" {
		return "", fmt.Errorf("agent id required")
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Agents == nil {
		cfg.Agents = make(map[string]agentKeys)
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return "", err
	}
	entry := cfg.Agents[agent.AgentID]
	entry.Keys = append(entry.Keys, key)
	if agent.Name != "" {
		entry.Name = agent.Name
	}
	if agent.Role != "" {
		entry.Role = agent.Role
	}
	if entry.Role == "" {
		entry.Role = auth.RoleAgent
	}
	cfg.Agents[agent.AgentID] = entry

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}
