package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapResult reports what BootstrapDevKey did.
type BootstrapResult struct {
	KeysFile string
	AgentID  string
	Key      string
	Created  bool
}

// BootstrapDevKey creates keysPath with a single supervisor key for agentID.
// An existing file is left untouched and reported with Created false.
func BootstrapDevKey(keysPath, agentID string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if agentID == "" {
		agentID = "dev"
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(&keysFile{Agents: map[string]agentKeys{
		agentID: {Name: agentID, Role: RoleSupervisor, Keys: []string{key}},
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}

	// O_EXCL settles concurrent first starts: exactly one process writes.
	f, err := os.OpenFile(keysPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return &BootstrapResult{KeysFile: keysPath}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create keys file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("write keys file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}
	return &BootstrapResult{KeysFile: keysPath, AgentID: agentID, Key: key, Created: true}, nil
}

// GenerateKey returns 32 random bytes, base64url encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
