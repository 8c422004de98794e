package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const identityFileName = "node_identity.json"

// NodeIdentity is the persistent identity of this installation
type NodeIdentity struct {
	NodeID    string    `json:"node_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadOrGenerateIdentity returns the identity stored in dir, creating it on
// first start so the node id survives restarts.
func LoadOrGenerateIdentity(dir string) (*NodeIdentity, error) {
	if dir == "" {
		dir = ".eck"
	}
	path := filepath.Join(dir, identityFileName)

	if data, err := os.ReadFile(path); err == nil {
		var identity NodeIdentity
		if err := json.Unmarshal(data, &identity); err != nil {
			return nil, fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		if _, err := uuid.Parse(identity.NodeID); err != nil {
			return nil, fmt.Errorf("identity file %s has invalid node id: %w", path, err)
		}
		return &identity, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	identity := &NodeIdentity{
		NodeID:    uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	return identity, nil
}
