package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/RaphaelDarley/messagedisk/internal/model"
)

// Manifest actions
const (
	ActionCreate = "create"
	ActionJoin   = "join"
	ActionStart  = "start"
)

// Manifest lists rings a node hosts as soon as it starts.
type Manifest struct {
	Rings []RingSpec `yaml:"rings"`
}

// RingSpec describes one ring to host.
type RingSpec struct {
	Action   string       `yaml:"action"`
	RingID   model.RingID `yaml:"ring_id"`
	Target   string       `yaml:"target"`
	ChunkNum uint64       `yaml:"chunk_num"`
}

// LoadManifest reads a bootstrap manifest from a YAML file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return &m, nil
}

// Validate checks every ring entry.
func (m *Manifest) Validate() error {
	seen := make(map[model.RingID]bool, len(m.Rings))
	for i, r := range m.Rings {
		switch r.Action {
		case ActionCreate:
		case ActionJoin, ActionStart:
			if r.RingID == 0 {
				return fmt.Errorf("rings[%d]: ring_id is required for %s", i, r.Action)
			}
			if _, err := model.ParseNodeAddress(r.Target); err != nil {
				return fmt.Errorf("rings[%d]: %w", i, err)
			}
		default:
			return fmt.Errorf("rings[%d]: unknown action %q", i, r.Action)
		}
		if r.RingID != 0 {
			if seen[r.RingID] {
				return fmt.Errorf("rings[%d]: duplicate ring_id %d", i, r.RingID)
			}
			seen[r.RingID] = true
		}
	}
	return nil
}
