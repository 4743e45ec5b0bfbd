package identity

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// maxBootnodeFileSize bounds how much of a bootnode list cmd/portalnode
// will read, the same defensive cap the teacher's site-config loader
// applies to an operator-editable YAML file.
const maxBootnodeFileSize = 1 << 20 // 1MB

// BootnodeList is the on-disk format a deployment's bootnode file is
// expected to follow: one "enr:..." text string per entry.
type BootnodeList struct {
	Bootnodes []string `yaml:"bootnodes"`
}

// LoadBootnodes reads a bootnode list from path. A missing file is not an
// error — a node with no configured bootnodes simply starts with an empty
// routing table — but any other read or parse failure is returned.
func LoadBootnodes(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: stat bootnode file: %w", err)
	}
	if info.Size() > maxBootnodeFileSize {
		return nil, fmt.Errorf("identity: bootnode file %s too large (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: reading bootnode file: %w", err)
	}

	var list BootnodeList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("identity: parsing bootnode file: %w", err)
	}
	slog.Debug("loaded bootnode list", "path", path, "count", len(list.Bootnodes))
	return list.Bootnodes, nil
}
