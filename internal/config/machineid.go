package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MachineID returns the stable per-host identifier used in master identity
// hashing. It is generated on first start and persisted under the data
// directory so re-pairing survives restarts but not a data-dir wipe.
func MachineID(dataDir string) (string, error) {
	name := filepath.Join(dataDir, "machine-id")

	raw, err := os.ReadFile(name)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		// Corrupt file: regenerate below.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("config: read machine id: %w", err)
	}

	id := uuid.NewString()
	if err := writeAtomic(name, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("config: persist machine id: %w", err)
	}
	return id, nil
}
