package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/playola-fm/spin-engine/internal/platform"
)

const vendorIDFile = "vendor_id"

// ensureVendorID returns the persisted device identifier (spec §6.6),
// generating and saving a new one on first run, adapted from the teacher's
// EnsureAnonymousToken idea of "persist once, reuse forever".
func ensureVendorID() (string, error) {
	configDir, err := platform.GetConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(configDir, vendorIDFile)

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
