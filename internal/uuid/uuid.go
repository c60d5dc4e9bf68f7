// Package uuid generates and validates the identifiers used by the sync core.
//
// Entities get random (v4) IDs. Queue entries get time-ordered (v7) IDs so
// that their lexical order follows enqueue order. Each installation has a
// device ID persisted in its data directory.
package uuid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeviceIDFile is the name of the device ID file inside the data directory.
const DeviceIDFile = "device_id"

// New generates a new random UUID (v4).
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered UUID (v7). It falls back to v4 if the
// clock sequence cannot be read.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return New()
	}
	return id.String()
}

// Parse parses s and accepts only the canonical dashed form of a v4 or v7
// UUID.
func Parse(s string) (uuid.UUID, error) {
	if len(s) != 36 {
		return uuid.Nil, fmt.Errorf("invalid UUID %q: expected 36 characters", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Variant() != uuid.RFC4122 {
		return uuid.Nil, fmt.Errorf("invalid UUID %q: unexpected variant", s)
	}
	switch id.Version() {
	case 4, 7:
		return id, nil
	}
	return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", id.Version())
}

// IsValid reports whether s is an identifier Parse accepts.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// LoadOrCreateDeviceID returns the device ID stored in dataDir, creating
// and persisting a new one on first use.
func LoadOrCreateDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, DeviceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if IsValid(id) {
			return id, nil
		}
		return "", fmt.Errorf("device id file %s is corrupt", path)
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	id := New()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write device id: %w", err)
	}
	return id, nil
}
