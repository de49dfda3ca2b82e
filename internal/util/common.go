package util

import (
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ShortTimeout bounds best-effort cleanup calls made during shutdown.
const ShortTimeout = 2 * time.Second

// NewID returns a fresh globally-unique identifier. Used for participant,
// message, signal and call IDs alike.
func NewID() string { return uuid.NewString() }

// Jitter returns a random duration in [0, max). Used to spread connection
// attempts when many already-present peers react to one join.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// ValidateDisplayName validates and normalizes a participant display name.
// Returns the trimmed name and an error if invalid.
func ValidateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("display name is empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", errors.New("display name must not contain slashes or '..'")
	}
	return name, nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories
// if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
