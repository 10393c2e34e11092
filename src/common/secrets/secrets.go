// Package secrets resolves indirected configuration values. Bumper's
// certificate, key, CA and password-file locations may be given literally,
// or routed through an environment variable or a file so the real path
// never appears in a YAML config or a BUMPER_* variable itself.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Resolve dereferences value:
//
//   - "env:NAME" yields the contents of the environment variable NAME
//   - "file:/path" yields the trimmed contents of the file (absolute path only)
//   - anything else passes through unchanged
//
// An empty or whitespace-only value resolves to "" without error.
func Resolve(value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", nil
	}

	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name), nil
	}

	if path, ok := strings.CutPrefix(v, "file:"); ok {
		return resolveFile(path)
	}

	return v, nil
}

// resolveFile reads a file-indirected value. The path must be absolute: a
// relative path would resolve against whatever directory bumperd happens to
// be launched from, which is never what a deployment means.
func resolveFile(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("secrets: file path must be absolute, got %q", path)
	}
	content, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's own configuration
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", path, err)
	}
	return strings.TrimSpace(string(content)), nil
}
