// Package secrets resolves credential values from their configured source.
// Config files should not carry account or broker passwords inline; a value
// can instead reference an environment variable or a file.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Resolve expands a credential reference:
//   - "env:NAME" reads the environment variable NAME
//   - "file:/absolute/path" reads the file, trimming surrounding whitespace
//   - anything else is returned verbatim (inline plain text)
//
// Empty or whitespace-only values resolve to an empty string without error.
func Resolve(value string) (string, error) {
	v := strings.TrimSpace(value)

	switch {
	case v == "":
		return "", nil

	case strings.HasPrefix(v, "env:"):
		return os.Getenv(strings.TrimPrefix(v, "env:")), nil

	case strings.HasPrefix(v, "file:"):
		path := strings.TrimPrefix(v, "file:")
		// Relative paths would resolve against the daemon's working
		// directory, which is not a stable location for secrets.
		if !strings.HasPrefix(path, "/") {
			return "", fmt.Errorf("file secret path must be absolute, got: %s", path)
		}
		// #nosec G304 - the path comes from the operator's own configuration
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
		}
		return strings.TrimSpace(string(content)), nil

	default:
		return v, nil
	}
}
