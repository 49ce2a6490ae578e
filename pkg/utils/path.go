package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath expands a leading "~" and environment variables in path and
// cleans the result. Special SQLite names such as ":memory:" are returned
// unchanged.
func ExpandPath(path string) string {
	if path == "" || strings.HasPrefix(path, ":") {
		return path
	}

	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
