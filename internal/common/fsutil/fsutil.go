// Package fsutil holds small path helpers shared by the CLI and the server.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// ~/models/sd
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists reports whether path exists on fs. Errors other than
// not-exist count as existing so callers surface them later.
func PathExists(fs afero.Fs, path string) bool {
	_, err := fs.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// ResolvePath expands '~', cleans the path and makes it absolute. Paths on an
// in-memory filesystem are only cleaned.
func ResolvePath(fs afero.Fs, path string) (string, error) {
	p, err := ExpandHome(strings.TrimSpace(path))
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", errors.New("empty path")
	}
	if _, ok := fs.(*afero.OsFs); ok {
		if p, err = filepath.Abs(p); err != nil {
			return "", fmt.Errorf("abs path: %w", err)
		}
	}
	return filepath.Clean(p), nil
}

// ResolveRoots resolves each root with ResolvePath and drops duplicates,
// keeping the first occurrence.
func ResolveRoots(fs afero.Fs, roots []string) ([]string, error) {
	seen := make(map[string]bool, len(roots))
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		p, err := ResolvePath(fs, r)
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", r, err)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}
