// Package atomic provides the temp-file-then-rename write discipline used
// by every durable store (history index, journal index, task files) so an
// abrupt process death never leaves a half-written file in its place.
package atomic

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile writes data to path atomically: it writes to a sibling temp
// file first, then renames over the destination. On most filesystems
// rename is atomic, so readers either see the old content or the new
// content, never a partial write.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomic: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomic: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomic: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("atomic: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic: rename: %w", err)
	}
	return nil
}

// AppendLine appends data (a single already-newline-terminated line, or one
// to which a trailing "\n" is added) to path, creating it if necessary.
// Unlike WriteFile this is a plain OS append, not atomic-rename — segment
// files are append-only by construction and never rewritten in place.
func AppendLine(path string, line []byte) (newSize int64, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("atomic: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("atomic: open append: %w", err)
	}
	defer f.Close()

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if _, err := f.Write(line); err != nil {
		return 0, fmt.Errorf("atomic: append: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("atomic: stat: %w", err)
	}
	return info.Size(), nil
}
