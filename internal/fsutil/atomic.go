//go:build !windows

// Package fsutil holds small file helpers shared by config and document I/O.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// WriteFileAtomic writes data to a temp file next to destPath and renames it
// into place, so readers never see a partial file. Missing parent
// directories are created.
func WriteFileAtomic(destPath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := renameio.WriteFile(destPath, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return nil
}
