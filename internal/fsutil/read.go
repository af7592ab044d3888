package fsutil

import "os"

// ReadFileOrEmpty returns the content of path, or nil when it cannot be read.
func ReadFileOrEmpty(path string) []byte {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return b
}
