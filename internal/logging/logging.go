// Package logging builds the process logger: console output plus a log file in
// the per-user application directory.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Dir returns the per-user directory logs go to for app.
func Dir(app string) (string, error) {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), app), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home dir: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", app), nil
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home dir: %w", err)
		}
		return filepath.Join(home, ".local", app), nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("could not get executable path: %w", err)
	}
	return filepath.Dir(exe), nil
}

// ParseLevel maps a config level name to zerolog, falling back to info.
func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Setup returns a logger writing to stdout and to dir/log.txt. An empty dir
// resolves to Dir(app). When the file cannot be created the logger is
// console only and the returned closer is a no-op.
func Setup(app, dir, level string) (zerolog.Logger, io.Closer, error) {
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	base := zerolog.New(console).Level(ParseLevel(level)).With().Timestamp().Str("app", app).Logger()

	if dir == "" {
		d, err := Dir(app)
		if err != nil {
			return base, nopCloser{}, err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return base, nopCloser{}, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	logFile, err := os.Create(filepath.Join(dir, "log.txt"))
	if err != nil {
		return base, nopCloser{}, fmt.Errorf("create log file: %w", err)
	}

	mw := zerolog.MultiLevelWriter(console, logFile)
	logger := zerolog.New(mw).Level(ParseLevel(level)).With().Timestamp().Str("app", app).Logger()
	return logger, logFile, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
