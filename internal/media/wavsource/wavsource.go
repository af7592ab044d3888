// Package wavsource turns WAV files on disk into file-backed media sources.
package wavsource

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/media"
)

const Service = "wav"

// Info is what Probe learns from the file header.
type Info struct {
	Path        string
	SampleRate  int
	Channels    int
	BitDepth    int
	DurationSec float64
}

// SourceID derives a stable id from the absolute path, so probing the same
// file twice yields the same bin id.
func SourceID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return uuid.NewMD5(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(abs))).String()
}

// ReadInfo decodes the WAV header of path.
func ReadInfo(path string) (*Info, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open '%s': %w", path, err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("'%s' is not a valid WAV file", path)
	}
	format := decoder.Format()
	if format == nil {
		return nil, fmt.Errorf("could not retrieve audio format details from '%s'", path)
	}
	if format.NumChannels == 0 {
		return nil, fmt.Errorf("file '%s' reported 0 channels", path)
	}
	duration, err := decoder.Duration()
	if err != nil {
		return nil, fmt.Errorf("could not read duration of '%s': %w", path, err)
	}
	return &Info{
		Path:        path,
		SampleRate:  format.SampleRate,
		Channels:    format.NumChannels,
		BitDepth:    int(decoder.BitDepth),
		DurationSec: duration.Seconds(),
	}, nil
}

// Probe registers nothing; it only builds the source handle for path at the
// project frame rate. Callers hand the result to sources.Registry.
func Probe(path string, fps float64) (*media.Source, error) {
	info, err := ReadInfo(path)
	if err != nil {
		return nil, err
	}
	n := frames.Frames(info.DurationSec, fps)
	if n <= 0 {
		n = int(math.Ceil(info.DurationSec * fps))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return media.NewSource(SourceID(path), "file://"+filepath.ToSlash(abs), Service, n), nil
}

// LocalPath turns a URL made by Probe back into a file path.
func LocalPath(url string) string {
	return filepath.FromSlash(strings.TrimPrefix(url, "file://"))
}
