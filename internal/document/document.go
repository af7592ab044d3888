// Package document reads and writes the YAML project document and rebuilds
// a timeline from its ordered clip lists.
package document

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KDE/kdenlive-sub010/internal/effects"
	"github.com/KDE/kdenlive-sub010/internal/fsutil"
	"github.com/KDE/kdenlive-sub010/internal/media"
)

type Document struct {
	FPS         float64      `yaml:"fps"`
	Sources     []Source     `yaml:"sources"`
	Tracks      []Track      `yaml:"tracks"`
	Transitions []Transition `yaml:"transitions,omitempty"`
}

type Source struct {
	ID      string `yaml:"id"`
	URL     string `yaml:"url"`
	Service string `yaml:"service"`
	Frames  int    `yaml:"frames"`
	Missing bool   `yaml:"missing,omitempty"`
}

type Track struct {
	ID      string           `yaml:"id"`
	Kind    string           `yaml:"kind"`
	Locked  bool             `yaml:"locked,omitempty"`
	Muted   bool             `yaml:"muted,omitempty"`
	Hidden  bool             `yaml:"hidden,omitempty"`
	Effects []effects.Filter `yaml:"effects,omitempty"`
	Clips   []Clip           `yaml:"clips"`
}

// Clip positions and crops are in frames.
type Clip struct {
	ID        string           `yaml:"id"`
	Source    string           `yaml:"source"`
	Position  int              `yaml:"position"`
	In        int              `yaml:"in"`
	Out       int              `yaml:"out"`
	State     string           `yaml:"state,omitempty"`
	Speed     float64          `yaml:"speed,omitempty"`
	Strobe    int              `yaml:"strobe,omitempty"`
	Duplicate bool             `yaml:"duplicate,omitempty"`
	Effects   []effects.Filter `yaml:"effects,omitempty"`
}

type Transition struct {
	TrackA string `yaml:"track_a"`
	TrackB string `yaml:"track_b"`
	Start  int    `yaml:"start"`
	End    int    `yaml:"end"`
	Kind   string `yaml:"kind,omitempty"`
}

func Decode(r io.Reader) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return &doc, nil
		}
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return &doc, nil
}

func Encode(w io.Writer, doc *Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	return enc.Close()
}

// LoadFile reads a document from disk.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// SaveFile writes doc atomically.
func SaveFile(path string, doc *Document) error {
	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0644)
}

// source builds the bin handle for s. A file URL that does not exist on disk
// yields a missing source.
func (s Source) source() (*media.Source, bool) {
	missing := s.Missing
	if p, ok := strings.CutPrefix(s.URL, "file://"); ok && !missing {
		if _, err := os.Stat(p); err != nil {
			missing = true
		}
	}
	if missing {
		return media.MissingSource(s.ID, s.URL, s.Service, s.Frames), true
	}
	return media.NewSource(s.ID, s.URL, s.Service, s.Frames), false
}

func sortClips(clips []Clip) []Clip {
	out := append([]Clip(nil), clips...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
