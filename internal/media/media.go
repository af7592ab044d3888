// Package media describes the boundary between the editing core and the
// multimedia engine that actually decodes and renders sources.
package media

import (
	"fmt"
	"strings"
)

// PlayState selects which streams of a clip instance are played.
type PlayState int

const (
	Original PlayState = iota // audio and video
	AudioOnly
	VideoOnly
	Disabled
)

func (s PlayState) String() string {
	switch s {
	case Original:
		return "original"
	case AudioOnly:
		return "audio"
	case VideoOnly:
		return "video"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("playstate(%d)", int(s))
	}
}

// ParsePlayState is the inverse of PlayState.String. "both" is accepted as an
// alias of "original".
func ParsePlayState(s string) (PlayState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "original", "both":
		return Original, nil
	case "audio", "audioonly":
		return AudioOnly, nil
	case "video", "videoonly":
		return VideoOnly, nil
	case "disabled":
		return Disabled, nil
	}
	return Original, fmt.Errorf("unknown play state %q", s)
}

// HasAudio reports whether the state decodes the audio stream.
func (s PlayState) HasAudio() bool { return s == Original || s == AudioOnly }

// HasVideo reports whether the state decodes the video stream.
func (s PlayState) HasVideo() bool { return s == Original || s == VideoOnly }

// Capabilities is resolved once when a source is registered.
type Capabilities struct {
	// NeedsPerTrackClone is set for container/file backed sources whose
	// decoder misbehaves when the same context feeds several audio tracks.
	NeedsPerTrackClone bool
	// SupportsTimeRemap is set when the engine can build a speed-changed
	// derivative of the source.
	SupportsTimeRemap bool
}

// ResolveCapabilities maps an engine service name to its capability
// descriptor.
func ResolveCapabilities(service string) Capabilities {
	s := strings.ToLower(strings.TrimSpace(service))
	switch {
	case strings.HasPrefix(s, "avformat"), s == "wav", s == "sndfile":
		return Capabilities{NeedsPerTrackClone: true, SupportsTimeRemap: true}
	case s == "xml", s == "timeline", s == "playlist":
		return Capabilities{SupportsTimeRemap: true}
	case s == "timewarp":
		return Capabilities{NeedsPerTrackClone: true}
	default:
		// color, noise, qimage, pixbuf, kdenlivetitle...
		return Capabilities{}
	}
}

// Source is an opaque handle to a decodable media resource. Originals are
// owned by the project bin; clones, bounded views and derivatives point back
// to the handle they were made from through Parent.
type Source struct {
	ID      string
	URL     string
	Service string
	Frames  int
	Valid   bool
	Caps    Capabilities

	Parent *Source
	Speed  float64
	Strobe int
}

// NewSource builds a valid original source and resolves its capabilities.
func NewSource(id, url, service string, frames int) *Source {
	return &Source{
		ID:      id,
		URL:     url,
		Service: service,
		Frames:  frames,
		Valid:   true,
		Caps:    ResolveCapabilities(service),
		Speed:   1,
		Strobe:  1,
	}
}

// MissingSource stands in for media that cannot be resolved. Clips bound to
// it stay editable but cannot produce frames.
func MissingSource(id, url, service string, frames int) *Source {
	s := NewSource(id, url, service, frames)
	s.Valid = false
	return s
}

// Root walks the Parent chain back to the original handle.
func (s *Source) Root() *Source {
	if s == nil {
		return nil
	}
	cur := s
	for cur.Parent != nil {
		cur = cur.Parent
	}
	return cur
}

func (s *Source) String() string {
	if s == nil {
		return "<nil source>"
	}
	return fmt.Sprintf("%s(%s, %d frames)", s.ID, s.Service, s.Frames)
}

// Target identifies something filters can be attached to: a clip's bounded
// view or a track-level aggregate.
type Target string

// FilterRef is the engine's handle on an attached filter.
type FilterRef uint64

// Param is one filter parameter. Params keep their insertion order.
type Param struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

type Params []Param

func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set returns a copy of p with key updated in place, or appended when new.
func (p Params) Set(key, value string) Params {
	out := p.Clone()
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Param{Key: key, Value: value})
}

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

func (p Params) Equal(o Params) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Engine is everything the editing core needs from the multimedia engine.
type Engine interface {
	// Cut creates a bounded view of src without decode side effects.
	Cut(src *Source, in, out int) (*Source, error)
	// Clone deep-duplicates src so another track gets its own decode context.
	Clone(src *Source) (*Source, error)
	// TimeRemap builds a speed-changed derivative of src.
	TimeRemap(src *Source, speed float64, strobe int) (*Source, error)

	AttachFilter(target Target, service string, params Params) (FilterRef, error)
	DetachFilter(target Target, ref FilterRef) error
	SetFilterParams(target Target, ref FilterRef, params Params) error

	Length(src *Source) int
	Resize(src *Source, in, out int) bool
}
