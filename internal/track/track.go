// Package track implements one timeline lane: an ordered, gap-consolidated
// sequence of blanks and clip instances, edited frame-exactly.
package track

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KDE/kdenlive-sub010/internal/effects"
	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/media"
	"github.com/KDE/kdenlive-sub010/internal/project"
	"github.com/KDE/kdenlive-sub010/internal/remap"
	"github.com/KDE/kdenlive-sub010/internal/sources"
)

var (
	ErrInvariant     = errors.New("edit would overlap, invert or misalign clips")
	ErrNoClip        = errors.New("no clip at position")
	ErrInvalidSource = errors.New("invalid media source")
	ErrLocked        = errors.New("track is locked")
	ErrNoRoom        = errors.New("not enough room for clip")
)

type Kind int

const (
	Audio Kind = iota
	Video
)

func (k Kind) String() string {
	if k == Video {
		return "video"
	}
	return "audio"
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "a":
		return Audio, nil
	case "video", "v":
		return Video, nil
	}
	return Audio, fmt.Errorf("unknown track kind %q", s)
}

// EditMode selects how Add and Move treat existing content at the target.
type EditMode int

const (
	// Overwrite requires a blank large enough at the target, or the tail.
	Overwrite EditMode = iota
	// Insert splits whatever is at the target and ripples later content.
	Insert
)

// Listener receives change notifications after the track lock is released.
type Listener interface {
	TrackLengthChanged(trackID string, length int)
	ClipInvalidated(trackID string, r frames.Range)
	ClipRemoved(trackID, clipID string)
}

type nopListener struct{}

func (nopListener) TrackLengthChanged(string, int)       {}
func (nopListener) ClipInvalidated(string, frames.Range) {}
func (nopListener) ClipRemoved(string, string)           {}

// Clip is a read-only snapshot of a clip instance.
type Clip struct {
	ID       string
	SourceID string
	URL      string
	Position int
	CropIn   int
	CropOut  int
	State    media.PlayState
	Speed    float64
	Strobe   int

	Duplicate bool
	Binding   sources.BindingKind
	// Source is the bin original, Handle what the clip actually plays.
	Source  *media.Source
	Handle  *media.Source
	Missing bool
	Filters []effects.Filter
}

func (c Clip) Length() int { return c.CropOut - c.CropIn + 1 }

func (c Clip) Range() frames.Range { return frames.Span(c.Position, c.Length()) }

// Segment is one slot of the track layout. Clip is nil for blanks.
type Segment struct {
	Range frames.Range
	Clip  *Clip
}

func (s Segment) Blank() bool { return s.Clip == nil }

// clip is the live instance owned by the track.
type clip struct {
	id  string
	src *media.Source // bin original

	handle   *media.Source
	binding  sources.BindingKind
	cloneKey sources.CloneKey
	remapKey remap.Key

	in, out int
	state   media.PlayState
	speed   float64
	strobe  int

	duplicate bool
	missing   bool
	filters   *effects.Stack
}

func (c *clip) length() int { return c.out - c.in + 1 }

func (c *clip) retimed() bool { return c.speed != 1 || c.strobe >= 2 }

func (c *clip) info(pos int) Clip {
	out := Clip{
		ID:        c.id,
		Position:  pos,
		CropIn:    c.in,
		CropOut:   c.out,
		State:     c.state,
		Speed:     c.speed,
		Strobe:    c.strobe,
		Duplicate: c.duplicate,
		Binding:   c.binding,
		Source:    c.src,
		Handle:    c.handle,
		Missing:   c.missing,
		Filters:   c.filters.Filters(),
	}
	if c.src != nil {
		out.SourceID = c.src.ID
		out.URL = c.src.URL
	}
	return out
}

type segment struct {
	length int
	clip   *clip
}

// Deps are the collaborators a track is built with.
type Deps struct {
	Context  project.Context
	Engine   media.Engine
	Sources  *sources.Registry
	Remaps   *remap.Engine
	Listener Listener
}

// Track is safe for concurrent use. Every structural edit holds the write
// lock for its whole duration, so readers never see a half-applied edit.
type Track struct {
	mu sync.RWMutex

	id      string
	kind    Kind
	segs    []segment
	filters *effects.Stack

	locked bool
	muted  bool
	hidden bool

	// references this track holds on derivatives
	held map[remap.Key]int

	ctx      project.Context
	engine   media.Engine
	reg      *sources.Registry
	remaps   *remap.Engine
	listener Listener
	log      zerolog.Logger
}

// New creates an empty track. An empty id gets a random one.
func New(id string, kind Kind, d Deps) *Track {
	if id == "" {
		id = uuid.NewString()
	}
	if d.Listener == nil {
		d.Listener = nopListener{}
	}
	return &Track{
		id:       id,
		kind:     kind,
		filters:  effects.NewStack(d.Engine, media.Target("track:"+id)),
		held:     make(map[remap.Key]int),
		ctx:      d.Context,
		engine:   d.Engine,
		reg:      d.Sources,
		remaps:   d.Remaps,
		listener: d.Listener,
		log:      d.Context.Logger().With().Str("track", id).Str("kind", kind.String()).Logger(),
	}
}

func (t *Track) ID() string { return t.id }

func (t *Track) Kind() Kind { return t.kind }

// SetListener replaces the notification sink.
func (t *Track) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Frame converts seconds to a frame at the project rate.
func (t *Track) Frame(seconds float64) int { return frames.Frames(seconds, t.ctx.FPS()) }

// Length is the sum of all segment lengths, trailing blank included.
func (t *Track) Length() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total()
}

// ContentLength is the end frame of the last clip.
func (t *Track) ContentLength() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.content()
}

func (t *Track) Segments() []Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.segmentsIn(frames.Range{Start: 0, End: t.total()})
}

// SegmentsIn returns the segments overlapping r.
func (t *Track) SegmentsIn(r frames.Range) []Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.segmentsIn(r)
}

func (t *Track) segmentsIn(r frames.Range) []Segment {
	var out []Segment
	pos := 0
	for _, s := range t.segs {
		sr := frames.Span(pos, s.length)
		if sr.Overlaps(r) {
			seg := Segment{Range: sr}
			if s.clip != nil {
				ci := s.clip.info(pos)
				seg.Clip = &ci
			}
			out = append(out, seg)
		}
		pos += s.length
	}
	return out
}

// ClipAt returns the clip covering frame.
func (t *Track) ClipAt(frame int) (Clip, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, start := t.locate(frame)
	if idx >= len(t.segs) || t.segs[idx].clip == nil {
		return Clip{}, false
	}
	return t.segs[idx].clip.info(start), true
}

func (t *Track) ClipByID(id string) (Clip, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos := 0
	for _, s := range t.segs {
		if s.clip != nil && s.clip.id == id {
			return s.clip.info(pos), true
		}
		pos += s.length
	}
	return Clip{}, false
}

// Clips lists the clip instances in timeline order.
func (t *Track) Clips() []Clip {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Clip
	pos := 0
	for _, s := range t.segs {
		if s.clip != nil {
			out = append(out, s.clip.info(pos))
		}
		pos += s.length
	}
	return out
}

func (t *Track) Locked() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.locked
}

func (t *Track) Muted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.muted
}

func (t *Track) Hidden() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hidden
}

// Close detaches every filter and gives back the clones and derivative
// references the track holds. The track is empty afterwards.
func (t *Track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, s := range t.segs {
		if s.clip != nil {
			errs = append(errs, s.clip.filters.Clear())
		}
	}
	errs = append(errs, t.filters.Clear())
	t.segs = nil
	errs = append(errs, t.reconcile(false))
	return errors.Join(errs...)
}

func (t *Track) SetLocked(v bool) {
	t.mu.Lock()
	t.locked = v
	t.mu.Unlock()
}

// SetMuted and SetHidden change what the track outputs, so the whole
// content range is reported invalid.
func (t *Track) SetMuted(v bool) { t.setOutputFlag(&t.muted, v) }

func (t *Track) SetHidden(v bool) { t.setOutputFlag(&t.hidden, v) }

func (t *Track) setOutputFlag(flag *bool, v bool) {
	t.mu.Lock()
	changed := *flag != v
	*flag = v
	content := t.content()
	l := t.listener
	t.mu.Unlock()
	if changed && content > 0 {
		l.ClipInvalidated(t.id, frames.Span(0, content))
	}
}
