// Package timeline composes tracks and the transitions between them into
// one project, and routes track notifications to observers, the preview
// cache and the job runner.
package timeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/KDE/kdenlive-sub010/internal/effects"
	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/media"
	"github.com/KDE/kdenlive-sub010/internal/project"
	"github.com/KDE/kdenlive-sub010/internal/remap"
	"github.com/KDE/kdenlive-sub010/internal/sources"
	"github.com/KDE/kdenlive-sub010/internal/track"
)

var (
	ErrNoTrack    = errors.New("no such track")
	ErrTrackID    = errors.New("track id already in use")
	ErrTransition = errors.New("transition does not fit its tracks")
)

// Observer receives the change notifications of every track.
type Observer interface {
	OnTrackLengthChanged(trackID string, length int)
	OnClipInvalidated(trackID string, r frames.Range)
}

// PreviewInvalidator drops pre-rendered preview chunks overlapping r.
type PreviewInvalidator interface {
	Invalidate(trackID string, r frames.Range) (int, error)
}

type Deps struct {
	Context project.Context
	Engine  media.Engine
	// Sources and Remaps are created when nil.
	Sources *sources.Registry
	Remaps  *remap.Engine
	Preview PreviewInvalidator
}

// Timeline is safe for concurrent use. Its own lock only guards the track
// order and the transition list; clip edits lock the track they touch.
type Timeline struct {
	mu          sync.RWMutex
	tracks      []*track.Track
	transitions []Transition

	obsMu     sync.RWMutex
	observers []Observer
	preview   PreviewInvalidator

	ctx    project.Context
	engine media.Engine
	reg    *sources.Registry
	remaps *remap.Engine
	log    zerolog.Logger
}

func New(d Deps) *Timeline {
	log := d.Context.Logger().With().Str("component", "timeline").Logger()
	if d.Sources == nil {
		d.Sources = sources.NewRegistry(d.Engine, log)
	}
	if d.Remaps == nil {
		d.Remaps = remap.New(d.Engine, log)
	}
	return &Timeline{
		preview: d.Preview,
		ctx:     d.Context,
		engine:  d.Engine,
		reg:     d.Sources,
		remaps:  d.Remaps,
		log:     log,
	}
}

func (tl *Timeline) Context() project.Context { return tl.ctx }

func (tl *Timeline) Sources() *sources.Registry { return tl.reg }

func (tl *Timeline) Remaps() *remap.Engine { return tl.remaps }

// Subscribe adds an observer. Observers are called outside any track lock,
// in subscription order.
func (tl *Timeline) Subscribe(o Observer) {
	tl.obsMu.Lock()
	tl.observers = append(tl.observers, o)
	tl.obsMu.Unlock()
}

// SetPreview replaces the preview cache collaborator.
func (tl *Timeline) SetPreview(p PreviewInvalidator) {
	tl.obsMu.Lock()
	tl.preview = p
	tl.obsMu.Unlock()
}

// AddTrack creates a track at index (appended when index is out of range)
// and returns it. Index 0 is the bottom of the stack.
func (tl *Timeline) AddTrack(id string, kind track.Kind, index int) (*track.Track, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if id != "" && tl.indexLocked(id) >= 0 {
		return nil, fmt.Errorf("add track %s: %w", id, ErrTrackID)
	}
	tr := track.New(id, kind, track.Deps{
		Context:  tl.ctx,
		Engine:   tl.engine,
		Sources:  tl.reg,
		Remaps:   tl.remaps,
		Listener: listener{tl},
	})
	if index < 0 || index >= len(tl.tracks) {
		tl.tracks = append(tl.tracks, tr)
	} else {
		tl.tracks = append(tl.tracks[:index], append([]*track.Track{tr}, tl.tracks[index:]...)...)
	}
	tl.log.Debug().Str("track", tr.ID()).Str("kind", kind.String()).Int("count", len(tl.tracks)).Msg("track added")
	if kind == track.Video {
		tl.rebuildLocked()
	}
	return tr, nil
}

// RemoveTrack drops a track, its clips and every transition that uses it.
// Background jobs of its clips are cancelled.
func (tl *Timeline) RemoveTrack(id string) error {
	tl.mu.Lock()
	i := tl.indexLocked(id)
	if i < 0 {
		tl.mu.Unlock()
		return fmt.Errorf("remove track %s: %w", id, ErrNoTrack)
	}
	tr := tl.tracks[i]
	tl.tracks = append(tl.tracks[:i], tl.tracks[i+1:]...)
	tl.rebuildLocked()
	tl.mu.Unlock()

	clips := tr.Clips()
	err := tr.Close()
	for _, c := range clips {
		tl.ctx.Cancel(c.ID)
	}
	if err != nil {
		tl.log.Warn().Err(err).Str("track", id).Msg("track closed with errors")
	}
	return nil
}

// MoveTrack changes the stacking position of a track.
func (tl *Timeline) MoveTrack(id string, index int) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	i := tl.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("move track %s: %w", id, ErrNoTrack)
	}
	tr := tl.tracks[i]
	rest := append(tl.tracks[:i:i], tl.tracks[i+1:]...)
	if index < 0 || index > len(rest) {
		index = len(rest)
	}
	tl.tracks = append(rest[:index:index], append([]*track.Track{tr}, rest[index:]...)...)
	tl.rebuildLocked()
	return nil
}

func (tl *Timeline) indexLocked(id string) int {
	for i, t := range tl.tracks {
		if t.ID() == id {
			return i
		}
	}
	return -1
}

func (tl *Timeline) Track(id string) (*track.Track, bool) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	if i := tl.indexLocked(id); i >= 0 {
		return tl.tracks[i], true
	}
	return nil, false
}

func (tl *Timeline) track(id string) (*track.Track, error) {
	if t, ok := tl.Track(id); ok {
		return t, nil
	}
	return nil, fmt.Errorf("track %s: %w", id, ErrNoTrack)
}

// Tracks returns the tracks bottom to top.
func (tl *Timeline) Tracks() []*track.Track {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return append([]*track.Track(nil), tl.tracks...)
}

func (tl *Timeline) TrackCount() int {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return len(tl.tracks)
}

// SetTrackState sets the lock, mute and hide flags of a track. Hiding or
// showing a video track rebuilds the transitions.
func (tl *Timeline) SetTrackState(id string, locked, muted, hidden bool) error {
	t, err := tl.track(id)
	if err != nil {
		return err
	}
	wasHidden := t.Hidden()
	t.SetLocked(locked)
	t.SetMuted(muted)
	t.SetHidden(hidden)
	if t.Kind() == track.Video && wasHidden != hidden {
		tl.RebuildTransitions()
	}
	return nil
}

// EffectiveDuration is the end of the furthest clip on any track.
func (tl *Timeline) EffectiveDuration() int {
	n := 0
	for _, t := range tl.Tracks() {
		n = max(n, t.ContentLength())
	}
	return n
}

func (tl *Timeline) SegmentsAt(trackID string, r frames.Range) ([]track.Segment, error) {
	t, err := tl.track(trackID)
	if err != nil {
		return nil, err
	}
	return t.SegmentsIn(r), nil
}

func (tl *Timeline) ClipAt(trackID string, frame int) (track.Clip, bool) {
	t, ok := tl.Track(trackID)
	if !ok {
		return track.Clip{}, false
	}
	return t.ClipAt(frame)
}

// Revert undoes deltas, last first. Each delta goes back to the track that
// produced it. Notifications are sent once every delta is reverted, so a
// clip moving back across tracks is not reported removed.
func (tl *Timeline) Revert(deltas ...*track.Delta) error {
	ordered := make([]*track.Delta, 0, len(deltas))
	for i := len(deltas) - 1; i >= 0; i-- {
		ordered = append(ordered, deltas[i])
	}
	return tl.restore(ordered, (*track.Track).RevertHeld)
}

// Apply redoes deltas in order.
func (tl *Timeline) Apply(deltas ...*track.Delta) error {
	return tl.restore(deltas, (*track.Track).ApplyHeld)
}

func (tl *Timeline) restore(deltas []*track.Delta, step func(*track.Track, *track.Delta) (*track.Delta, *track.Pending, error)) error {
	var held []*track.Pending
	defer func() {
		for _, p := range held {
			p.Send(tl.placed)
		}
	}()
	for _, d := range deltas {
		if d == nil {
			continue
		}
		t, err := tl.track(d.TrackID)
		if err != nil {
			return err
		}
		_, p, err := step(t, d)
		if err != nil {
			return err
		}
		held = append(held, p)
	}
	return nil
}

// placed reports whether a clip with id sits on any track.
func (tl *Timeline) placed(clipID string) bool {
	for _, t := range tl.Tracks() {
		if _, ok := t.ClipByID(clipID); ok {
			return true
		}
	}
	return false
}

func (tl *Timeline) AddTrackEffect(trackID string, f effects.Filter) (int, *track.Delta, error) {
	t, err := tl.track(trackID)
	if err != nil {
		return 0, nil, err
	}
	return t.AddEffect(f)
}

func (tl *Timeline) RemoveTrackEffect(trackID string, index int) (*track.Delta, error) {
	t, err := tl.track(trackID)
	if err != nil {
		return nil, err
	}
	return t.RemoveEffect(index)
}

// listener adapts track notifications to the timeline.
type listener struct{ tl *Timeline }

func (l listener) TrackLengthChanged(trackID string, length int) {
	tl := l.tl
	tl.RebuildTransitions()
	tl.obsMu.RLock()
	obs := append([]Observer(nil), tl.observers...)
	tl.obsMu.RUnlock()
	for _, o := range obs {
		o.OnTrackLengthChanged(trackID, length)
	}
}

func (l listener) ClipInvalidated(trackID string, r frames.Range) {
	tl := l.tl
	tl.obsMu.RLock()
	obs := append([]Observer(nil), tl.observers...)
	preview := tl.preview
	tl.obsMu.RUnlock()

	if preview != nil {
		if t, ok := tl.Track(trackID); ok && t.Kind() == track.Video {
			if n, err := preview.Invalidate(trackID, r); err != nil {
				tl.log.Warn().Err(err).Str("track", trackID).Str("range", r.String()).Msg("preview invalidation failed")
			} else if n > 0 {
				tl.log.Debug().Str("track", trackID).Str("range", r.String()).Int("chunks", n).Msg("preview invalidated")
			}
		}
	}
	for _, o := range obs {
		o.OnClipInvalidated(trackID, r)
	}
}

func (l listener) ClipRemoved(_, clipID string) {
	l.tl.ctx.Cancel(clipID)
}
