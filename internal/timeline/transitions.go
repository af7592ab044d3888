package timeline

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/track"
)

// Transition composites the output of TrackB over TrackA during Range.
// Auto transitions are owned by RebuildTransitions.
type Transition struct {
	ID     string
	TrackA string
	TrackB string
	Range  frames.Range
	Kind   string
	Auto   bool
}

// AddTransition adds an explicit transition and returns its id. An empty
// kind uses the project default. The range must lie within both tracks.
func (tl *Timeline) AddTransition(trackA, trackB string, r frames.Range, kind string) (string, error) {
	if kind == "" {
		kind = tl.ctx.DefaultTransition()
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tr := Transition{ID: uuid.NewString(), TrackA: trackA, TrackB: trackB, Range: r, Kind: kind}
	if err := tl.fitsLocked(tr); err != nil {
		return "", err
	}
	// an explicit transition replaces the automatic one of the same pair
	kept := tl.transitions[:0]
	for _, x := range tl.transitions {
		if x.Auto && samePair(x, tr) {
			continue
		}
		kept = append(kept, x)
	}
	tl.transitions = append(kept, tr)
	tl.log.Debug().Str("a", trackA).Str("b", trackB).Str("range", r.String()).Str("kind", kind).Msg("transition added")
	return tr.ID, nil
}

// RemoveTransition drops a transition. Removing the explicit transition of
// an adjacent video pair brings its automatic one back.
func (tl *Timeline) RemoveTransition(id string) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for i, x := range tl.transitions {
		if x.ID == id {
			tl.transitions = append(tl.transitions[:i], tl.transitions[i+1:]...)
			tl.rebuildLocked()
			return nil
		}
	}
	return fmt.Errorf("transition %s: %w", id, ErrTransition)
}

func (tl *Timeline) Transitions() []Transition {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return append([]Transition(nil), tl.transitions...)
}

// RebuildTransitions drops transitions whose tracks are gone or whose range
// no longer fits, then gives every adjacent pair of visible video tracks
// an automatic transition unless it already has an explicit one.
func (tl *Timeline) RebuildTransitions() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.rebuildLocked()
}

func (tl *Timeline) rebuildLocked() {
	var kept []Transition
	for _, x := range tl.transitions {
		if x.Auto {
			continue
		}
		if err := tl.fitsLocked(x); err != nil {
			tl.log.Info().Err(err).Str("transition", x.ID).Msg("transition dropped")
			continue
		}
		kept = append(kept, x)
	}

	var video []*track.Track
	for _, t := range tl.tracks {
		if t.Kind() == track.Video && !t.Hidden() {
			video = append(video, t)
		}
	}
	for i := 1; i < len(video); i++ {
		a, b := video[i-1], video[i]
		auto := Transition{
			ID:     "auto:" + a.ID() + ":" + b.ID(),
			TrackA: a.ID(),
			TrackB: b.ID(),
			Range:  frames.Span(0, min(a.Length(), b.Length())),
			Kind:   tl.ctx.DefaultTransition(),
			Auto:   true,
		}
		if auto.Range.Empty() {
			continue
		}
		explicit := false
		for _, x := range kept {
			if samePair(x, auto) {
				explicit = true
				break
			}
		}
		if !explicit {
			kept = append(kept, auto)
		}
	}
	tl.transitions = kept
}

// fitsLocked checks the transition invariants against the current tracks.
func (tl *Timeline) fitsLocked(x Transition) error {
	if x.TrackA == x.TrackB {
		return fmt.Errorf("transition on track %s with itself: %w", x.TrackA, ErrTransition)
	}
	if x.Range.Empty() || x.Range.Start < 0 {
		return fmt.Errorf("transition range %s: %w", x.Range, ErrTransition)
	}
	for _, id := range []string{x.TrackA, x.TrackB} {
		i := tl.indexLocked(id)
		if i < 0 {
			return fmt.Errorf("transition track %s: %w", id, ErrNoTrack)
		}
		if n := tl.tracks[i].Length(); x.Range.End > n {
			return fmt.Errorf("transition range %s past end %d of track %s: %w", x.Range, n, id, ErrTransition)
		}
	}
	return nil
}

func samePair(x, y Transition) bool {
	return (x.TrackA == y.TrackA && x.TrackB == y.TrackB) || (x.TrackA == y.TrackB && x.TrackB == y.TrackA)
}
