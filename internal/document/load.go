package document

import (
	"errors"
	"fmt"
	"math"

	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/media"
	"github.com/KDE/kdenlive-sub010/internal/timeline"
	"github.com/KDE/kdenlive-sub010/internal/track"
)

// Diagnostic reports one part of a document that was dropped or degraded
// while loading.
type Diagnostic struct {
	Track  string
	Clip   string
	Reason string
}

func (d Diagnostic) String() string {
	switch {
	case d.Clip != "":
		return fmt.Sprintf("track %s, clip %s: %s", d.Track, d.Clip, d.Reason)
	case d.Track != "":
		return fmt.Sprintf("track %s: %s", d.Track, d.Reason)
	default:
		return d.Reason
	}
}

// Load rebuilds doc onto tl, which should be empty. Broken parts (inverted
// crops, unknown ids, overlapping clips, bad transitions) are dropped and
// reported instead of failing the load.
func Load(tl *timeline.Timeline, doc *Document) ([]Diagnostic, error) {
	if doc == nil {
		return nil, errors.New("load: nil document")
	}
	var diags []Diagnostic
	report := func(trackID, clipID, format string, args ...any) {
		diags = append(diags, Diagnostic{Track: trackID, Clip: clipID, Reason: fmt.Sprintf(format, args...)})
	}

	if fps := tl.Context().FPS(); doc.FPS > 0 && math.Abs(doc.FPS-fps) > 1e-9 {
		report("", "", "document is at %g fps, project at %g fps; frame positions kept", doc.FPS, fps)
	}

	bin := make(map[string]*media.Source)
	for _, s := range doc.Sources {
		if s.ID == "" {
			report("", "", "source %q without id dropped", s.URL)
			continue
		}
		if _, dup := bin[s.ID]; dup {
			report("", "", "duplicate source id %s dropped", s.ID)
			continue
		}
		src, missing := s.source()
		if missing {
			report("", "", "source %s (%s) is missing", s.ID, s.URL)
		} else if err := tl.Sources().Register(src); err != nil {
			report("", "", "source %s: %v", s.ID, err)
			continue
		}
		bin[s.ID] = src
	}

	for _, td := range doc.Tracks {
		kind, err := track.ParseKind(td.Kind)
		if err != nil {
			report(td.ID, "", "%v; track dropped", err)
			continue
		}
		tr, err := tl.AddTrack(td.ID, kind, -1)
		if err != nil {
			report(td.ID, "", "%v; track dropped", err)
			continue
		}
		for _, f := range td.Effects {
			if _, _, err := tr.AddEffect(f); err != nil {
				report(tr.ID(), "", "track effect %s dropped: %v", f.Service, err)
			}
		}
		for _, cd := range sortClips(td.Clips) {
			if err := loadClip(tr, cd, bin); err != nil {
				report(tr.ID(), cd.ID, "%v", err)
			}
		}
		if err := tl.SetTrackState(tr.ID(), td.Locked, td.Muted, td.Hidden); err != nil {
			report(tr.ID(), "", "%v", err)
		}
	}

	for _, x := range doc.Transitions {
		r := frames.Range{Start: x.Start, End: x.End}
		if _, err := tl.AddTransition(x.TrackA, x.TrackB, r, x.Kind); err != nil {
			report("", "", "transition %s/%s %s dropped: %v", x.TrackA, x.TrackB, r, err)
		}
	}
	return diags, nil
}

func loadClip(tr *track.Track, cd Clip, bin map[string]*media.Source) error {
	if cd.In > cd.Out || cd.In < 0 {
		return fmt.Errorf("crop [%d,%d] inverted; clip dropped", cd.In, cd.Out)
	}
	src, ok := bin[cd.Source]
	if !ok {
		return fmt.Errorf("unknown source %q; clip dropped", cd.Source)
	}
	state, err := media.ParsePlayState(cd.State)
	if err != nil {
		return fmt.Errorf("%v; clip dropped", err)
	}
	_, _, err = tr.AddAt(cd.Position, track.AddParams{
		Source:       src,
		CropIn:       cd.In,
		CropOut:      cd.Out,
		State:        state,
		Duplicate:    cd.Duplicate,
		Speed:        cd.Speed,
		Strobe:       cd.Strobe,
		Filters:      cd.Effects,
		ID:           cd.ID,
		AllowMissing: true,
	})
	if err != nil {
		return fmt.Errorf("clip dropped: %w", err)
	}
	return nil
}

// Export captures the current state of tl. Automatic transitions are left
// out; the loader rebuilds them.
func Export(tl *timeline.Timeline) *Document {
	doc := &Document{FPS: tl.Context().FPS()}
	seen := make(map[string]bool)
	addSource := func(s *media.Source) {
		if s == nil || seen[s.ID] {
			return
		}
		seen[s.ID] = true
		doc.Sources = append(doc.Sources, Source{
			ID:      s.ID,
			URL:     s.URL,
			Service: s.Service,
			Frames:  s.Frames,
			Missing: !s.Valid,
		})
	}
	for _, s := range tl.Sources().Originals() {
		addSource(s)
	}

	for _, tr := range tl.Tracks() {
		td := Track{
			ID:      tr.ID(),
			Kind:    tr.Kind().String(),
			Locked:  tr.Locked(),
			Muted:   tr.Muted(),
			Hidden:  tr.Hidden(),
			Effects: tr.Effects(),
			Clips:   []Clip{},
		}
		for _, c := range tr.Clips() {
			addSource(c.Source)
			cd := Clip{
				ID:        c.ID,
				Source:    c.SourceID,
				Position:  c.Position,
				In:        c.CropIn,
				Out:       c.CropOut,
				State:     c.State.String(),
				Duplicate: c.Duplicate,
				Effects:   c.Filters,
			}
			if c.Speed != 1 {
				cd.Speed = c.Speed
			}
			if c.Strobe > 1 {
				cd.Strobe = c.Strobe
			}
			td.Clips = append(td.Clips, cd)
		}
		doc.Tracks = append(doc.Tracks, td)
	}

	for _, x := range tl.Transitions() {
		if x.Auto {
			continue
		}
		doc.Transitions = append(doc.Transitions, Transition{
			TrackA: x.TrackA,
			TrackB: x.TrackB,
			Start:  x.Range.Start,
			End:    x.Range.End,
			Kind:   x.Kind,
		})
	}
	return doc
}
