package timeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/jobs"
	"github.com/KDE/kdenlive-sub010/internal/media"
	"github.com/KDE/kdenlive-sub010/internal/media/wavsource"
	"github.com/KDE/kdenlive-sub010/internal/remap"
	"github.com/KDE/kdenlive-sub010/internal/track"
)

func (tl *Timeline) AddClip(trackID string, p track.AddParams) (string, *track.Delta, error) {
	t, err := tl.track(trackID)
	if err != nil {
		return "", nil, err
	}
	return t.Add(p)
}

func (tl *Timeline) ResizeClip(trackID string, pos float64, delta int, fromEnd bool) (*track.Delta, error) {
	t, err := tl.track(trackID)
	if err != nil {
		return nil, err
	}
	return t.Resize(pos, delta, fromEnd)
}

func (tl *Timeline) DeleteClip(trackID string, pos float64) (*track.Delta, error) {
	t, err := tl.track(trackID)
	if err != nil {
		return nil, err
	}
	return t.Delete(pos)
}

// LiftRange clears [pos, pos+duration) on a track without rippling.
func (tl *Timeline) LiftRange(trackID string, pos, duration float64) (*track.Delta, error) {
	t, err := tl.track(trackID)
	if err != nil {
		return nil, err
	}
	return t.Lift(pos, duration)
}

func (tl *Timeline) CutClip(trackID string, pos float64) (string, *track.Delta, error) {
	t, err := tl.track(trackID)
	if err != nil {
		return "", nil, err
	}
	return t.Cut(pos)
}

func (tl *Timeline) ChangeClipSpeed(trackID string, pos, speed float64, strobe int, state media.PlayState) (int, *track.Delta, error) {
	t, err := tl.track(trackID)
	if err != nil {
		return 0, nil, err
	}
	return t.ChangeClipSpeed(pos, speed, strobe, state)
}

// MoveClip moves the clip covering fromPos on fromTrack to toPos on
// toTrack. Within one track this is Track.Move and state is ignored. Across
// tracks the clip is taken off and re-added with the same id, crops, speed
// and filters, playing state on the destination; if the add fails the
// source track is reverted. The source track reports only once the clip is
// placed, and the clip keeps its background jobs. The deltas are returned
// in the order applied.
func (tl *Timeline) MoveClip(fromTrack string, fromPos float64, toTrack string, toPos float64, state media.PlayState, mode track.EditMode) ([]*track.Delta, error) {
	src, err := tl.track(fromTrack)
	if err != nil {
		return nil, err
	}
	if fromTrack == toTrack {
		d, err := src.Move(fromPos, toPos, mode)
		if err != nil {
			return nil, err
		}
		return []*track.Delta{d}, nil
	}
	dst, err := tl.track(toTrack)
	if err != nil {
		return nil, err
	}
	if dst.Locked() {
		return nil, fmt.Errorf("move clip to track %s: %w", toTrack, track.ErrLocked)
	}

	c, out, pending, err := src.Take(fromPos)
	if err != nil {
		return nil, err
	}
	_, in, err := dst.Add(track.AddParams{
		Position:     toPos,
		Source:       c.Source,
		CropIn:       c.CropIn,
		CropOut:      c.CropOut,
		State:        state,
		Duplicate:    c.Duplicate,
		Mode:         mode,
		Speed:        c.Speed,
		Strobe:       c.Strobe,
		Filters:      c.Filters,
		ID:           c.ID,
		AllowMissing: c.Missing,
	})
	if err != nil {
		if _, _, rerr := src.RevertHeld(out); rerr != nil {
			tl.log.Error().Err(rerr).Str("clip", c.ID).Msg("could not put clip back after failed move")
			pending.Send(nil)
			return nil, errors.Join(err, rerr)
		}
		// the clip is back where it was; nothing to report
		return nil, err
	}
	pending.Send(tl.placed)
	return []*track.Delta{out, in}, nil
}

// ReplaceSource swaps the bin original of sourceID for src (reload or
// reconnect) and rebinds every clip of every track to it. Derivatives of the
// old URL are dropped from the cache; derivatives may carry prebuilt ones
// for the new source. Locked tracks are rebound too and stay locked
// throughout. The registry keeps src itself, so src.ID is set to sourceID.
func (tl *Timeline) ReplaceSource(sourceID string, src *media.Source, derivatives map[remap.Key]*media.Source) (int, []*track.Delta, error) {
	if src == nil {
		return 0, nil, fmt.Errorf("replace %s: nil source: %w", sourceID, track.ErrInvalidSource)
	}
	if old, ok := tl.reg.Original(sourceID); ok {
		if _, err := tl.reg.Replace(sourceID, src); err != nil {
			return 0, nil, err
		}
		tl.remaps.InvalidateURL(remap.KeyFor(old, 1, 1, media.Original).URL)
	} else {
		src.ID = sourceID
		if err := tl.reg.Register(src); err != nil {
			return 0, nil, err
		}
	}

	total := 0
	var deltas []*track.Delta
	var errs []error
	for _, t := range tl.Tracks() {
		n, d, err := t.ReplaceAll(sourceID, src, derivatives)
		if err != nil {
			errs = append(errs, fmt.Errorf("track %s: %w", t.ID(), err))
			continue
		}
		if n > 0 {
			total += n
			deltas = append(deltas, d)
		}
	}
	tl.log.Info().Str("source", sourceID).Int("clips", total).Msg("source replaced on timeline")
	return total, deltas, errors.Join(errs...)
}

// RequestLevels queues an audio levels job for the clip covering frame.
// The clip is read under the track lock; done runs on a worker with the
// result. The job is keyed by clip id, so removing the clip cancels it.
func (tl *Timeline) RequestLevels(trackID string, frame, samplesPerPixel int, done func(*jobs.Levels, error)) error {
	t, err := tl.track(trackID)
	if err != nil {
		return err
	}
	c, ok := t.ClipAt(frame)
	if !ok {
		return fmt.Errorf("levels at %d on track %s: %w", frame, trackID, track.ErrNoClip)
	}
	if c.Missing || c.URL == "" {
		return fmt.Errorf("levels of clip %s: %w", c.ID, track.ErrInvalidSource)
	}
	// crops of a retimed clip count derivative frames
	speed := c.Speed
	if speed == 0 {
		speed = 1
	}
	r := frames.Range{
		Start: int(math.Round(float64(c.CropIn) * speed)),
		End:   int(math.Round(float64(c.CropOut+1) * speed)),
	}
	path, fps := wavsource.LocalPath(c.URL), tl.ctx.FPS()
	tl.ctx.Submit(c.ID, func(cancelled func() bool) error {
		lv, err := jobs.ComputeLevels(path, r, fps, samplesPerPixel, cancelled)
		if done != nil {
			done(lv, err)
		}
		return err
	})
	return nil
}
