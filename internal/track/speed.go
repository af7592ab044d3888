package track

import (
	"fmt"
	"math"

	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/media"
	"github.com/KDE/kdenlive-sub010/internal/remap"
	"github.com/KDE/kdenlive-sub010/internal/sources"
)

// MinClipFrames is the shortest clip a speed change may leave behind.
const MinClipFrames = 2

// ChangeClipSpeed retimes the clip covering pos and returns its new length.
// The new duration is round(duration at speed 1 / speed), clipped to the
// blank the clip may grow into. Strobe holds frames and does not change the
// duration. The clip keeps its id and filters.
func (t *Track) ChangeClipSpeed(pos, speed float64, strobe int, state media.PlayState) (int, *Delta, error) {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return 0, nil, fmt.Errorf("speed %v: %w", speed, ErrInvariant)
	}
	if strobe < 1 {
		strobe = 1
	}
	frame := t.Frame(pos)
	newLen := 0
	d, err := t.mutate("speed", func(ev *events) error {
		idx, start, err := t.clipIndex(frame)
		if err != nil {
			return err
		}
		c := t.segs[idx].clip
		if c.missing {
			return fmt.Errorf("retime clip %s: %w", c.id, ErrInvalidSource)
		}
		old := frames.Span(start, c.length())

		baseIn := int(math.Round(float64(c.in) * c.speed))
		baseLen := int(math.Round(float64(c.length()) * c.speed))
		ideal := int(math.Round(float64(baseLen) / speed))
		in := int(math.Round(float64(baseIn) / speed))

		limit := c.src.Frames
		if key := remap.NewKey("", speed, strobe, state); !key.Identity() {
			dv, key, err := t.remaps.Acquire(c.src, speed, strobe, state)
			if err != nil {
				return fmt.Errorf("retime clip %s: %w", c.id, err)
			}
			t.held[key]++
			limit = dv.Frames
		}

		t.segs[idx] = segment{length: c.length()}
		t.normalize()

		avail := math.MaxInt
		if bi, bstart := t.locate(start); bi < len(t.segs)-1 {
			avail = bstart + t.segs[bi].length - start
		}
		n := min(ideal, avail)
		if limit > 0 {
			if in > limit-1 {
				in = limit - 1
			}
			n = min(n, limit-in)
		}
		if n < MinClipFrames {
			return fmt.Errorf("retime clip %s to %d frames (room %d): %w", c.id, n, avail, ErrNoRoom)
		}

		c.in, c.out = in, in+n-1
		c.speed, c.strobe, c.state = speed, strobe, state
		if err := t.place(start, c, Overwrite); err != nil {
			return err
		}
		if err := c.filters.Rebound(n); err != nil {
			return err
		}
		newLen = n
		ev.invalidate(old)
		ev.invalidate(frames.Span(start, n))
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return newLen, d, nil
}

// ReplaceAll rebinds every clip that plays sourceID to src, after the bin
// reloaded or reconnected it. A clip matches by one of three rules,
// depending on its binding: a direct or retimed clip by its source id, a
// cloned clip by the clone key of this track. derivatives may carry
// prebuilt derivatives of src; other derivatives are rebuilt on demand. It
// returns the number of clips rebound. Locked tracks are rebound too.
func (t *Track) ReplaceAll(sourceID string, src *media.Source, derivatives map[remap.Key]*media.Source) (int, *Delta, error) {
	if src == nil {
		return 0, nil, fmt.Errorf("replace %s: nil source: %w", sourceID, ErrInvalidSource)
	}
	count := 0
	// a reload changes what clips play, not the edit, so locks do not apply
	d, n, err := t.edit("replace", true, func(ev *events) error {
		if orig, ok := t.reg.Original(sourceID); ok && orig != src {
			if _, err := t.reg.Replace(sourceID, src); err != nil {
				return err
			}
		}

		pos := 0
		for _, s := range t.segs {
			c := s.clip
			start := pos
			pos += s.length
			if c == nil {
				continue
			}
			var match bool
			switch c.binding {
			case sources.Direct:
				match = c.src != nil && c.src.ID == sourceID
			case sources.Cloned:
				match = c.cloneKey.SourceID == sourceID && c.cloneKey.TrackID == t.id
			case sources.Derivative:
				// derivatives of another bin entry may share the URL
				match = c.src != nil && c.src.ID == sourceID
			}
			if !match {
				continue
			}
			if c.binding == sources.Derivative {
				for ; t.held[c.remapKey] > 0; t.held[c.remapKey]-- {
					t.remaps.Release(c.remapKey)
				}
				nk := remap.KeyFor(src, c.speed, c.strobe, c.state)
				if dv, ok := derivatives[nk]; ok {
					t.remaps.Install(nk, dv)
				}
			}
			c.src = src
			if err := c.filters.Restore(c.filters.Snapshot()); err != nil {
				return err
			}
			ev.invalidate(frames.Span(start, s.length))
			count++
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	n.send(nil)
	return count, d, nil
}
