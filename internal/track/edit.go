package track

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/KDE/kdenlive-sub010/internal/effects"
	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/media"
)

// AddParams describes a clip to place. Position is in seconds; crops are
// inclusive frame offsets into the source (into the derivative when Speed
// is not 1).
type AddParams struct {
	Position  float64
	Source    *media.Source
	CropIn    int
	CropOut   int
	State     media.PlayState
	Duplicate bool
	Mode      EditMode

	// Optional. Speed 0 means 1.
	Speed   float64
	Strobe  int
	Filters []effects.Filter
	ID      string
	// AllowMissing places a clip whose source cannot be resolved; it is
	// marked missing instead of being rejected.
	AllowMissing bool
}

// Add places a new clip instance and returns its id.
func (t *Track) Add(p AddParams) (string, *Delta, error) {
	return t.AddAt(t.Frame(p.Position), p)
}

// AddAt is Add with the position given as a frame; p.Position is ignored.
func (t *Track) AddAt(frame int, p AddParams) (string, *Delta, error) {
	if p.Source == nil {
		err := fmt.Errorf("add on track %s: nil source: %w", t.id, ErrInvalidSource)
		t.logReject("add", err)
		return "", nil, err
	}
	if !p.Source.Valid && !p.AllowMissing {
		err := fmt.Errorf("add %s on track %s: %w", p.Source, t.id, ErrInvalidSource)
		t.logReject("add", err)
		return "", nil, err
	}
	speed := p.Speed
	if speed == 0 {
		speed = 1
	}
	if speed < 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return "", nil, fmt.Errorf("add: speed %v: %w", p.Speed, ErrInvariant)
	}
	strobe := p.Strobe
	if strobe < 1 {
		strobe = 1
	}
	if p.CropIn < 0 || p.CropOut < p.CropIn {
		err := fmt.Errorf("add: crop [%d,%d]: %w", p.CropIn, p.CropOut, ErrInvariant)
		t.logReject("add", err)
		return "", nil, err
	}
	if limit := sourceFrames(p.Source, speed); limit > 0 && p.CropOut >= limit {
		err := fmt.Errorf("add: crop out %d past source end %d: %w", p.CropOut, limit, ErrInvariant)
		t.logReject("add", err)
		return "", nil, err
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &clip{
		id:        id,
		src:       p.Source,
		in:        p.CropIn,
		out:       p.CropOut,
		state:     p.State,
		speed:     speed,
		strobe:    strobe,
		duplicate: p.Duplicate,
		filters:   effects.NewStack(t.engine, media.Target(id)),
	}

	d, err := t.mutate("add", func(ev *events) error {
		if _, dup := t.clipsByID()[id]; dup {
			return fmt.Errorf("clip id %s already on track %s: %w", id, t.id, ErrInvariant)
		}
		if err := t.place(frame, c, p.Mode); err != nil {
			return err
		}
		if len(p.Filters) > 0 {
			if err := c.filters.Restore(p.Filters); err != nil {
				return err
			}
			if err := c.filters.Rebound(c.length()); err != nil {
				return err
			}
		}
		if p.Mode == Insert {
			ev.invalidate(frames.Range{Start: frame, End: t.total()})
		} else {
			ev.invalidate(frames.Span(frame, c.length()))
		}
		return nil
	})
	if err != nil {
		// the stack never reached the layout, drop what Restore attached
		_ = c.filters.Clear()
		return "", nil, err
	}
	return id, d, nil
}

// sourceFrames is how many frames src offers at speed; 0 when unknown.
func sourceFrames(src *media.Source, speed float64) int {
	if src == nil || src.Frames <= 0 {
		return 0
	}
	if speed == 1 {
		return src.Frames
	}
	return int(math.Round(float64(src.Frames) / speed))
}

// Move relocates the clip covering oldPos so that it starts at newPos.
func (t *Track) Move(oldPos, newPos float64, mode EditMode) (*Delta, error) {
	from, to := t.Frame(oldPos), t.Frame(newPos)
	return t.mutate("move", func(ev *events) error {
		idx, start, err := t.clipIndex(from)
		if err != nil {
			return err
		}
		c := t.segs[idx].clip
		n := c.length()
		t.segs[idx] = segment{length: n}
		t.normalize()
		if err := t.place(to, c, mode); err != nil {
			return err
		}
		ev.invalidate(frames.Span(start, n))
		if mode == Insert {
			ev.invalidate(frames.Range{Start: to, End: t.total()})
		} else {
			ev.invalidate(frames.Span(to, n))
		}
		return nil
	})
}

// canCrop reports whether c may play [in, out] of its handle.
func (t *Track) canCrop(c *clip, in, out int) bool {
	if in < 0 || out < in {
		return false
	}
	if c.missing || c.handle == nil {
		limit := sourceFrames(c.src, c.speed)
		return limit <= 0 || out < limit
	}
	return t.engine.Resize(c.handle, in, out)
}

// Resize grows (delta > 0) or shrinks the clip covering pos by delta frames
// at its tail (fromEnd) or head. The neighbouring blank absorbs the change;
// a tail clip moves the end of the track.
func (t *Track) Resize(pos float64, delta int, fromEnd bool) (*Delta, error) {
	frame := t.Frame(pos)
	return t.mutate("resize", func(ev *events) error {
		idx, start, err := t.clipIndex(frame)
		if err != nil {
			return err
		}
		c := t.segs[idx].clip
		n := c.length()
		if delta == 0 {
			return nil
		}

		if fromEnd {
			out := c.out + delta
			if !t.canCrop(c, c.in, out) {
				return fmt.Errorf("resize clip %s tail to %d: %w", c.id, out, ErrInvariant)
			}
			last := idx == len(t.segs)-1
			switch {
			case delta > 0 && !last:
				next := &t.segs[idx+1]
				if next.clip != nil {
					return fmt.Errorf("resize clip %s: next clip %s in the way: %w", c.id, next.clip.id, ErrInvariant)
				}
				if next.length < delta && idx+1 != len(t.segs)-1 {
					return fmt.Errorf("resize clip %s by %d: only %d free: %w", c.id, delta, next.length, ErrInvariant)
				}
				next.length -= delta
			case delta < 0 && !last:
				if next := &t.segs[idx+1]; next.clip == nil {
					next.length -= delta
				} else {
					t.insertSegments(idx+1, segment{length: -delta})
				}
			}
			c.out = out
			t.segs[idx].length = c.length()
			ev.invalidate(frames.Span(start, max(n, c.length())))
		} else {
			in := c.in - delta
			if !t.canCrop(c, in, c.out) {
				return fmt.Errorf("resize clip %s head to %d: %w", c.id, in, ErrInvariant)
			}
			if delta > 0 {
				if idx == 0 || t.segs[idx-1].clip != nil || t.segs[idx-1].length < delta {
					return fmt.Errorf("resize clip %s head by %d: no room before it: %w", c.id, delta, ErrInvariant)
				}
				t.segs[idx-1].length -= delta
			} else if idx > 0 && t.segs[idx-1].clip == nil {
				t.segs[idx-1].length -= delta
			} else {
				t.insertSegments(idx, segment{length: -delta})
				idx++
			}
			c.in = in
			t.segs[idx].length = c.length()
			ev.invalidate(frames.Range{Start: start - max(delta, 0), End: start + n})
		}
		t.normalize()
		return c.filters.Rebound(c.length())
	})
}

// Delete replaces the clip covering pos with a blank.
func (t *Track) Delete(pos float64) (*Delta, error) {
	_, d, err := t.Extract(pos)
	return d, err
}

// Extract is Delete that also returns the removed clip, filters included,
// so it can be re-added elsewhere.
func (t *Track) Extract(pos float64) (Clip, *Delta, error) {
	c, d, p, err := t.Take(pos)
	if err != nil {
		return Clip{}, nil, err
	}
	p.Send(nil)
	return c, d, nil
}

// Take is Extract with its notifications held back. A cross-track move
// sends them once the clip is placed on its new track, so the clip is
// never reported removed while it lives on.
func (t *Track) Take(pos float64) (Clip, *Delta, *Pending, error) {
	frame := t.Frame(pos)
	var removed Clip
	d, n, err := t.edit("delete", false, func(ev *events) error {
		idx, start, err := t.clipIndex(frame)
		if err != nil {
			return err
		}
		c := t.segs[idx].clip
		removed = c.info(start)
		t.segs[idx] = segment{length: c.length()}
		t.normalize()
		ev.invalidate(frames.Span(start, c.length()))
		return nil
	})
	if err != nil {
		return Clip{}, nil, nil, err
	}
	return removed, d, &Pending{n: n}, nil
}

// Lift clears [pos, pos+duration) without rippling. Clips crossing the
// region edges are cut there; everything inside becomes one blank.
func (t *Track) Lift(pos, duration float64) (*Delta, error) {
	start := t.Frame(pos)
	n := t.Frame(duration)
	return t.mutate("lift", func(ev *events) error {
		if start < 0 || n <= 0 {
			return fmt.Errorf("lift %d+%d: %w", start, n, ErrInvariant)
		}
		end := min(start+n, t.total())
		if start >= end {
			return fmt.Errorf("lift at %d past track end %d: %w", start, t.total(), ErrNoClip)
		}
		if err := t.splitAt(start); err != nil {
			return err
		}
		if err := t.splitAt(end); err != nil {
			return err
		}
		i0, _ := t.locate(start)
		i1, _ := t.locate(end)
		for _, s := range t.segs[i0:i1] {
			// halves cut off above never reach the removed-clip cleanup
			if s.clip != nil {
				if err := s.clip.filters.Clear(); err != nil {
					return err
				}
			}
		}
		tail := append([]segment(nil), t.segs[i1:]...)
		t.segs = append(append(t.segs[:i0], segment{length: end - start}), tail...)
		t.normalize()
		ev.invalidate(frames.Range{Start: start, End: end})
		return nil
	})
}

// Cut splits the clip covering pos into two clips on the same source and
// returns the id of the second one.
func (t *Track) Cut(pos float64) (string, *Delta, error) {
	frame := t.Frame(pos)
	var second string
	d, err := t.mutate("cut", func(ev *events) error {
		idx, start, err := t.clipIndex(frame)
		if err != nil {
			return err
		}
		if frame == start {
			return fmt.Errorf("cut at the first frame of clip %s: %w", t.segs[idx].clip.id, ErrInvariant)
		}
		c, err := t.cutAt(idx, frame-start)
		if err != nil {
			return err
		}
		second = c.id
		ev.invalidate(t.spanOf(idx))
		ev.invalidate(t.spanOf(idx + 1))
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return second, d, nil
}
