package track

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/KDE/kdenlive-sub010/internal/effects"
	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/media"
)

// The helpers below assume the caller holds t.mu for writing (or reading for
// the pure lookups).

func (t *Track) total() int {
	n := 0
	for _, s := range t.segs {
		n += s.length
	}
	return n
}

func (t *Track) content() int {
	end, pos := 0, 0
	for _, s := range t.segs {
		pos += s.length
		if s.clip != nil {
			end = pos
		}
	}
	return end
}

// locate returns the segment covering frame and its start. Frames at or past
// the end map to len(t.segs).
func (t *Track) locate(frame int) (idx, start int) {
	pos := 0
	for i, s := range t.segs {
		if frame >= pos && frame < pos+s.length {
			return i, pos
		}
		pos += s.length
	}
	return len(t.segs), pos
}

func (t *Track) startOf(idx int) int {
	pos := 0
	for i := 0; i < idx && i < len(t.segs); i++ {
		pos += t.segs[i].length
	}
	return pos
}

// clipIndex finds the clip occupying frame.
func (t *Track) clipIndex(frame int) (int, int, error) {
	idx, start := t.locate(frame)
	if frame < 0 || idx >= len(t.segs) || t.segs[idx].clip == nil {
		return 0, 0, fmt.Errorf("frame %d on track %s: %w", frame, t.id, ErrNoClip)
	}
	return idx, start, nil
}

// normalize drops empty segments and merges neighbouring blanks.
func (t *Track) normalize() {
	out := t.segs[:0]
	for _, s := range t.segs {
		if s.length <= 0 {
			continue
		}
		if n := len(out); n > 0 && s.clip == nil && out[n-1].clip == nil {
			out[n-1].length += s.length
			continue
		}
		out = append(out, s)
	}
	for i := len(out); i < len(t.segs); i++ {
		t.segs[i] = segment{}
	}
	t.segs = out
}

func (t *Track) insertSegments(idx int, segs ...segment) {
	tail := append([]segment(nil), t.segs[idx:]...)
	t.segs = append(append(t.segs[:idx], segs...), tail...)
}

// checkLayout verifies the layout invariants. It runs after every edit; a
// failure means a bug in this package, and the edit is rolled back.
func (t *Track) checkLayout() error {
	seen := make(map[string]bool)
	for i, s := range t.segs {
		if s.length <= 0 {
			return fmt.Errorf("segment %d has length %d: %w", i, s.length, ErrInvariant)
		}
		if i > 0 && s.clip == nil && t.segs[i-1].clip == nil {
			return fmt.Errorf("segments %d and %d are both blank: %w", i-1, i, ErrInvariant)
		}
		if s.clip == nil {
			continue
		}
		if s.clip.in < 0 || s.clip.out < s.clip.in || s.clip.length() != s.length {
			return fmt.Errorf("clip %s crop [%d,%d] does not fill %d frames: %w", s.clip.id, s.clip.in, s.clip.out, s.length, ErrInvariant)
		}
		if seen[s.clip.id] {
			return fmt.Errorf("clip %s placed twice: %w", s.clip.id, ErrInvariant)
		}
		seen[s.clip.id] = true
	}
	return nil
}

// place puts c with its start at pos.
func (t *Track) place(pos int, c *clip, mode EditMode) error {
	if pos < 0 {
		return fmt.Errorf("position %d: %w", pos, ErrInvariant)
	}
	n := c.length()
	total := t.total()
	if pos >= total {
		if pos > total {
			t.segs = append(t.segs, segment{length: pos - total})
		}
		t.segs = append(t.segs, segment{length: n, clip: c})
		t.normalize()
		return nil
	}

	if mode == Insert {
		if err := t.splitAt(pos); err != nil {
			return err
		}
		idx, _ := t.locate(pos)
		t.insertSegments(idx, segment{length: n, clip: c})
		t.normalize()
		return nil
	}

	idx, start := t.locate(pos)
	s := t.segs[idx]
	if s.clip != nil {
		return fmt.Errorf("frame %d is occupied by clip %s: %w", pos, s.clip.id, ErrInvariant)
	}
	avail := start + s.length - pos
	tail := idx == len(t.segs)-1
	if avail < n && !tail {
		return fmt.Errorf("blank at %d holds %d frames, clip needs %d: %w", pos, avail, n, ErrInvariant)
	}
	after := avail - n
	if after < 0 {
		after = 0
	}
	t.segs[idx] = segment{length: pos - start}
	t.insertSegments(idx+1, segment{length: n, clip: c}, segment{length: after})
	t.normalize()
	return nil
}

// splitAt makes frame a segment boundary, cutting a clip that spans it.
func (t *Track) splitAt(frame int) error {
	idx, start := t.locate(frame)
	if idx >= len(t.segs) || frame == start {
		return nil
	}
	s := t.segs[idx]
	offset := frame - start
	if s.clip == nil {
		t.segs[idx].length = offset
		t.insertSegments(idx+1, segment{length: s.length - offset})
		return nil
	}
	_, err := t.cutAt(idx, offset)
	return err
}

// cutAt splits the clip of segment idx after offset frames and returns the
// second half. Sync filters are re-bounded to each half; other filter
// windows keep their place on the timeline.
func (t *Track) cutAt(idx, offset int) (*clip, error) {
	c := t.segs[idx].clip
	n := c.length()
	if offset <= 0 || offset >= n {
		return nil, fmt.Errorf("cut %d frames into clip %s of %d: %w", offset, c.id, n, ErrInvariant)
	}
	second := &clip{
		id:        uuid.NewString(),
		src:       c.src,
		handle:    c.handle,
		binding:   c.binding,
		cloneKey:  c.cloneKey,
		remapKey:  c.remapKey,
		in:        c.in + offset,
		out:       c.out,
		state:     c.state,
		speed:     c.speed,
		strobe:    c.strobe,
		duplicate: c.duplicate,
		missing:   c.missing,
	}
	second.filters = effects.NewStack(t.engine, media.Target(second.id))
	if err := second.filters.Restore(c.filters.Slice(offset, n-offset)); err != nil {
		return nil, err
	}
	c.out = c.in + offset - 1
	if err := c.filters.Rebound(offset); err != nil {
		_ = second.filters.Clear()
		return nil, err
	}
	t.segs[idx].length = offset
	t.insertSegments(idx+1, segment{length: n - offset, clip: second})
	return second, nil
}

// spanOf is the frame range of segment idx.
func (t *Track) spanOf(idx int) frames.Range {
	return frames.Span(t.startOf(idx), t.segs[idx].length)
}
