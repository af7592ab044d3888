package track

import (
	"fmt"

	"github.com/KDE/kdenlive-sub010/internal/effects"
	"github.com/KDE/kdenlive-sub010/internal/frames"
)

// clipEffect runs fn on the stack of the clip covering pos. The clip's
// frames are reported invalid when fn succeeds.
func (t *Track) clipEffect(op string, pos float64, fn func(s *effects.Stack, length int) error) (*Delta, error) {
	frame := t.Frame(pos)
	return t.mutate(op, func(ev *events) error {
		idx, start, err := t.clipIndex(frame)
		if err != nil {
			return err
		}
		c := t.segs[idx].clip
		if err := fn(c.filters, c.length()); err != nil {
			return fmt.Errorf("%s on clip %s: %w", op, c.id, err)
		}
		ev.invalidate(frames.Span(start, c.length()))
		return nil
	})
}

// trackEffect is clipEffect for the track's own stack, which spans the
// whole track.
func (t *Track) trackEffect(op string, fn func(s *effects.Stack, length int) error) (*Delta, error) {
	return t.mutate(op, func(ev *events) error {
		n := t.total()
		if err := fn(t.filters, max(n, 1)); err != nil {
			return fmt.Errorf("%s on track %s: %w", op, t.id, err)
		}
		ev.invalidate(frames.Span(0, n))
		return nil
	})
}

// AddClipEffect adds f to the clip covering pos and returns the index it got.
func (t *Track) AddClipEffect(pos float64, f effects.Filter) (int, *Delta, error) {
	var index int
	d, err := t.clipEffect("add effect", pos, func(s *effects.Stack, length int) (err error) {
		index, err = s.Add(f, length)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return index, d, nil
}

func (t *Track) EditClipEffect(pos float64, index int, f effects.Filter) (*Delta, error) {
	return t.clipEffect("edit effect", pos, func(s *effects.Stack, length int) error {
		return s.Edit(index, f, length)
	})
}

// RemoveClipEffect removes the filter at index; the indices above it move
// down by one.
func (t *Track) RemoveClipEffect(pos float64, index int) (*Delta, error) {
	return t.clipEffect("remove effect", pos, func(s *effects.Stack, _ int) error {
		_, err := s.Remove(index, true)
		return err
	})
}

func (t *Track) MoveClipEffect(pos float64, oldIndex, newIndex int) (*Delta, error) {
	return t.clipEffect("move effect", pos, func(s *effects.Stack, _ int) error {
		return s.Move(oldIndex, newIndex)
	})
}

// EnableClipEffects switches filters of the clip on or off. See
// effects.Stack.Enable for remember.
func (t *Track) EnableClipEffects(pos float64, indices []int, disable, remember bool) (*Delta, error) {
	return t.clipEffect("enable effects", pos, func(s *effects.Stack, _ int) error {
		return s.Enable(indices, disable, remember)
	})
}

// ClipEffects returns the filters of the clip covering pos.
func (t *Track) ClipEffects(pos float64) ([]effects.Filter, error) {
	frame := t.Frame(pos)
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, _, err := t.clipIndex(frame)
	if err != nil {
		return nil, err
	}
	return t.segs[idx].clip.filters.Filters(), nil
}

func (t *Track) AddEffect(f effects.Filter) (int, *Delta, error) {
	var index int
	d, err := t.trackEffect("add track effect", func(s *effects.Stack, length int) (err error) {
		index, err = s.Add(f, length)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return index, d, nil
}

func (t *Track) EditEffect(index int, f effects.Filter) (*Delta, error) {
	return t.trackEffect("edit track effect", func(s *effects.Stack, length int) error {
		return s.Edit(index, f, length)
	})
}

func (t *Track) RemoveEffect(index int) (*Delta, error) {
	return t.trackEffect("remove track effect", func(s *effects.Stack, _ int) error {
		_, err := s.Remove(index, true)
		return err
	})
}

func (t *Track) MoveEffect(oldIndex, newIndex int) (*Delta, error) {
	return t.trackEffect("move track effect", func(s *effects.Stack, _ int) error {
		return s.Move(oldIndex, newIndex)
	})
}

func (t *Track) EnableEffects(indices []int, disable, remember bool) (*Delta, error) {
	return t.trackEffect("enable track effects", func(s *effects.Stack, _ int) error {
		return s.Enable(indices, disable, remember)
	})
}

// Effects returns the track's own filters.
func (t *Track) Effects() []effects.Filter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filters.Filters()
}
