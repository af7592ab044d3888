package track

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/KDE/kdenlive-sub010/internal/effects"
	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/media"
	"github.com/KDE/kdenlive-sub010/internal/remap"
	"github.com/KDE/kdenlive-sub010/internal/sources"
)

type clipState struct {
	id        string
	src       *media.Source
	in, out   int
	state     media.PlayState
	speed     float64
	strobe    int
	duplicate bool
	filters   []effects.Filter
}

type segState struct {
	length int
	clip   *clipState
}

type snapshot struct {
	segs    []segState
	filters []effects.Filter
}

// Delta is the reversible record of one successful edit. An undo manager
// stores it as is and hands it back to Revert or Apply.
type Delta struct {
	TrackID string
	Op      string

	before, after snapshot
}

// Empty reports a delta whose edit changed nothing.
func (d *Delta) Empty() bool {
	return d == nil || reflect.DeepEqual(d.before, d.after)
}

// events collects what an edit has to report once the lock is released.
type events struct {
	invalid []frames.Range
	removed []string
}

func (e *events) invalidate(r frames.Range) {
	if !r.Empty() {
		e.invalid = append(e.invalid, r)
	}
}

func (t *Track) snapshotLocked() snapshot {
	s := snapshot{
		segs:    make([]segState, len(t.segs)),
		filters: t.filters.Snapshot(),
	}
	for i, seg := range t.segs {
		s.segs[i].length = seg.length
		if c := seg.clip; c != nil {
			s.segs[i].clip = &clipState{
				id:        c.id,
				src:       c.src,
				in:        c.in,
				out:       c.out,
				state:     c.state,
				speed:     c.speed,
				strobe:    c.strobe,
				duplicate: c.duplicate,
				filters:   c.filters.Snapshot(),
			}
		}
	}
	return s
}

func (t *Track) clipsByID() map[string]*clip {
	m := make(map[string]*clip)
	for _, s := range t.segs {
		if s.clip != nil {
			m[s.clip.id] = s.clip
		}
	}
	return m
}

// loadLocked makes the track match s. Clip objects are reused by id so
// their engine filters are only relinked when they differ.
func (t *Track) loadLocked(s snapshot) error {
	live := t.clipsByID()
	used := make(map[string]bool)
	segs := make([]segment, len(s.segs))
	var errs []error

	for i, ss := range s.segs {
		segs[i].length = ss.length
		cs := ss.clip
		if cs == nil {
			continue
		}
		c, ok := live[cs.id]
		if !ok {
			c = &clip{id: cs.id, filters: effects.NewStack(t.engine, media.Target(cs.id))}
		}
		c.src = cs.src
		c.in, c.out = cs.in, cs.out
		c.state = cs.state
		c.speed, c.strobe = cs.speed, cs.strobe
		c.duplicate = cs.duplicate
		if !reflect.DeepEqual(c.filters.Snapshot(), cs.filters) {
			if err := c.filters.Restore(cs.filters); err != nil {
				errs = append(errs, err)
			}
		}
		used[cs.id] = true
		segs[i].clip = c
	}
	for id, c := range live {
		if !used[id] {
			if err := c.filters.Clear(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if !reflect.DeepEqual(t.filters.Snapshot(), s.filters) {
		if err := t.filters.Restore(s.filters); err != nil {
			errs = append(errs, err)
		}
	}
	t.segs = segs
	return errors.Join(errs...)
}

// notice is what an edit reports once the lock is released.
type notice struct {
	trackID string
	l       Listener
	removed []string
	invalid []frames.Range
	// content is the new content length, or -1 when it did not change
	content int
}

func (n notice) send(placed func(clipID string) bool) {
	for _, id := range n.removed {
		if placed == nil || !placed(id) {
			n.l.ClipRemoved(n.trackID, id)
		}
	}
	for _, r := range frames.Merge(n.invalid) {
		n.l.ClipInvalidated(n.trackID, r)
	}
	if n.content >= 0 {
		n.l.TrackLengthChanged(n.trackID, n.content)
	}
}

// Pending holds back the notifications of an edit, so an operation that
// spans several tracks reports once it is complete.
type Pending struct {
	n    notice
	sent bool
}

// Send delivers the held notifications once. ClipRemoved is skipped for
// every clip placed reports as still on the timeline; placed may be nil.
func (p *Pending) Send(placed func(clipID string) bool) {
	if p == nil || p.sent {
		return
	}
	p.sent = true
	p.n.send(placed)
}

// mutate runs fn under the write lock and notifies the listener. On
// success bindings are reconciled, the layout is checked and a Delta is
// returned; on any failure the track is put back exactly as it was.
func (t *Track) mutate(op string, fn func(ev *events) error) (*Delta, error) {
	d, n, err := t.edit(op, false, fn)
	if err != nil {
		return nil, err
	}
	n.send(nil)
	return d, nil
}

// edit is mutate without the notifications. force skips the lock check.
func (t *Track) edit(op string, force bool, fn func(ev *events) error) (*Delta, notice, error) {
	t.mu.Lock()
	if t.locked && !force {
		t.mu.Unlock()
		err := fmt.Errorf("%s on track %s: %w", op, t.id, ErrLocked)
		t.logReject(op, err)
		return nil, notice{}, err
	}

	before := t.snapshotLocked()
	live := t.clipsByID()
	oldContent := t.content()
	ev := &events{}

	err := fn(ev)
	if err == nil {
		err = t.checkLayout()
	}
	if err == nil {
		err = t.reconcile(true)
	}
	if err != nil {
		if lerr := t.loadLocked(before); lerr != nil {
			t.log.Error().Err(lerr).Str("op", op).Msg("rollback could not restore filters")
		}
		if rerr := t.reconcile(false); rerr != nil {
			t.log.Error().Err(rerr).Str("op", op).Msg("rollback could not rebind clips")
		}
		t.mu.Unlock()
		t.logReject(op, err)
		return nil, notice{}, err
	}

	after := t.snapshotLocked()
	now := t.clipsByID()
	for id, c := range live {
		if _, ok := now[id]; !ok {
			if cerr := c.filters.Clear(); cerr != nil {
				t.log.Warn().Err(cerr).Str("clip", id).Msg("detaching filters of removed clip failed")
			}
			ev.removed = append(ev.removed, id)
		}
	}
	newContent := t.content()
	n := notice{trackID: t.id, l: t.listener, removed: ev.removed, invalid: ev.invalid, content: -1}
	if newContent != oldContent {
		n.content = newContent
	}
	t.mu.Unlock()

	t.log.Debug().Str("op", op).Int("content", newContent).Msg("track edited")
	return &Delta{TrackID: t.id, Op: op, before: before, after: after}, n, nil
}

func (t *Track) logReject(op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidSource), errors.Is(err, sources.ErrCloneFailed),
		errors.Is(err, remap.ErrInvalidBase), errors.Is(err, effects.ErrEngine):
		t.log.Error().Err(err).Str("op", op).Msg("edit failed")
	default:
		t.log.Warn().Err(err).Str("op", op).Msg("edit rejected")
	}
}

// Revert puts the track back to the state before d.
func (t *Track) Revert(d *Delta) (*Delta, error) {
	return t.restore("revert", d, true)
}

// Apply replays d on a track that was reverted past it.
func (t *Track) Apply(d *Delta) (*Delta, error) {
	return t.restore("apply", d, false)
}

// RevertHeld is Revert with its notifications left to the caller.
func (t *Track) RevertHeld(d *Delta) (*Delta, *Pending, error) {
	return t.restoreHeld("revert", d, true)
}

// ApplyHeld is Apply with its notifications left to the caller.
func (t *Track) ApplyHeld(d *Delta) (*Delta, *Pending, error) {
	return t.restoreHeld("apply", d, false)
}

func (t *Track) restore(op string, d *Delta, back bool) (*Delta, error) {
	nd, p, err := t.restoreHeld(op, d, back)
	if err != nil {
		return nil, err
	}
	p.Send(nil)
	return nd, nil
}

func (t *Track) restoreHeld(op string, d *Delta, back bool) (*Delta, *Pending, error) {
	if d == nil || d.TrackID != t.id {
		return nil, nil, fmt.Errorf("%s: delta does not belong to track %s: %w", op, t.id, ErrInvariant)
	}
	target, from := d.after, d.before
	if back {
		target, from = d.before, d.after
	}
	nd, n, err := t.edit(op, false, func(ev *events) error {
		ev.invalidate(frames.Span(0, snapshotContent(from)))
		ev.invalidate(frames.Span(0, snapshotContent(target)))
		return t.loadLocked(target)
	})
	if err != nil {
		return nil, nil, err
	}
	return nd, &Pending{n: n}, nil
}

func snapshotContent(s snapshot) int {
	end, pos := 0, 0
	for _, seg := range s.segs {
		pos += seg.length
		if seg.clip != nil {
			end = pos
		}
	}
	return end
}
