// Package effects keeps the ordered, densely indexed filter stack of a clip
// or a track and mirrors it into the media engine's filter graph.
package effects

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/KDE/kdenlive-sub010/internal/media"
)

var (
	ErrNoFilter = errors.New("no filter at index")
	ErrEngine   = errors.New("filter graph update failed")
)

// Filter is one entry of a Stack. Index is 1-based and dense within the stack.
type Filter struct {
	Index     int                  `json:"index" yaml:"index"`
	Service   string               `json:"service" yaml:"service"`
	Params    media.Params         `json:"params,omitempty" yaml:"params,omitempty"`
	Keyframes map[string]Keyframed `json:"keyframes,omitempty" yaml:"keyframes,omitempty"`

	Disabled     bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	AutoDisabled bool `json:"auto_disabled,omitempty" yaml:"auto_disabled,omitempty"`
	// SyncInOut filters follow the bounds of their owner on resize and cut.
	SyncInOut bool `json:"sync_in_out,omitempty" yaml:"sync_in_out,omitempty"`
	In        int  `json:"in" yaml:"in"`
	Out       int  `json:"out" yaml:"out"`

	ref media.FilterRef
}

// Copy returns a deep copy detached from any engine target.
func (f Filter) Copy() Filter {
	out := f
	out.Params = f.Params.Clone()
	if f.Keyframes != nil {
		out.Keyframes = make(map[string]Keyframed, len(f.Keyframes))
		for k, v := range f.Keyframes {
			out.Keyframes[k] = v.Shift(0)
		}
	}
	out.ref = 0
	return out
}

// Animated reports whether any parameter carries keyframes.
func (f Filter) Animated() bool {
	for _, k := range f.Keyframes {
		if !k.Empty() {
			return true
		}
	}
	return false
}

// ValueAt returns the value of param at frame, following its keyframes when
// it has some.
func (f Filter) ValueAt(param string, frame int) (float64, bool) {
	if k, ok := f.Keyframes[param]; ok && !k.Empty() {
		return k.ValueAt(frame), true
	}
	v, ok := f.Params.Get(param)
	if !ok {
		return 0, false
	}
	x, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return x, true
}

// engineParams flattens the filter into what the engine receives.
func (f Filter) engineParams() media.Params {
	p := f.Params.Clone()
	names := make([]string, 0, len(f.Keyframes))
	for name := range f.Keyframes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if k := f.Keyframes[name]; !k.Empty() {
			p = p.Set(name, k.String())
		}
	}
	p = p.Set("in", strconv.Itoa(f.In))
	p = p.Set("out", strconv.Itoa(f.Out))
	if f.Disabled {
		p = p.Set("disable", "1")
	}
	return p
}

// Stack is the filter list of one target. It is not safe for concurrent use;
// the owning track serializes access.
type Stack struct {
	engine  media.Engine
	target  media.Target
	filters []*Filter
}

func NewStack(engine media.Engine, target media.Target) *Stack {
	return &Stack{engine: engine, target: target}
}

func (s *Stack) Target() media.Target { return s.target }

func (s *Stack) Len() int { return len(s.filters) }

// Filters returns copies of the entries in index order.
func (s *Stack) Filters() []Filter {
	out := make([]Filter, len(s.filters))
	for i, f := range s.filters {
		out[i] = f.Copy()
	}
	return out
}

func (s *Stack) Filter(index int) (Filter, bool) {
	pos := s.position(index)
	if pos < 0 {
		return Filter{}, false
	}
	return s.filters[pos].Copy(), true
}

// Indices lists the Index of every entry in stack order.
func (s *Stack) Indices() []int {
	out := make([]int, len(s.filters))
	for i, f := range s.filters {
		out[i] = f.Index
	}
	return out
}

func (s *Stack) position(index int) int {
	for i, f := range s.filters {
		if f.Index == index {
			return i
		}
	}
	return -1
}

// insertionPoint is the stack position a filter claiming index goes to.
func (s *Stack) insertionPoint(index int) int {
	if index <= 0 {
		return len(s.filters)
	}
	for i, f := range s.filters {
		if f.Index >= index {
			return i
		}
	}
	return len(s.filters)
}

func (s *Stack) renumber() {
	for i, f := range s.filters {
		f.Index = i + 1
	}
}

func (s *Stack) attach(f *Filter) error {
	ref, err := s.engine.AttachFilter(s.target, f.Service, f.engineParams())
	if err != nil {
		return fmt.Errorf("attach %s to %s: %w: %v", f.Service, s.target, ErrEngine, err)
	}
	f.ref = ref
	return nil
}

func (s *Stack) detach(f *Filter) error {
	if f.ref == 0 {
		return nil
	}
	if err := s.engine.DetachFilter(s.target, f.ref); err != nil {
		return fmt.Errorf("detach %s from %s: %w: %v", f.Service, s.target, ErrEngine, err)
	}
	f.ref = 0
	return nil
}

// relink detaches everything from stack position pos onwards (tail first),
// attaches replacement in order and makes it the new tail. If the engine
// refuses any step the previous tail is put back.
func (s *Stack) relink(pos int, replacement []*Filter) error {
	old := append([]*Filter(nil), s.filters[pos:]...)
	for i := len(old) - 1; i >= 0; i-- {
		if err := s.detach(old[i]); err != nil {
			return err
		}
	}
	for i, f := range replacement {
		if err := s.attach(f); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = s.detach(replacement[j])
			}
			for _, o := range old {
				_ = s.attach(o)
			}
			return err
		}
	}
	s.filters = append(s.filters[:pos:pos], replacement...)
	s.renumber()
	return nil
}

func (s *Stack) bound(f *Filter, length int) {
	if length <= 0 {
		return
	}
	if f.SyncInOut || f.Out <= 0 || f.Out >= length {
		f.In, f.Out = 0, length-1
	}
	if f.In < 0 || f.In > f.Out {
		f.In = 0
	}
}

// Add inserts f at f.Index (append when the index is 0 or past the end). The
// filters at and after the insertion point are detached, f is attached and
// the detached ones are reattached behind it; every index is then
// renumbered. length is the owner's duration in frames.
func (s *Stack) Add(f Filter, length int) (int, error) {
	if f.Service == "" {
		return 0, errors.New("add filter: empty service")
	}
	nf := f.Copy()
	s.bound(&nf, length)
	pos := s.insertionPoint(f.Index)
	replacement := append([]*Filter{&nf}, s.filters[pos:]...)
	if err := s.relink(pos, replacement); err != nil {
		return 0, err
	}
	return nf.Index, nil
}

// Edit updates the filter at index. A filter keeping its service and carrying
// no keyframes is updated in place; otherwise it is re-added at the same
// index, which relinks the tail behind it.
func (s *Stack) Edit(index int, f Filter, length int) error {
	pos := s.position(index)
	if pos < 0 {
		return fmt.Errorf("edit %d on %s: %w", index, s.target, ErrNoFilter)
	}
	cur := s.filters[pos]
	nf := f.Copy()
	nf.Index = index
	s.bound(&nf, length)

	if cur.Service == nf.Service && !cur.Animated() && !nf.Animated() {
		if err := s.engine.SetFilterParams(s.target, cur.ref, nf.engineParams()); err != nil {
			return fmt.Errorf("edit %d on %s: %w: %v", index, s.target, ErrEngine, err)
		}
		nf.ref = cur.ref
		*cur = nf
		return nil
	}
	replacement := append([]*Filter{&nf}, s.filters[pos+1:]...)
	return s.relink(pos, replacement)
}

// Remove detaches the filter at index. With updateIndex every higher index
// moves down by one; without it the hole is left for a following Add.
func (s *Stack) Remove(index int, updateIndex bool) (Filter, error) {
	pos := s.position(index)
	if pos < 0 {
		return Filter{}, fmt.Errorf("remove %d on %s: %w", index, s.target, ErrNoFilter)
	}
	f := s.filters[pos]
	if err := s.detach(f); err != nil {
		return Filter{}, err
	}
	s.filters = append(s.filters[:pos:pos], s.filters[pos+1:]...)
	if updateIndex {
		for _, g := range s.filters[pos:] {
			g.Index--
		}
	}
	return f.Copy(), nil
}

// Move relocates the filter at oldIndex to newIndex. Every filter between
// the two positions is detached and reattached in the new order.
func (s *Stack) Move(oldIndex, newIndex int) error {
	from := s.position(oldIndex)
	if from < 0 {
		return fmt.Errorf("move %d on %s: %w", oldIndex, s.target, ErrNoFilter)
	}
	to := newIndex - 1
	if to < 0 {
		to = 0
	}
	if to >= len(s.filters) {
		to = len(s.filters) - 1
	}
	if to == from {
		return nil
	}
	lo := from
	if to < lo {
		lo = to
	}
	order := append([]*Filter(nil), s.filters...)
	moved := order[from]
	order = append(order[:from], order[from+1:]...)
	order = append(order[:to], append([]*Filter{moved}, order[to:]...)...)
	return s.relink(lo, order[lo:])
}

// Enable sets or clears the disabled flag on indices (all filters when
// indices is empty). With remember, a bulk disable marks only the filters it
// actually switched off as auto-disabled, and a bulk enable only switches
// those back on, so a filter the user disabled by hand stays disabled.
func (s *Stack) Enable(indices []int, disable, remember bool) error {
	targets := s.filters
	if len(indices) > 0 {
		targets = targets[:0:0]
		for _, idx := range indices {
			pos := s.position(idx)
			if pos < 0 {
				return fmt.Errorf("enable %d on %s: %w", idx, s.target, ErrNoFilter)
			}
			targets = append(targets, s.filters[pos])
		}
	}
	for _, f := range targets {
		next := *f
		switch {
		case !remember:
			next.Disabled = disable
			next.AutoDisabled = false
		case disable:
			if !f.Disabled {
				next.Disabled = true
				next.AutoDisabled = true
			}
		default:
			if f.AutoDisabled {
				next.Disabled = false
				next.AutoDisabled = false
			}
		}
		if next.Disabled == f.Disabled && next.AutoDisabled == f.AutoDisabled {
			continue
		}
		if err := s.engine.SetFilterParams(s.target, f.ref, next.engineParams()); err != nil {
			return fmt.Errorf("enable %d on %s: %w: %v", f.Index, s.target, ErrEngine, err)
		}
		*f = next
	}
	return nil
}

// Snapshot returns a detached copy of the whole stack.
func (s *Stack) Snapshot() []Filter { return s.Filters() }

// Restore replaces the stack with snapshot, attaching each entry in order.
func (s *Stack) Restore(snapshot []Filter) error {
	list := make([]*Filter, len(snapshot))
	for i := range snapshot {
		f := snapshot[i].Copy()
		list[i] = &f
	}
	return s.relink(0, list)
}

// Clear detaches every filter.
func (s *Stack) Clear() error { return s.relink(0, nil) }

// Retarget moves the stack to another engine target.
func (s *Stack) Retarget(target media.Target) error {
	if target == s.target {
		return nil
	}
	snap := s.Snapshot()
	if err := s.Clear(); err != nil {
		return err
	}
	old := s.target
	s.target = target
	if err := s.Restore(snap); err != nil {
		s.target = old
		_ = s.Restore(snap)
		return err
	}
	return nil
}

// Duplicate attaches a copy of the stack to target.
func (s *Stack) Duplicate(target media.Target) (*Stack, error) {
	dup := NewStack(s.engine, target)
	if err := dup.Restore(s.Snapshot()); err != nil {
		return nil, err
	}
	return dup, nil
}

// Rebound follows a change of the owner's duration: sync filters span the
// new length, other filters are clamped into it, keyframes are clipped.
func (s *Stack) Rebound(length int) error {
	if length <= 0 {
		return nil
	}
	for _, f := range s.filters {
		next := f.Copy()
		next.Index = f.Index
		if next.SyncInOut {
			next.In, next.Out = 0, length-1
		} else if next.Out >= length {
			next.Out = length - 1
			if next.In > next.Out {
				next.In = 0
			}
		}
		for name, k := range next.Keyframes {
			next.Keyframes[name] = k.Clip(length)
		}
		if err := s.engine.SetFilterParams(s.target, f.ref, next.engineParams()); err != nil {
			return fmt.Errorf("rebound %d on %s: %w: %v", f.Index, s.target, ErrEngine, err)
		}
		next.ref = f.ref
		*f = next
	}
	return nil
}

// Slice returns detached copies re-based onto the window [offset,
// offset+length) of the owner. Sync filters take the window as their bounds.
// Other filters and keyframes are shifted by -offset and clamped into it; a
// filter window lying wholly outside collapses onto the nearest edge frame.
func (s *Stack) Slice(offset, length int) []Filter {
	out := make([]Filter, 0, len(s.filters))
	for _, f := range s.filters {
		c := f.Copy()
		for name, k := range c.Keyframes {
			c.Keyframes[name] = k.Shift(-offset).Clip(length)
		}
		switch {
		case c.SyncInOut:
			c.In, c.Out = 0, length-1
		case c.Out-offset < 0:
			c.In, c.Out = 0, 0
		case c.In-offset > length-1:
			c.In, c.Out = length-1, length-1
		default:
			c.In, c.Out = max(c.In-offset, 0), min(c.Out-offset, length-1)
		}
		out = append(out, c)
	}
	return out
}
