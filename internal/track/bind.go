package track

import (
	"fmt"

	"github.com/KDE/kdenlive-sub010/internal/remap"
	"github.com/KDE/kdenlive-sub010/internal/sources"
)

// reconcile rebinds every clip to the handle its source, play state and
// speed call for, then gives back clones and derivative references nothing
// on this track uses any more. With strict, a clone or derivative failure
// aborts; otherwise the clip falls back to its original handle.
func (t *Track) reconcile(strict bool) error {
	want := make(map[remap.Key]int)
	base := make(map[remap.Key]*clip)
	usedClones := make(map[sources.CloneKey]bool)

	for _, s := range t.segs {
		c := s.clip
		if c == nil {
			continue
		}
		if c.src == nil || !c.src.Valid {
			c.missing = true
			c.handle, c.binding = c.src, sources.Direct
			continue
		}
		c.missing = false
		if c.retimed() {
			key := remap.KeyFor(c.src, c.speed, c.strobe, c.state)
			c.binding, c.remapKey = sources.Derivative, key
			want[key]++
			base[key] = c
			continue
		}
		if _, ok := t.reg.Original(c.src.ID); !ok {
			if err := t.reg.Register(c.src); err != nil {
				return err
			}
		}
		h, kind, err := t.reg.Resolve(c.src.ID, t.id, c.state, c.duplicate && t.ctx.DuplicateAudio())
		if err != nil {
			if strict {
				return fmt.Errorf("bind clip %s: %w", c.id, err)
			}
			t.log.Warn().Err(err).Str("clip", c.id).Msg("using original source without clone")
			h, kind = c.src, sources.Direct
		}
		if kind == sources.Direct {
			// the clip's own handle stays authoritative for direct bindings
			h = c.src
		}
		c.handle, c.binding = h, kind
		if kind == sources.Cloned {
			c.cloneKey = sources.CloneKey{SourceID: c.src.ID, TrackID: t.id, State: c.state}
			usedClones[c.cloneKey] = true
		}
	}

	for key, n := range want {
		have := t.held[key]
		if _, ok := t.remaps.Lookup(key); !ok {
			// invalidated behind our back
			have = 0
		}
		for have < n {
			var err error
			if have == 0 {
				_, _, err = t.remaps.Acquire(base[key].src, key.Speed, key.Strobe, key.State)
			} else if _, err = t.remaps.Retain(key); err != nil {
				// entry vanished under us; start over from the base
				have = 0
				continue
			}
			if err != nil {
				if strict {
					t.held[key] = have
					return fmt.Errorf("bind derivative %s: %w", key, err)
				}
				t.log.Warn().Err(err).Str("key", key.String()).Msg("derivative unavailable")
				break
			}
			have++
		}
		for have > n {
			t.remaps.Release(key)
			have--
		}
		t.held[key] = have
	}
	for key, have := range t.held {
		if want[key] > 0 {
			continue
		}
		for ; have > 0; have-- {
			t.remaps.Release(key)
		}
		delete(t.held, key)
	}

	for _, s := range t.segs {
		c := s.clip
		if c == nil || c.missing || c.binding != sources.Derivative {
			continue
		}
		if h, ok := t.remaps.Lookup(c.remapKey); ok && t.held[c.remapKey] > 0 {
			c.handle = h
			continue
		}
		if strict {
			return fmt.Errorf("bind clip %s: derivative %s missing: %w", c.id, c.remapKey, remap.ErrUnknownKey)
		}
		c.handle = c.src
	}

	for _, k := range t.reg.ClonesFor(t.id) {
		if !usedClones[k] {
			t.reg.Release(k)
		}
	}
	return nil
}
