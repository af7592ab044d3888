// Package sources owns the table of original media handles and the per-track
// clones made from them.
package sources

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/KDE/kdenlive-sub010/internal/media"
)

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrCloneFailed   = errors.New("clone creation failed")
)

// BindingKind tells how a clip instance reaches its media.
type BindingKind int

const (
	Direct     BindingKind = iota // the bin original itself
	Cloned                        // a per-track clone of the original
	Derivative                    // a time-remapped derivative
)

func (k BindingKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Cloned:
		return "clone"
	case Derivative:
		return "derivative"
	}
	return fmt.Sprintf("binding(%d)", int(k))
}

// CloneKey identifies one clone. At most one clone per key is alive.
type CloneKey struct {
	SourceID string
	TrackID  string
	State    media.PlayState
}

// Registry is the ownership table for media handles. Clone creation mutates a
// map shared by every track, so it runs under the registry lock.
type Registry struct {
	mu        sync.Mutex
	engine    media.Engine
	originals map[string]*media.Source
	clones    map[CloneKey]*media.Source
	log       zerolog.Logger
}

func NewRegistry(engine media.Engine, log zerolog.Logger) *Registry {
	return &Registry{
		engine:    engine,
		originals: make(map[string]*media.Source),
		clones:    make(map[CloneKey]*media.Source),
		log:       log.With().Str("component", "sources").Logger(),
	}
}

// Register adds an original handle to the bin.
func (r *Registry) Register(src *media.Source) error {
	if src == nil || src.ID == "" {
		return errors.New("register: source without id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.originals[src.ID]; ok && cur != src {
		return fmt.Errorf("register %s: id already in use", src.ID)
	}
	r.originals[src.ID] = src
	return nil
}

func (r *Registry) Original(id string) (*media.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.originals[id]
	return src, ok
}

// Originals lists the bin sorted by id.
func (r *Registry) Originals() []*media.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*media.Source, 0, len(r.originals))
	for _, s := range r.originals {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NeedsClone reports whether a clip in state on some track must get its own
// decode context. Video-only and disabled clips never do.
func NeedsClone(src *media.Source, state media.PlayState, duplicate bool) bool {
	return duplicate && src != nil && src.Valid && src.Caps.NeedsPerTrackClone && state.HasAudio()
}

// Resolve returns the handle a clip of sourceID should bind to on trackID.
func (r *Registry) Resolve(sourceID, trackID string, state media.PlayState, duplicate bool) (*media.Source, BindingKind, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orig, ok := r.originals[sourceID]
	if !ok {
		return nil, Direct, fmt.Errorf("resolve %s: %w", sourceID, ErrUnknownSource)
	}
	if !NeedsClone(orig, state, duplicate) {
		return orig, Direct, nil
	}
	c, err := r.cloneLocked(CloneKey{SourceID: sourceID, TrackID: trackID, State: state}, orig)
	if err != nil {
		return nil, Direct, err
	}
	return c, Cloned, nil
}

// cloneLocked is the single place clones are made.
func (r *Registry) cloneLocked(key CloneKey, orig *media.Source) (*media.Source, error) {
	if c, ok := r.clones[key]; ok {
		return c, nil
	}
	c, err := r.engine.Clone(orig)
	if err != nil {
		r.log.Error().Err(err).Str("source", key.SourceID).Str("track", key.TrackID).Msg("clone failed")
		return nil, fmt.Errorf("clone %s for track %s: %w: %v", key.SourceID, key.TrackID, ErrCloneFailed, err)
	}
	r.clones[key] = c
	r.log.Debug().Str("source", key.SourceID).Str("track", key.TrackID).Str("state", key.State.String()).Msg("clone created")
	return c, nil
}

// Clone returns the live clone for key, if any.
func (r *Registry) Clone(key CloneKey) (*media.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clones[key]
	return c, ok
}

// Release drops the clone for key.
func (r *Registry) Release(key CloneKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clones[key]; ok {
		delete(r.clones, key)
		r.log.Debug().Str("source", key.SourceID).Str("track", key.TrackID).Msg("clone released")
	}
}

// ClonesFor lists the clone keys held for trackID.
func (r *Registry) ClonesFor(trackID string) []CloneKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []CloneKey
	for k := range r.clones {
		if k.TrackID == trackID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SourceID != keys[j].SourceID {
			return keys[i].SourceID < keys[j].SourceID
		}
		return keys[i].State < keys[j].State
	})
	return keys
}

// Replace swaps the original for id (reload or reconnect) and drops every
// clone made from the old handle. The dropped keys are returned so tracks can
// rebuild them from the new handle. The registry keeps src itself and sets
// src.ID to id, so clips compare handles by identity.
func (r *Registry) Replace(id string, src *media.Source) ([]CloneKey, error) {
	if src == nil {
		return nil, errors.New("replace: nil source")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.originals[id]; !ok {
		return nil, fmt.Errorf("replace %s: %w", id, ErrUnknownSource)
	}
	src.ID = id
	r.originals[id] = src
	var dropped []CloneKey
	for k := range r.clones {
		if k.SourceID == id {
			dropped = append(dropped, k)
			delete(r.clones, k)
		}
	}
	r.log.Info().Str("source", id).Int("clones_dropped", len(dropped)).Msg("source replaced")
	return dropped, nil
}
