// Package remap builds and caches speed-changed derivatives of media sources.
package remap

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/KDE/kdenlive-sub010/internal/media"
)

var (
	ErrUnsupported = errors.New("source does not support time remap")
	ErrInvalidBase = errors.New("invalid base source")
	ErrUnknownKey  = errors.New("no derivative for key")
)

// namespace for derivative ids, so the same key always names the same
// derivative across sessions.
var derivativeNS = uuid.NewMD5(uuid.NameSpaceURL, []byte("urn:tledit:timewarp"))

// Key identifies one derivative.
type Key struct {
	URL    string
	Speed  float64
	Strobe int
	State  media.PlayState
}

// NewKey normalizes speed to six decimals and strobe to at least 1 so keys
// built from user input compare equal.
func NewKey(url string, speed float64, strobe int, state media.PlayState) Key {
	if strobe < 1 {
		strobe = 1
	}
	return Key{
		URL:    url,
		Speed:  math.Round(speed*1e6) / 1e6,
		Strobe: strobe,
		State:  state,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%.6f|%d|%s", k.URL, k.Speed, k.Strobe, k.State)
}

// Identity reports a key that plays the base untouched.
func (k Key) Identity() bool { return k.Speed == 1 && k.Strobe < 2 }

// KeyFor derives the cache key of base played at speed/strobe in state.
// Sources without a URL are addressed by id.
func KeyFor(base *media.Source, speed float64, strobe int, state media.PlayState) Key {
	url := base.URL
	if url == "" {
		url = "id:" + base.ID
	}
	return NewKey(url, speed, strobe, state)
}

type entry struct {
	src  *media.Source
	refs int
}

// Engine is the derivative cache. Entries are reference counted and dropped
// when the last reference is released.
type Engine struct {
	media media.Engine
	group singleflight.Group

	mu    sync.RWMutex
	cache map[Key]*entry

	log zerolog.Logger
}

func New(engine media.Engine, log zerolog.Logger) *Engine {
	return &Engine{
		media: engine,
		cache: make(map[Key]*entry),
		log:   log.With().Str("component", "remap").Logger(),
	}
}

// Acquire returns the derivative of base for (speed, strobe, state) and takes
// one reference on it. Concurrent misses on the same key build it once.
func (e *Engine) Acquire(base *media.Source, speed float64, strobe int, state media.PlayState) (*media.Source, Key, error) {
	if base == nil || !base.Valid {
		return nil, Key{}, ErrInvalidBase
	}
	root := base.Root()
	if !root.Caps.SupportsTimeRemap {
		return nil, Key{}, fmt.Errorf("remap %s (%s): %w", root.ID, root.Service, ErrUnsupported)
	}
	key := KeyFor(root, speed, strobe, state)

	// 1. Try the cache (read lock)
	e.mu.RLock()
	_, found := e.cache[key]
	e.mu.RUnlock()

	if !found {
		// 2. Build it once, however many callers miss together
		_, err, _ := e.group.Do(key.String(), func() (interface{}, error) {
			e.mu.RLock()
			ent, ok := e.cache[key]
			e.mu.RUnlock()
			if ok {
				return ent.src, nil
			}
			d, err := e.media.TimeRemap(root, key.Speed, key.Strobe)
			if err != nil {
				// Do not cache errors, so subsequent calls can retry.
				return nil, err
			}
			d.ID = uuid.NewMD5(derivativeNS, []byte(key.String())).String()
			e.mu.Lock()
			if _, ok := e.cache[key]; !ok {
				e.cache[key] = &entry{src: d}
			}
			e.mu.Unlock()
			e.log.Debug().Str("key", key.String()).Int("frames", d.Frames).Msg("derivative built")
			return d, nil
		})
		if err != nil {
			e.log.Error().Err(err).Str("key", key.String()).Msg("derivative build failed")
			return nil, key, fmt.Errorf("remap %s: %w", key, err)
		}
	}

	// 3. Take the reference (write lock)
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.cache[key]
	if !ok {
		// released to zero between build and here
		return nil, key, fmt.Errorf("remap %s: %w", key, ErrUnknownKey)
	}
	ent.refs++
	return ent.src, key, nil
}

// Install registers a derivative built elsewhere (for instance by a reload)
// without taking a reference. An existing entry keeps its references and
// gets the new handle.
func (e *Engine) Install(key Key, src *media.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.cache[key]; ok {
		ent.src = src
		return
	}
	e.cache[key] = &entry{src: src}
}

// Retain takes another reference on an existing derivative.
func (e *Engine) Retain(key Key) (*media.Source, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.cache[key]
	if !ok {
		return nil, fmt.Errorf("retain %s: %w", key, ErrUnknownKey)
	}
	ent.refs++
	return ent.src, nil
}

// Release drops one reference and returns how many are left. The entry is
// forgotten when none are.
func (e *Engine) Release(key Key) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.cache[key]
	if !ok {
		return 0
	}
	ent.refs--
	if ent.refs <= 0 {
		delete(e.cache, key)
		e.log.Debug().Str("key", key.String()).Msg("derivative released")
		return 0
	}
	return ent.refs
}

func (e *Engine) Refs(key Key) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ent, ok := e.cache[key]; ok {
		return ent.refs
	}
	return 0
}

func (e *Engine) Lookup(key Key) (*media.Source, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ent, ok := e.cache[key]; ok {
		return ent.src, true
	}
	return nil, false
}

// InvalidateURL forgets every derivative built from url, whatever its
// reference count, and returns the keys dropped. Holders rebind on their
// next reconcile.
func (e *Engine) InvalidateURL(url string) []Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	var keys []Key
	for k := range e.cache {
		if k.URL == url {
			keys = append(keys, k)
			delete(e.cache, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	if len(keys) > 0 {
		e.log.Info().Str("url", url).Int("dropped", len(keys)).Msg("derivatives invalidated")
	}
	return keys
}

func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
