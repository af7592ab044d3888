package media

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvalidSource = errors.New("invalid media source")
	ErrOutOfBounds   = errors.New("crop outside source bounds")
	ErrUnsupported   = errors.New("operation not supported by source")
	ErrUnknownFilter = errors.New("unknown filter reference")
)

// AttachedFilter is what MemoryEngine records for every attach call.
type AttachedFilter struct {
	Ref     FilterRef
	Service string
	Params  Params
}

// MemoryEngine is an in-process Engine. It keeps the filter graph of every
// target in attach order and counts the expensive calls, which makes it
// suitable for tests and for tooling that never decodes anything.
type MemoryEngine struct {
	mu      sync.Mutex
	nextRef FilterRef
	filters map[Target][]AttachedFilter

	clones int
	remaps int
	cuts   int

	// FailClone and FailRemap make the next calls fail, to exercise the
	// clone/derivative failure paths.
	FailClone bool
	FailRemap bool
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{filters: make(map[Target][]AttachedFilter)}
}

func (e *MemoryEngine) Cut(src *Source, in, out int) (*Source, error) {
	if src == nil || !src.Valid {
		return nil, ErrInvalidSource
	}
	if in < 0 || out < in || (src.Frames > 0 && out >= src.Frames) {
		return nil, fmt.Errorf("cut %d-%d of %s: %w", in, out, src.ID, ErrOutOfBounds)
	}
	e.mu.Lock()
	e.cuts++
	e.mu.Unlock()
	return &Source{
		ID:      uuid.NewString(),
		URL:     src.URL,
		Service: src.Service,
		Frames:  out - in + 1,
		Valid:   true,
		Caps:    src.Caps,
		Parent:  src,
		Speed:   src.Speed,
		Strobe:  src.Strobe,
	}, nil
}

func (e *MemoryEngine) Clone(src *Source) (*Source, error) {
	if src == nil || !src.Valid {
		return nil, ErrInvalidSource
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailClone {
		return nil, fmt.Errorf("clone %s: engine refused", src.ID)
	}
	e.clones++
	return &Source{
		ID:      uuid.NewString(),
		URL:     src.URL,
		Service: src.Service,
		Frames:  src.Frames,
		Valid:   true,
		Caps:    src.Caps,
		Parent:  src,
		Speed:   src.Speed,
		Strobe:  src.Strobe,
	}, nil
}

func (e *MemoryEngine) TimeRemap(src *Source, speed float64, strobe int) (*Source, error) {
	if src == nil || !src.Valid {
		return nil, ErrInvalidSource
	}
	if !src.Caps.SupportsTimeRemap {
		return nil, fmt.Errorf("time remap of %s (%s): %w", src.ID, src.Service, ErrUnsupported)
	}
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return nil, fmt.Errorf("time remap of %s: invalid speed %v", src.ID, speed)
	}
	if strobe < 1 {
		strobe = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailRemap {
		return nil, fmt.Errorf("time remap of %s: engine refused", src.ID)
	}
	e.remaps++
	return &Source{
		ID:      uuid.NewString(),
		URL:     src.URL,
		Service: "timewarp",
		Frames:  int(math.Round(float64(src.Frames) / speed)),
		Valid:   true,
		Caps:    ResolveCapabilities("timewarp"),
		Parent:  src,
		Speed:   speed,
		Strobe:  strobe,
	}, nil
}

func (e *MemoryEngine) AttachFilter(target Target, service string, params Params) (FilterRef, error) {
	if service == "" {
		return 0, errors.New("attach filter: empty service name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextRef++
	ref := e.nextRef
	e.filters[target] = append(e.filters[target], AttachedFilter{Ref: ref, Service: service, Params: params.Clone()})
	return ref, nil
}

func (e *MemoryEngine) DetachFilter(target Target, ref FilterRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.filters[target]
	for i, f := range list {
		if f.Ref == ref {
			e.filters[target] = append(list[:i:i], list[i+1:]...)
			if len(e.filters[target]) == 0 {
				delete(e.filters, target)
			}
			return nil
		}
	}
	return fmt.Errorf("detach %d from %s: %w", ref, target, ErrUnknownFilter)
}

func (e *MemoryEngine) SetFilterParams(target Target, ref FilterRef, params Params) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.filters[target]
	for i := range list {
		if list[i].Ref == ref {
			list[i].Params = params.Clone()
			return nil
		}
	}
	return fmt.Errorf("set params of %d on %s: %w", ref, target, ErrUnknownFilter)
}

func (e *MemoryEngine) Length(src *Source) int {
	if src == nil {
		return 0
	}
	return src.Frames
}

func (e *MemoryEngine) Resize(src *Source, in, out int) bool {
	if src == nil || !src.Valid {
		return false
	}
	return in >= 0 && out >= in && (src.Frames <= 0 || out < src.Frames)
}

// Filters returns the filters attached to target, in attach order.
func (e *MemoryEngine) Filters(target Target) []AttachedFilter {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AttachedFilter, len(e.filters[target]))
	copy(out, e.filters[target])
	return out
}

// CloneCalls is the number of clones produced so far.
func (e *MemoryEngine) CloneCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clones
}

// RemapCalls is the number of derivatives produced so far.
func (e *MemoryEngine) RemapCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remaps
}
