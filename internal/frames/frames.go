package frames

import (
	"fmt"
	"math"
	"sort"
)

const floatEpsilon = 1e-9

// Frames converts a time in seconds to a frame number: round(t * fps).
func Frames(seconds, fps float64) int {
	if fps <= floatEpsilon {
		return 0
	}
	return int(math.Round(seconds * fps))
}

// Seconds converts a frame number back to seconds.
func Seconds(frame int, fps float64) float64 {
	if fps <= floatEpsilon {
		return 0
	}
	return float64(frame) / fps
}

// Range is a half-open frame interval [Start, End).
type Range struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Span builds the range covering length frames starting at start.
func Span(start, length int) Range {
	return Range{Start: start, End: start + length}
}

func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) Empty() bool { return r.End <= r.Start }

// Contains reports whether frame lies inside the range.
func (r Range) Contains(frame int) bool {
	return frame >= r.Start && frame < r.End
}

// Overlaps reports whether both ranges share at least one frame.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Intersect returns the common part of both ranges (possibly empty).
func (r Range) Intersect(o Range) Range {
	out := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

// Within reports whether r lies entirely inside o.
func (r Range) Within(o Range) bool {
	return r.Start >= o.Start && r.End <= o.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Merge coalesces overlapping or touching ranges. Empty ranges are dropped
// and the input slice is left untouched.
func Merge(ranges []Range) []Range {
	if len(ranges) == 0 {
		return []Range{}
	}
	sorted := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if !r.Empty() {
			sorted = append(sorted, r)
		}
	}
	if len(sorted) == 0 {
		return []Range{}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})
	merged := []Range{}
	current := sorted[0]
	for i := 1; i < len(sorted); i++ {
		next := sorted[i]
		if next.Start <= current.End {
			current.End = max(current.End, next.End)
		} else {
			merged = append(merged, current)
			current = next
		}
	}
	merged = append(merged, current)
	return merged
}
