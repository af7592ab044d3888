package effects

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Interpolation selects how a Keyframed value moves between two keyframes.
type Interpolation int

const (
	Step Interpolation = iota
	Linear
)

func (i Interpolation) String() string {
	if i == Linear {
		return "linear"
	}
	return "step"
}

// Keyframe pins a value at a frame relative to the filter's owner.
type Keyframe struct {
	Frame int     `json:"frame" yaml:"frame"`
	Value float64 `json:"value" yaml:"value"`
}

// Keyframed is an animated parameter on a single filter instance.
type Keyframed struct {
	Policy Interpolation `json:"policy" yaml:"policy"`
	Points []Keyframe    `json:"points" yaml:"points"`
}

// NewKeyframed sorts points by frame. When two points share a frame the last
// one wins.
func NewKeyframed(policy Interpolation, points ...Keyframe) Keyframed {
	sorted := make([]Keyframe, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Frame < sorted[j].Frame })

	out := sorted[:0]
	for _, p := range sorted {
		if n := len(out); n > 0 && out[n-1].Frame == p.Frame {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return Keyframed{Policy: policy, Points: out}
}

// ParseKeyframes reads "frame=value;frame=value". A "|=" separator anywhere
// selects step interpolation, otherwise interpolation is linear.
func ParseKeyframes(s string) (Keyframed, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Keyframed{}, fmt.Errorf("empty keyframe string")
	}
	policy := Linear
	var points []Keyframe
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sep := "="
		if strings.Contains(part, "|=") {
			sep = "|="
			policy = Step
		}
		frameStr, valueStr, ok := strings.Cut(part, sep)
		if !ok {
			return Keyframed{}, fmt.Errorf("keyframe %q: missing '='", part)
		}
		frame, err := strconv.Atoi(strings.TrimSpace(frameStr))
		if err != nil {
			return Keyframed{}, fmt.Errorf("keyframe %q: bad frame: %w", part, err)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
		if err != nil {
			return Keyframed{}, fmt.Errorf("keyframe %q: bad value: %w", part, err)
		}
		points = append(points, Keyframe{Frame: frame, Value: value})
	}
	if len(points) == 0 {
		return Keyframed{}, fmt.Errorf("no keyframes in %q", s)
	}
	return NewKeyframed(policy, points...), nil
}

func (k Keyframed) String() string {
	sep := "="
	if k.Policy == Step {
		sep = "|="
	}
	parts := make([]string, len(k.Points))
	for i, p := range k.Points {
		parts[i] = strconv.Itoa(p.Frame) + sep + strconv.FormatFloat(p.Value, 'f', -1, 64)
	}
	return strings.Join(parts, ";")
}

func (k Keyframed) Empty() bool { return len(k.Points) == 0 }

// ValueAt evaluates the parameter at frame. Outside the keyframed span the
// nearest keyframe value holds.
func (k Keyframed) ValueAt(frame int) float64 {
	n := len(k.Points)
	if n == 0 {
		return 0
	}
	if frame <= k.Points[0].Frame {
		return k.Points[0].Value
	}
	if frame >= k.Points[n-1].Frame {
		return k.Points[n-1].Value
	}
	// first point strictly after frame
	i := sort.Search(n, func(i int) bool { return k.Points[i].Frame > frame })
	a, b := k.Points[i-1], k.Points[i]
	if k.Policy == Step || a.Frame == frame {
		return a.Value
	}
	t := float64(frame-a.Frame) / float64(b.Frame-a.Frame)
	return a.Value + (b.Value-a.Value)*t
}

// Shift moves every keyframe by delta frames.
func (k Keyframed) Shift(delta int) Keyframed {
	out := Keyframed{Policy: k.Policy, Points: make([]Keyframe, len(k.Points))}
	for i, p := range k.Points {
		out.Points[i] = Keyframe{Frame: p.Frame + delta, Value: p.Value}
	}
	return out
}

// Clip restricts the keyframes to [0, length). Boundary keyframes are
// synthesized from the curve so the visible animation does not change.
func (k Keyframed) Clip(length int) Keyframed {
	if len(k.Points) == 0 || length <= 0 {
		return Keyframed{Policy: k.Policy}
	}
	last := length - 1
	out := []Keyframe{{Frame: 0, Value: k.ValueAt(0)}}
	for _, p := range k.Points {
		if p.Frame > 0 && p.Frame < last {
			out = append(out, p)
		}
	}
	if last > 0 {
		out = append(out, Keyframe{Frame: last, Value: k.ValueAt(last)})
	}
	return NewKeyframed(k.Policy, out...)
}

// Segment is one keyframe interval, inclusive on both ends.
type Segment struct {
	Start, End int
	From, To   float64
}

// LegacySegments splits the curve into per-interval segments the way older
// projects stored them as separate filters: every segment after the first
// starts one frame past the previous keyframe so neighbours never share a
// frame. Kept for comparing against documents written that way.
func (k Keyframed) LegacySegments() []Segment {
	if len(k.Points) < 2 {
		return nil
	}
	segs := make([]Segment, 0, len(k.Points)-1)
	for i := 0; i+1 < len(k.Points); i++ {
		a, b := k.Points[i], k.Points[i+1]
		start := a.Frame
		if i > 0 {
			start++
		}
		segs = append(segs, Segment{Start: start, End: b.Frame, From: a.Value, To: b.Value})
	}
	return segs
}

func (k Keyframed) Equal(o Keyframed) bool {
	if k.Policy != o.Policy || len(k.Points) != len(o.Points) {
		return false
	}
	for i := range k.Points {
		if k.Points[i].Frame != o.Points[i].Frame || !almostEqual(k.Points[i].Value, o.Points[i].Value) {
			return false
		}
	}
	return true
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
