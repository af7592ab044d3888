package track

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/KDE/kdenlive-sub010/internal/config"
	"github.com/KDE/kdenlive-sub010/internal/effects"
	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/media"
	"github.com/KDE/kdenlive-sub010/internal/project"
	"github.com/KDE/kdenlive-sub010/internal/remap"
	"github.com/KDE/kdenlive-sub010/internal/sources"
)

const fps = 30

type recorder struct {
	mu      sync.Mutex
	lengths []int
	invalid []frames.Range
	removed []string
}

func (r *recorder) TrackLengthChanged(_ string, n int) {
	r.mu.Lock()
	r.lengths = append(r.lengths, n)
	r.mu.Unlock()
}

func (r *recorder) ClipInvalidated(_ string, rg frames.Range) {
	r.mu.Lock()
	r.invalid = append(r.invalid, rg)
	r.mu.Unlock()
}

func (r *recorder) ClipRemoved(_, id string) {
	r.mu.Lock()
	r.removed = append(r.removed, id)
	r.mu.Unlock()
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.lengths, r.invalid, r.removed = nil, nil, nil
	r.mu.Unlock()
}

type env struct {
	ctx    *project.Project
	engine *media.MemoryEngine
	reg    *sources.Registry
	remaps *remap.Engine
}

func newEnv(opts ...func(*config.Config)) *env {
	cfg := config.Default()
	cfg.FPS = fps
	for _, o := range opts {
		o(cfg)
	}
	log := zerolog.Nop()
	engine := media.NewMemoryEngine()
	return &env{
		ctx:    project.New(cfg, nil, log),
		engine: engine,
		reg:    sources.NewRegistry(engine, log),
		remaps: remap.New(engine, log),
	}
}

func (e *env) track(id string, kind Kind) (*Track, *recorder) {
	rec := &recorder{}
	tr := New(id, kind, Deps{Context: e.ctx, Engine: e.engine, Sources: e.reg, Remaps: e.remaps, Listener: rec})
	return tr, rec
}

func sec(frame int) float64 { return float64(frame) / fps }

func wavSource(id string, n int) *media.Source {
	return media.NewSource(id, "/media/"+id+".wav", "avformat", n)
}

func mustAdd(t *testing.T, tr *Track, frame int, p AddParams) string {
	t.Helper()
	p.Position = sec(frame)
	id, _, err := tr.Add(p)
	if err != nil {
		t.Fatalf("Add at %d: %v", frame, err)
	}
	return id
}

// layout renders the segments as "b120" / "c[0-89]" tokens.
func layout(tr *Track) string {
	var parts []string
	for _, s := range tr.Segments() {
		if s.Blank() {
			parts = append(parts, fmt.Sprintf("b%d", s.Range.Len()))
			continue
		}
		parts = append(parts, fmt.Sprintf("c[%d-%d]", s.Clip.CropIn, s.Clip.CropOut))
	}
	return strings.Join(parts, " ")
}

func assertLayout(t *testing.T, tr *Track) {
	t.Helper()
	pos := 0
	segs := tr.Segments()
	for i, s := range segs {
		if s.Range.Start != pos {
			t.Fatalf("segment %d starts at %d; want %d (%s)", i, s.Range.Start, pos, layout(tr))
		}
		if s.Range.Len() <= 0 {
			t.Fatalf("segment %d is empty (%s)", i, layout(tr))
		}
		if s.Blank() && i > 0 && segs[i-1].Blank() {
			t.Fatalf("blanks %d and %d not merged (%s)", i-1, i, layout(tr))
		}
		if !s.Blank() && s.Clip.Length() != s.Range.Len() {
			t.Fatalf("clip %s length %d fills %d frames", s.Clip.ID, s.Clip.Length(), s.Range.Len())
		}
		pos = s.Range.End
	}
	if pos != tr.Length() {
		t.Fatalf("segments end at %d; track length %d", pos, tr.Length())
	}
}

func TestAddResizeDelete(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 300)
	mustAdd(t, tr, 0, AddParams{Source: src, CropIn: 0, CropOut: 89})
	if got := tr.Length(); got != 90 {
		t.Fatalf("length after add = %d; want 90", got)
	}

	if _, err := tr.Resize(0, 30, true); err != nil {
		t.Fatal(err)
	}
	c, ok := tr.ClipAt(0)
	if !ok || c.CropOut != 119 {
		t.Fatalf("after resize clip = %+v; want crop out 119", c)
	}
	if got := tr.Length(); got != 120 {
		t.Fatalf("length after resize = %d; want 120", got)
	}

	if _, err := tr.Delete(0); err != nil {
		t.Fatal(err)
	}
	segs := tr.Segments()
	if len(segs) != 1 || !segs[0].Blank() || segs[0].Range != (frames.Range{Start: 0, End: 120}) {
		t.Fatalf("after delete segments = %s; want one blank of 120", layout(tr))
	}
	if tr.ContentLength() != 0 {
		t.Fatalf("content length = %d; want 0", tr.ContentLength())
	}
}

func TestAddRejects(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 100)
	mustAdd(t, tr, 10, AddParams{Source: src, CropIn: 0, CropOut: 49})

	tests := []struct {
		name string
		p    AddParams
		want error
	}{
		{"nil source", AddParams{}, ErrInvalidSource},
		{"invalid source", AddParams{Source: media.MissingSource("m", "/gone.wav", "avformat", 10), CropOut: 5}, ErrInvalidSource},
		{"inverted crop", AddParams{Source: src, CropIn: 10, CropOut: 5, Position: sec(100)}, ErrInvariant},
		{"past source end", AddParams{Source: src, CropIn: 50, CropOut: 100, Position: sec(100)}, ErrInvariant},
		{"overlap", AddParams{Source: src, CropIn: 0, CropOut: 9, Position: sec(20)}, ErrInvariant},
		{"blank too small", AddParams{Source: src, CropIn: 0, CropOut: 19, Position: sec(0)}, ErrInvariant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := layout(tr)
			if _, _, err := tr.Add(tt.p); !errors.Is(err, tt.want) {
				t.Fatalf("Add error = %v; want %v", err, tt.want)
			}
			if got := layout(tr); got != before {
				t.Fatalf("layout changed on rejected add: %s -> %s", before, got)
			}
		})
	}
}

func TestCutReconstructs(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 300)
	first := mustAdd(t, tr, 0, AddParams{Source: src, CropIn: 0, CropOut: 89})

	second, _, err := tr.Cut(1.5)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := tr.ClipByID(first)
	b, ok := tr.ClipByID(second)
	if !ok {
		t.Fatalf("second half %s not found", second)
	}
	if a.CropOut != 44 || b.CropIn != 45 || b.CropOut != 89 || b.Position != 45 {
		t.Fatalf("halves = [%d-%d] and [%d-%d]@%d", a.CropIn, a.CropOut, b.CropIn, b.CropOut, b.Position)
	}
	if a.SourceID != b.SourceID {
		t.Fatalf("halves play %s and %s", a.SourceID, b.SourceID)
	}
	if a.CropOut+1 != b.CropIn || a.Range().End != b.Position {
		t.Fatal("halves are not contiguous")
	}

	if _, _, err := tr.Cut(sec(45)); !errors.Is(err, ErrInvariant) {
		t.Fatalf("cut at clip start error = %v; want ErrInvariant", err)
	}
	if _, _, err := tr.Cut(sec(200)); !errors.Is(err, ErrNoClip) {
		t.Fatalf("cut in blank error = %v; want ErrNoClip", err)
	}
}

func TestResizeRoundTrip(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 300)
	mustAdd(t, tr, 0, AddParams{Source: src, CropIn: 0, CropOut: 89})
	mustAdd(t, tr, 100, AddParams{Source: src, CropIn: 10, CropOut: 59})
	mustAdd(t, tr, 200, AddParams{Source: src, CropIn: 0, CropOut: 29})
	start := layout(tr)

	tests := []struct {
		name    string
		pos     int
		delta   int
		fromEnd bool
	}{
		{"grow tail", 0, 10, true},
		{"shrink tail", 0, -20, true},
		{"grow head", 100, 5, false},
		{"shrink head", 100, -7, false},
		{"grow last clip", 200, 40, true},
		{"shrink last clip", 200, -10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tr.Resize(sec(tt.pos), tt.delta, tt.fromEnd); err != nil {
				t.Fatal(err)
			}
			assertLayout(t, tr)
			back := tt.pos
			if !tt.fromEnd {
				back -= tt.delta
			}
			if _, err := tr.Resize(sec(back), -tt.delta, tt.fromEnd); err != nil {
				t.Fatal(err)
			}
			if got := layout(tr); got != start {
				t.Fatalf("layout after +/-%d = %s; want %s", tt.delta, got, start)
			}
		})
	}

	if _, err := tr.Resize(0, 20, true); !errors.Is(err, ErrInvariant) {
		t.Fatalf("resize into next clip error = %v; want ErrInvariant", err)
	}
	if _, err := tr.Resize(sec(100), 11, false); !errors.Is(err, ErrInvariant) {
		t.Fatalf("resize head past crop 0 error = %v; want ErrInvariant", err)
	}
}

func TestRandomEditsKeepLayout(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 1000)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		pos := rng.Intn(600)
		switch rng.Intn(6) {
		case 0:
			in := rng.Intn(500)
			mode := EditMode(rng.Intn(2))
			_, _, _ = tr.Add(AddParams{Position: sec(pos), Source: src, CropIn: in, CropOut: in + 1 + rng.Intn(80), Mode: mode})
		case 1:
			_, _ = tr.Move(sec(pos), sec(rng.Intn(600)), EditMode(rng.Intn(2)))
		case 2:
			_, _ = tr.Delete(sec(pos))
		case 3:
			_, _ = tr.Resize(sec(pos), rng.Intn(41)-20, rng.Intn(2) == 0)
		case 4:
			_, _, _ = tr.Cut(sec(pos))
		case 5:
			_, _ = tr.Lift(sec(pos), sec(1+rng.Intn(60)))
		}
		assertLayout(t, tr)
	}
}

func TestInsertRipples(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("v1", Video)
	src := wavSource("s1", 300)
	mustAdd(t, tr, 0, AddParams{Source: src, CropIn: 0, CropOut: 89})
	mustAdd(t, tr, 30, AddParams{Source: src, CropIn: 200, CropOut: 219, Mode: Insert})

	if got, want := layout(tr), "c[0-29] c[200-219] c[30-89]"; got != want {
		t.Fatalf("layout = %s; want %s", got, want)
	}
	if tr.Length() != 110 {
		t.Fatalf("length = %d; want 110", tr.Length())
	}
}

func TestLiftAcrossClips(t *testing.T) {
	e := newEnv()
	tr, rec := e.track("a1", Audio)
	src := wavSource("s1", 300)
	mustAdd(t, tr, 0, AddParams{Source: src, CropIn: 0, CropOut: 89})
	second := mustAdd(t, tr, 100, AddParams{Source: src, CropIn: 0, CropOut: 89})
	rec.reset()

	if _, err := tr.Lift(sec(50), sec(100)); err != nil {
		t.Fatal(err)
	}
	if got, want := layout(tr), "c[0-49] b100 c[50-89]"; got != want {
		t.Fatalf("layout = %s; want %s", got, want)
	}
	if !reflect.DeepEqual(rec.removed, []string{second}) {
		t.Fatalf("removed = %v; want [%s]", rec.removed, second)
	}
	if tr.Length() != 190 {
		t.Fatalf("lift changed track length to %d", tr.Length())
	}
}

func TestNotifications(t *testing.T) {
	e := newEnv()
	tr, rec := e.track("a1", Audio)
	id := mustAdd(t, tr, 0, AddParams{Source: wavSource("s1", 300), CropIn: 0, CropOut: 89})

	if !reflect.DeepEqual(rec.invalid, []frames.Range{{Start: 0, End: 90}}) {
		t.Fatalf("invalidated = %v", rec.invalid)
	}
	if !reflect.DeepEqual(rec.lengths, []int{90}) {
		t.Fatalf("lengths = %v", rec.lengths)
	}

	rec.reset()
	if _, err := tr.Delete(0); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rec.removed, []string{id}) || !reflect.DeepEqual(rec.lengths, []int{0}) {
		t.Fatalf("after delete removed = %v lengths = %v", rec.removed, rec.lengths)
	}

	rec.reset()
	tr.SetMuted(true)
	if len(rec.invalid) != 0 {
		t.Fatalf("muting an empty track invalidated %v", rec.invalid)
	}
}

func TestSpeedSharesDerivative(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 300)
	a := mustAdd(t, tr, 0, AddParams{Source: src, CropIn: 0, CropOut: 49, Speed: 2})
	b := mustAdd(t, tr, 100, AddParams{Source: src, CropIn: 20, CropOut: 69, Speed: 2})

	key := remap.KeyFor(src, 2, 1, media.Original)
	ca, _ := tr.ClipByID(a)
	cb, _ := tr.ClipByID(b)
	if ca.Binding != sources.Derivative || ca.Handle != cb.Handle || ca.Handle == nil {
		t.Fatalf("clips bound to %v/%p and %v/%p", ca.Binding, ca.Handle, cb.Binding, cb.Handle)
	}
	if e.engine.RemapCalls() != 1 {
		t.Fatalf("remap calls = %d; want 1", e.engine.RemapCalls())
	}
	if e.remaps.Refs(key) != 2 {
		t.Fatalf("refs = %d; want 2", e.remaps.Refs(key))
	}

	if _, err := tr.Delete(0); err != nil {
		t.Fatal(err)
	}
	if e.remaps.Refs(key) != 1 {
		t.Fatalf("refs after delete = %d; want 1", e.remaps.Refs(key))
	}
	if _, err := tr.Delete(sec(100)); err != nil {
		t.Fatal(err)
	}
	if e.remaps.Len() != 0 {
		t.Fatalf("cache holds %d derivatives after last delete", e.remaps.Len())
	}
}

func TestChangeClipSpeed(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 300)
	id := mustAdd(t, tr, 0, AddParams{Source: src, CropIn: 0, CropOut: 89})
	mustAdd(t, tr, 100, AddParams{Source: src, CropIn: 0, CropOut: 29})
	if _, _, err := tr.AddClipEffect(0, effects.Filter{Service: "volume", SyncInOut: true}); err != nil {
		t.Fatal(err)
	}

	// slower clip grows into the blank, capped by the next clip
	n, _, err := tr.ChangeClipSpeed(0, 0.5, 1, media.Original)
	if err != nil {
		t.Fatal(err)
	}
	if n != 100 {
		t.Fatalf("new length = %d; want 100", n)
	}
	c, _ := tr.ClipByID(id)
	if c.Speed != 0.5 || c.Binding != sources.Derivative || c.Length() != 100 {
		t.Fatalf("clip after retime = %+v", c)
	}
	if len(c.Filters) != 1 || c.Filters[0].Out != 99 {
		t.Fatalf("filters not rebounded: %+v", c.Filters)
	}

	n, _, err = tr.ChangeClipSpeed(0, 2, 1, media.Original)
	if err != nil {
		t.Fatal(err)
	}
	if n != 25 {
		t.Fatalf("length at speed 2 = %d; want 25", n)
	}
	if e.remaps.Len() != 1 {
		t.Fatalf("cache holds %d derivatives; the 0.5x one should be gone", e.remaps.Len())
	}

	n, _, err = tr.ChangeClipSpeed(0, 1, 1, media.Original)
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := tr.ClipByID(id); n != 50 || c.Binding != sources.Direct {
		t.Fatalf("back to normal speed: length %d binding %v", n, c.Binding)
	}

	if _, _, err := tr.ChangeClipSpeed(0, 100, 1, media.Original); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("speed 100 error = %v; want ErrNoRoom", err)
	}
	if _, _, err := tr.ChangeClipSpeed(0, -1, 1, media.Original); !errors.Is(err, ErrInvariant) {
		t.Fatalf("negative speed error = %v; want ErrInvariant", err)
	}
}

func TestChangeClipSpeedUnsupported(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("v1", Video)
	src := media.NewSource("c1", "", "color", 0)
	mustAdd(t, tr, 0, AddParams{Source: src, CropIn: 0, CropOut: 49})
	before := layout(tr)
	if _, _, err := tr.ChangeClipSpeed(0, 2, 1, media.Original); !errors.Is(err, remap.ErrUnsupported) {
		t.Fatalf("error = %v; want ErrUnsupported", err)
	}
	if layout(tr) != before {
		t.Fatal("failed retime changed the layout")
	}
}

func TestClonePerTrack(t *testing.T) {
	e := newEnv()
	a1, _ := e.track("a1", Audio)
	a2, _ := e.track("a2", Audio)
	src := wavSource("s1", 300)

	x := mustAdd(t, a1, 0, AddParams{Source: src, CropOut: 49, Duplicate: true})
	y := mustAdd(t, a2, 0, AddParams{Source: src, CropOut: 49, Duplicate: true})
	z := mustAdd(t, a2, 100, AddParams{Source: src, CropOut: 49, Duplicate: true, State: media.VideoOnly})

	cx, _ := a1.ClipByID(x)
	cy, _ := a2.ClipByID(y)
	cz, _ := a2.ClipByID(z)
	if cx.Binding != sources.Cloned || cy.Binding != sources.Cloned {
		t.Fatalf("bindings = %v, %v; want cloned", cx.Binding, cy.Binding)
	}
	if cx.Handle == cy.Handle || cx.Handle.Parent != src {
		t.Fatal("tracks share a clone or the clone does not point at the original")
	}
	if cz.Binding != sources.Direct || cz.Handle != src {
		t.Fatalf("video-only clip bound %v to %v", cz.Binding, cz.Handle)
	}
	if e.engine.CloneCalls() != 2 {
		t.Fatalf("clone calls = %d; want 2", e.engine.CloneCalls())
	}

	// a second clip on the same track reuses the clone
	w := mustAdd(t, a1, 100, AddParams{Source: src, CropIn: 100, CropOut: 149, Duplicate: true})
	if cw, _ := a1.ClipByID(w); cw.Handle != cx.Handle {
		t.Fatal("same track got a second clone")
	}

	if _, err := a1.Delete(0); err != nil {
		t.Fatal(err)
	}
	if len(e.reg.ClonesFor("a1")) != 1 {
		t.Fatal("clone released while a clip still uses it")
	}
	if _, err := a1.Delete(sec(100)); err != nil {
		t.Fatal(err)
	}
	if len(e.reg.ClonesFor("a1")) != 0 {
		t.Fatalf("clones left on a1: %v", e.reg.ClonesFor("a1"))
	}
}

func TestCloneFailureRollsBack(t *testing.T) {
	e := newEnv()
	tr, rec := e.track("a1", Audio)
	src := wavSource("s1", 300)
	mustAdd(t, tr, 0, AddParams{Source: src, CropOut: 49})
	before := layout(tr)
	rec.reset()

	e.engine.FailClone = true
	_, _, err := tr.Add(AddParams{Position: sec(100), Source: src, CropOut: 49, Duplicate: true})
	if !errors.Is(err, sources.ErrCloneFailed) {
		t.Fatalf("error = %v; want ErrCloneFailed", err)
	}
	if got := layout(tr); got != before {
		t.Fatalf("layout = %s; want %s", got, before)
	}
	if len(rec.invalid)+len(rec.lengths)+len(rec.removed) != 0 {
		t.Fatal("failed edit sent notifications")
	}
}

func TestReplaceAll(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 300)
	direct := mustAdd(t, tr, 0, AddParams{Source: src, CropOut: 49})
	cloned := mustAdd(t, tr, 100, AddParams{Source: src, CropOut: 49, Duplicate: true})
	retimed := mustAdd(t, tr, 200, AddParams{Source: src, CropOut: 49, Speed: 2})
	other := mustAdd(t, tr, 300, AddParams{Source: wavSource("s2", 100), CropOut: 49})
	// another bin entry for the same file
	twin := mustAdd(t, tr, 400, AddParams{Source: media.NewSource("s3", src.URL, src.Service, 300), CropOut: 49, Speed: 2})
	oldKey := remap.KeyFor(src, 2, 1, media.Original)

	proxy := media.NewSource("p", "/media/s1-proxy.wav", "avformat", 300)
	n, _, err := tr.ReplaceAll("s1", proxy, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("rebound %d clips; want 3", n)
	}
	if c, _ := tr.ClipByID(direct); c.Handle != proxy {
		t.Fatal("direct clip still plays the old source")
	}
	if c, _ := tr.ClipByID(cloned); c.Binding != sources.Cloned || c.Handle.Parent != proxy {
		t.Fatal("cloned clip was not recloned from the new source")
	}
	c, _ := tr.ClipByID(retimed)
	if c.Binding != sources.Derivative || c.Handle.Parent != proxy {
		t.Fatal("retimed clip was not rebuilt from the new source")
	}
	if e.remaps.Refs(oldKey) != 1 || e.remaps.Refs(remap.KeyFor(proxy, 2, 1, media.Original)) != 1 {
		t.Fatal("derivative references were not moved to the new key")
	}
	if c, _ := tr.ClipByID(other); c.SourceID != "s2" {
		t.Fatal("clip of another source was rebound")
	}
	if c, _ := tr.ClipByID(twin); c.SourceID != "s3" || c.Binding != sources.Derivative || c.Handle.Parent.URL != src.URL {
		t.Fatalf("retimed clip of a source sharing the URL was rebound: %+v", c)
	}
}

func TestRevertApply(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 300)
	id, d, err := tr.Add(AddParams{Source: src, CropOut: 89})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tr.AddClipEffect(0, effects.Filter{Service: "volume"}); err != nil {
		t.Fatal(err)
	}
	_, cut, err := tr.Cut(1)
	if err != nil {
		t.Fatal(err)
	}
	afterCut := layout(tr)

	if _, err := tr.Revert(cut); err != nil {
		t.Fatal(err)
	}
	if got := layout(tr); got != "c[0-89]" {
		t.Fatalf("after revert layout = %s", got)
	}
	if got := len(e.engine.Filters(media.Target(id))); got != 1 {
		t.Fatalf("engine filters on %s = %d; want 1", id, got)
	}
	if _, err := tr.Apply(cut); err != nil {
		t.Fatal(err)
	}
	if got := layout(tr); got != afterCut {
		t.Fatalf("after apply layout = %s; want %s", got, afterCut)
	}

	if _, err := tr.Revert(cut); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Revert(d); err != nil {
		t.Fatal(err)
	}
	if tr.Length() != 0 || len(e.engine.Filters(media.Target(id))) != 0 {
		t.Fatalf("revert of add left length %d", tr.Length())
	}

	other, _ := e.track("a2", Audio)
	if _, err := other.Revert(d); !errors.Is(err, ErrInvariant) {
		t.Fatalf("foreign delta error = %v; want ErrInvariant", err)
	}
}

func TestLockedTrack(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	_, d, err := tr.Add(AddParams{Source: wavSource("s1", 100), CropOut: 9})
	if err != nil {
		t.Fatal(err)
	}
	tr.SetLocked(true)
	if _, _, err := tr.Add(AddParams{Position: 1, Source: wavSource("s1", 100), CropOut: 9}); !errors.Is(err, ErrLocked) {
		t.Fatalf("add error = %v; want ErrLocked", err)
	}
	if _, err := tr.Revert(d); !errors.Is(err, ErrLocked) {
		t.Fatalf("revert error = %v; want ErrLocked", err)
	}
	// a reload still reaches locked tracks and leaves them locked
	proxy := media.NewSource("p", "/media/s1-proxy.wav", "avformat", 100)
	if n, _, err := tr.ReplaceAll("s1", proxy, nil); err != nil || n != 1 {
		t.Fatalf("replace on locked track = %d, %v; want 1, nil", n, err)
	}
	if !tr.Locked() {
		t.Fatal("replace unlocked the track")
	}
	tr.SetLocked(false)
	if _, err := tr.Revert(d); err != nil {
		t.Fatal(err)
	}
}

func TestClipEffectsFollowEdits(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	id := mustAdd(t, tr, 0, AddParams{Source: wavSource("s1", 300), CropOut: 89})

	for _, svc := range []string{"volume", "eq"} {
		if _, _, err := tr.AddClipEffect(0, effects.Filter{Service: svc, SyncInOut: true}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tr.MoveClipEffect(0, 2, 1); err != nil {
		t.Fatal(err)
	}
	fs, err := tr.ClipEffects(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 2 || fs[0].Service != "eq" || fs[0].Index != 1 {
		t.Fatalf("filters after move = %+v", fs)
	}

	second, _, err := tr.Cut(sec(30))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(e.engine.Filters(media.Target(second))); got != 2 {
		t.Fatalf("second half has %d engine filters; want 2", got)
	}
	fs, _ = tr.ClipEffects(0)
	if fs[0].Out != 29 {
		t.Fatalf("first half filter out = %d; want 29", fs[0].Out)
	}

	if _, err := tr.RemoveClipEffect(0, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.RemoveClipEffect(0, 5); !errors.Is(err, effects.ErrNoFilter) {
		t.Fatalf("remove missing filter error = %v", err)
	}
	if _, err := tr.Delete(0); err != nil {
		t.Fatal(err)
	}
	if got := len(e.engine.Filters(media.Target(id))); got != 0 {
		t.Fatalf("deleted clip keeps %d engine filters", got)
	}
}

func TestTrackEffects(t *testing.T) {
	e := newEnv()
	tr, rec := e.track("v1", Video)
	mustAdd(t, tr, 0, AddParams{Source: wavSource("s1", 300), CropOut: 59})
	rec.reset()

	idx, _, err := tr.AddEffect(effects.Filter{Service: "brightness"})
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 || len(tr.Effects()) != 1 {
		t.Fatalf("track effects = %+v", tr.Effects())
	}
	if !reflect.DeepEqual(rec.invalid, []frames.Range{{Start: 0, End: 60}}) {
		t.Fatalf("invalidated = %v", rec.invalid)
	}
	if _, err := tr.EnableEffects(nil, true, false); err != nil {
		t.Fatal(err)
	}
	if !tr.Effects()[0].Disabled {
		t.Fatal("track effect still enabled")
	}
	if _, err := tr.RemoveEffect(1); err != nil {
		t.Fatal(err)
	}
	if len(e.engine.Filters(media.Target("track:v1"))) != 0 {
		t.Fatal("track filter left in engine")
	}
}

func TestMissingSourceStaysEditable(t *testing.T) {
	e := newEnv()
	tr, _ := e.track("a1", Audio)
	gone := media.MissingSource("m1", "/gone.wav", "avformat", 100)
	id := mustAdd(t, tr, 0, AddParams{Source: gone, CropOut: 49, AllowMissing: true})

	c, _ := tr.ClipByID(id)
	if !c.Missing {
		t.Fatal("clip of a missing source is not marked missing")
	}
	if _, err := tr.Resize(0, 10, true); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Move(0, sec(200), Overwrite); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tr.ChangeClipSpeed(sec(200), 2, 1, media.Original); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("retime missing clip error = %v; want ErrInvalidSource", err)
	}
}

func TestDuplicateAudioSetting(t *testing.T) {
	e := newEnv(func(c *config.Config) { c.DuplicateAudioSources = false })
	tr, _ := e.track("a1", Audio)
	src := wavSource("s1", 300)
	id := mustAdd(t, tr, 0, AddParams{Source: src, CropOut: 49, Duplicate: true})

	if c, _ := tr.ClipByID(id); c.Binding != sources.Direct || c.Handle != src {
		t.Fatalf("binding = %v to %v; want direct to the original", c.Binding, c.Handle)
	}
	if e.engine.CloneCalls() != 0 || len(e.reg.ClonesFor("a1")) != 0 {
		t.Fatal("clone made with duplicate_audio_sources off")
	}
}

// checkSegments validates one snapshot of a layout.
func checkSegments(segs []Segment) error {
	pos := 0
	for i, s := range segs {
		switch {
		case s.Range.Start != pos:
			return fmt.Errorf("segment %d starts at %d; want %d", i, s.Range.Start, pos)
		case s.Range.Len() <= 0:
			return fmt.Errorf("segment %d is empty", i)
		case s.Blank() && i > 0 && segs[i-1].Blank():
			return fmt.Errorf("blanks %d and %d not merged", i-1, i)
		case !s.Blank() && s.Clip.Length() != s.Range.Len():
			return fmt.Errorf("clip %s length %d fills %d frames", s.Clip.ID, s.Clip.Length(), s.Range.Len())
		}
		pos = s.Range.End
	}
	return nil
}

func TestReadersSeeWholeEdits(t *testing.T) {
	const readers = 4
	edits := []struct {
		name string
		run  func(tr *Track, rng *rand.Rand, src *media.Source)
	}{
		{"move", func(tr *Track, rng *rand.Rand, _ *media.Source) {
			_, _ = tr.Move(sec(rng.Intn(900)), sec(rng.Intn(900)), EditMode(rng.Intn(2)))
		}},
		{"resize", func(tr *Track, rng *rand.Rand, _ *media.Source) {
			_, _ = tr.Resize(sec(rng.Intn(900)), rng.Intn(41)-20, rng.Intn(2) == 0)
		}},
		{"cut", func(tr *Track, rng *rand.Rand, _ *media.Source) {
			_, _, _ = tr.Cut(sec(rng.Intn(900)))
		}},
		{"speed", func(tr *Track, rng *rand.Rand, _ *media.Source) {
			speeds := []float64{0.5, 1, 2, 4}
			_, _, _ = tr.ChangeClipSpeed(sec(rng.Intn(900)), speeds[rng.Intn(len(speeds))], 1, media.Original)
		}},
		{"delete", func(tr *Track, rng *rand.Rand, _ *media.Source) {
			_, _ = tr.Delete(sec(rng.Intn(900)))
		}},
		{"lift", func(tr *Track, rng *rand.Rand, _ *media.Source) {
			_, _ = tr.Lift(sec(rng.Intn(900)), sec(1+rng.Intn(60)))
		}},
	}

	for _, ed := range edits {
		t.Run(ed.name, func(t *testing.T) {
			e := newEnv()
			tr, _ := e.track("a1", Audio)
			src := wavSource("s1", 4000)
			for i := 0; i < 8; i++ {
				mustAdd(t, tr, i*100, AddParams{Source: src, CropIn: i * 100, CropOut: i*100 + 59})
			}

			done := make(chan struct{})
			errs := make(chan error, readers)
			var wg sync.WaitGroup
			for r := 0; r < readers; r++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed))
					for {
						select {
						case <-done:
							return
						default:
						}
						if err := checkSegments(tr.Segments()); err != nil {
							errs <- err
							return
						}
						f := rng.Intn(1000)
						if c, ok := tr.ClipAt(f); ok && !c.Range().Contains(f) {
							errs <- fmt.Errorf("clip %s at %s returned for frame %d", c.ID, c.Range(), f)
							return
						}
					}
				}(int64(r))
			}

			rng := rand.New(rand.NewSource(11))
			for i := 0; i < 400; i++ {
				if i%3 == 0 {
					in := rng.Intn(3000)
					_, _, _ = tr.Add(AddParams{Position: sec(rng.Intn(900)), Source: src, CropIn: in, CropOut: in + 1 + rng.Intn(80), Mode: EditMode(rng.Intn(2))})
					continue
				}
				ed.run(tr, rng, src)
			}
			close(done)
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
			assertLayout(t, tr)
		})
	}
}
