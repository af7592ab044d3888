package effects

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/KDE/kdenlive-sub010/internal/media"
)

const target = media.Target("clip-1")

func services(engine *media.MemoryEngine) []string {
	var out []string
	for _, f := range engine.Filters(target) {
		out = append(out, f.Service)
	}
	return out
}

func stackServices(s *Stack) []string {
	var out []string
	for _, f := range s.Filters() {
		out = append(out, f.Service)
	}
	return out
}

func assertDense(t *testing.T, s *Stack) {
	t.Helper()
	for i, idx := range s.Indices() {
		if idx != i+1 {
			t.Fatalf("indices %v are not 1..%d", s.Indices(), s.Len())
		}
	}
}

func TestAddInsertsAndRelinksTail(t *testing.T) {
	engine := media.NewMemoryEngine()
	s := NewStack(engine, target)
	for _, svc := range []string{"a", "b", "c"} {
		if _, err := s.Add(Filter{Service: svc}, 100); err != nil {
			t.Fatal(err)
		}
	}
	idx, err := s.Add(Filter{Index: 2, Service: "x"}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 2 {
		t.Fatalf("Add returned index %d; want 2", idx)
	}
	want := []string{"a", "x", "b", "c"}
	if got := stackServices(s); !reflect.DeepEqual(got, want) {
		t.Fatalf("stack = %v; want %v", got, want)
	}
	if got := services(engine); !reflect.DeepEqual(got, want) {
		t.Fatalf("engine graph = %v; want %v", got, want)
	}
	assertDense(t, s)
}

func TestEditInPlaceKeepsEngineRef(t *testing.T) {
	engine := media.NewMemoryEngine()
	s := NewStack(engine, target)
	_, _ = s.Add(Filter{Service: "a"}, 50)
	_, _ = s.Add(Filter{Service: "b", Params: media.Params{{Key: "level", Value: "1"}}}, 50)
	before := engine.Filters(target)[1].Ref

	if err := s.Edit(2, Filter{Service: "b", Params: media.Params{{Key: "level", Value: "3"}}}, 50); err != nil {
		t.Fatal(err)
	}
	after := engine.Filters(target)
	if after[1].Ref != before {
		t.Fatalf("in-place edit must not reattach")
	}
	if v, _ := after[1].Params.Get("level"); v != "3" {
		t.Fatalf("level = %q; want 3", v)
	}

	// service change goes through remove and re-add
	if err := s.Edit(1, Filter{Service: "z"}, 50); err != nil {
		t.Fatal(err)
	}
	if got := services(engine); !reflect.DeepEqual(got, []string{"z", "b"}) {
		t.Fatalf("engine graph = %v", got)
	}
	assertDense(t, s)
}

func TestRemoveWithoutUpdateLeavesHoleForAdd(t *testing.T) {
	s := NewStack(media.NewMemoryEngine(), target)
	for _, svc := range []string{"a", "b", "c"} {
		_, _ = s.Add(Filter{Service: svc}, 10)
	}
	if _, err := s.Remove(2, false); err != nil {
		t.Fatal(err)
	}
	if got := s.Indices(); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("indices = %v; want [1 3]", got)
	}
	if _, err := s.Add(Filter{Index: 2, Service: "b2"}, 10); err != nil {
		t.Fatal(err)
	}
	if got := stackServices(s); !reflect.DeepEqual(got, []string{"a", "b2", "c"}) {
		t.Fatalf("stack = %v", got)
	}
	assertDense(t, s)
	if _, err := s.Remove(9, true); err == nil {
		t.Fatalf("expected ErrNoFilter")
	}
}

func TestMove(t *testing.T) {
	tests := []struct {
		name     string
		from, to int
		want     []string
	}{
		{"down", 1, 3, []string{"b", "c", "a", "d"}},
		{"up", 4, 2, []string{"a", "d", "b", "c"}},
		{"same", 2, 2, []string{"a", "b", "c", "d"}},
		{"past end", 1, 10, []string{"b", "c", "d", "a"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := media.NewMemoryEngine()
			s := NewStack(engine, target)
			for _, svc := range []string{"a", "b", "c", "d"} {
				_, _ = s.Add(Filter{Service: svc}, 10)
			}
			if err := s.Move(tc.from, tc.to); err != nil {
				t.Fatal(err)
			}
			if got := stackServices(s); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("stack = %v; want %v", got, tc.want)
			}
			if got := services(engine); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("engine graph = %v; want %v", got, tc.want)
			}
			assertDense(t, s)
		})
	}
}

func TestIndexDensityUnderRandomEdits(t *testing.T) {
	engine := media.NewMemoryEngine()
	s := NewStack(engine, target)
	rng := rand.New(rand.NewSource(7))
	for step := 0; step < 500; step++ {
		n := s.Len()
		switch op := rng.Intn(3); {
		case op == 0 || n == 0:
			_, _ = s.Add(Filter{Index: rng.Intn(n + 2), Service: "f"}, 100)
		case op == 1:
			_, _ = s.Remove(1+rng.Intn(n), true)
		default:
			_ = s.Move(1+rng.Intn(n), 1+rng.Intn(n))
		}
		assertDense(t, s)
		if len(engine.Filters(target)) != s.Len() {
			t.Fatalf("step %d: engine has %d filters, stack %d", step, len(engine.Filters(target)), s.Len())
		}
	}
}

func TestEnableRemembersUserDisabled(t *testing.T) {
	s := NewStack(media.NewMemoryEngine(), target)
	for _, svc := range []string{"a", "b", "c"} {
		_, _ = s.Add(Filter{Service: svc}, 10)
	}
	// user disables b by hand
	if err := s.Enable([]int{2}, true, false); err != nil {
		t.Fatal(err)
	}
	// bulk disable then bulk enable
	if err := s.Enable(nil, true, true); err != nil {
		t.Fatal(err)
	}
	for _, f := range s.Filters() {
		if !f.Disabled {
			t.Fatalf("filter %d should be disabled", f.Index)
		}
	}
	if err := s.Enable(nil, false, true); err != nil {
		t.Fatal(err)
	}
	got := []bool{}
	for _, f := range s.Filters() {
		got = append(got, f.Disabled)
	}
	if want := []bool{false, true, false}; !reflect.DeepEqual(got, want) {
		t.Fatalf("disabled = %v; want %v", got, want)
	}
}

func TestSliceRebasesFiltersAndKeyframes(t *testing.T) {
	s := NewStack(media.NewMemoryEngine(), target)
	_, _ = s.Add(Filter{
		Service:   "fade",
		SyncInOut: true,
		Keyframes: map[string]Keyframed{"level": NewKeyframed(Linear, Keyframe{0, 0}, Keyframe{80, 80})},
	}, 90)
	_, _ = s.Add(Filter{Service: "blur", In: 10, Out: 20}, 90)
	_, _ = s.Add(Filter{Service: "glow", In: 40, Out: 60}, 90)
	_, _ = s.Add(Filter{Service: "tint", In: 50, Out: 60}, 90)

	first := s.Slice(0, 45)
	if first[1].In != 10 || first[1].Out != 20 {
		t.Fatalf("window inside the first part moved to [%d,%d]", first[1].In, first[1].Out)
	}
	if first[2].In != 40 || first[2].Out != 44 {
		t.Fatalf("window crossing the cut = [%d,%d] on the first part; want [40,44]", first[2].In, first[2].Out)
	}

	second := s.Slice(45, 45)
	if second[0].In != 0 || second[0].Out != 44 {
		t.Fatalf("sync filter bounds = [%d,%d]; want [0,44]", second[0].In, second[0].Out)
	}
	if v := second[0].Keyframes["level"].ValueAt(0); v != 45 {
		t.Fatalf("level at new start = %v; want 45", v)
	}
	want := [][2]int{{0, 0}, {0, 15}, {5, 15}}
	for i, w := range want {
		f := second[i+1]
		if f.In != w[0] || f.Out != w[1] {
			t.Errorf("%s on the second part = [%d,%d]; want %v", f.Service, f.In, f.Out, w)
		}
	}
}

func TestRestoreReattaches(t *testing.T) {
	engine := media.NewMemoryEngine()
	s := NewStack(engine, target)
	_, _ = s.Add(Filter{Service: "a"}, 10)
	_, _ = s.Add(Filter{Service: "b"}, 10)
	snap := s.Snapshot()
	_, _ = s.Remove(1, true)
	_, _ = s.Add(Filter{Service: "c"}, 10)
	if err := s.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if got := services(engine); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("engine graph = %v", got)
	}

	if err := s.Retarget("clip-2"); err != nil {
		t.Fatal(err)
	}
	if len(engine.Filters(target)) != 0 || len(engine.Filters("clip-2")) != 2 {
		t.Fatalf("retarget did not move the filters")
	}
}
