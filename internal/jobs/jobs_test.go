package jobs

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/KDE/kdenlive-sub010/internal/frames"
)

func TestRunnerRunsAndReportsFirstError(t *testing.T) {
	r := NewRunner(2, zerolog.Nop())
	var done atomic.Int32
	for i := 0; i < 10; i++ {
		r.Submit("k", func(func() bool) error {
			done.Add(1)
			return nil
		})
	}
	boom := errors.New("boom")
	r.Submit("bad", func(func() bool) error { return boom })
	if err := r.Wait(); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v; want boom", err)
	}
	if done.Load() != 10 {
		t.Fatalf("ran %d tasks; want 10", done.Load())
	}
	if r.Active("k") != 0 {
		t.Fatalf("finished tasks must be forgotten")
	}
}

func TestRunnerCancelIsCooperative(t *testing.T) {
	r := NewRunner(1, zerolog.Nop())
	started := make(chan struct{})
	var steps atomic.Int32
	r.Submit("clip-1", func(cancelled func() bool) error {
		close(started)
		for i := 0; i < 1000; i++ {
			if cancelled() {
				return ErrCancelled
			}
			steps.Add(1)
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	<-started
	r.Cancel("clip-1")
	if err := r.Wait(); err != nil {
		t.Fatalf("cancellation must not surface as failure: %v", err)
	}
	if steps.Load() >= 1000 {
		t.Fatalf("task ignored cancellation")
	}
}

func writeWav(t *testing.T, path string, sampleRate int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestComputeLevels(t *testing.T) {
	// 1 s at 1 kHz: first half silent, second half full scale
	samples := make([]int, 1000)
	for i := 500; i < 1000; i++ {
		samples[i] = 32767
	}
	path := filepath.Join(t.TempDir(), "half.wav")
	writeWav(t, path, 1000, samples)

	lv, err := ComputeLevels(path, frames.Range{}, 10, 250, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 0, 1, 1}
	if len(lv.Peaks) != len(want) {
		t.Fatalf("peaks = %v; want %v", lv.Peaks, want)
	}
	for i := range want {
		if lv.Peaks[i] != want[i] {
			t.Fatalf("peaks = %v; want %v", lv.Peaks, want)
		}
	}

	// frames 5..7 at 10 fps = samples 500..700
	part, err := ComputeLevels(path, frames.Range{Start: 5, End: 7}, 10, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(part.Peaks) != 2 || part.Duration != 0.2 {
		t.Fatalf("partial levels = %+v", part)
	}

	if _, err := ComputeLevels(path, frames.Range{}, 10, 100, func() bool { return true }); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v; want ErrCancelled", err)
	}
}
