package jobs

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/KDE/kdenlive-sub010/internal/frames"
)

const (
	MinDisplayDb = -60.0
	MaxDisplayDb = 0.0
)

// Levels are peak values scaled for a logarithmic display, one per block of
// SamplesPerPixel audio frames.
type Levels struct {
	Duration        float64   `json:"duration"`
	SamplesPerPixel int       `json:"samples_per_pixel"`
	Peaks           []float64 `json:"peaks"`
}

// dbHeight maps a linear peak in [0,1] onto the display range.
func dbHeight(linear float64) float64 {
	var db float64
	if linear < 0.000001 {
		db = MinDisplayDb
	} else {
		db = 20 * math.Log10(linear)
	}
	if db < MinDisplayDb {
		db = MinDisplayDb
	} else if db > MaxDisplayDb {
		db = MaxDisplayDb
	}
	h := (db - MinDisplayDb) / (MaxDisplayDb - MinDisplayDb)
	return math.Max(0, math.Min(1, h))
}

// ComputeLevels reads the span r (in project frames at fps) of a 16-bit PCM
// WAV file. cancelled is polled once per decoded chunk; nil means never.
func ComputeLevels(path string, r frames.Range, fps float64, samplesPerPixel int, cancelled func() bool) (*Levels, error) {
	if samplesPerPixel < 1 {
		return nil, fmt.Errorf("samples per pixel must be at least 1")
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file '%s': %w", path, err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("'%s' is not a valid WAV file", path)
	}
	if decoder.WavAudioFormat != 1 || decoder.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported WAV format: only 16-bit PCM is supported (got %d-bit, format %d)", decoder.BitDepth, decoder.WavAudioFormat)
	}
	format := decoder.Format()
	if format == nil || format.NumChannels == 0 {
		return nil, fmt.Errorf("could not retrieve audio format details from '%s'", path)
	}
	channels := format.NumChannels
	sampleRate := format.SampleRate

	first := int(math.Round(frames.Seconds(r.Start, fps) * float64(sampleRate)))
	last := math.MaxInt
	if !r.Empty() {
		last = int(math.Round(frames.Seconds(r.End, fps) * float64(sampleRate)))
	}

	chunk := 8192
	if chunk%channels != 0 {
		chunk = (chunk/channels + 1) * channels
	}
	buf := &audio.IntBuffer{Format: format, Data: make([]int, chunk)}

	out := &Levels{SamplesPerPixel: samplesPerPixel}
	var blockPeak int32
	inBlock := 0
	pos := 0 // audio frame index in the file
	used := 0

	for pos < last {
		if cancelled() {
			return nil, ErrCancelled
		}
		n, err := decoder.PCMBuffer(buf)
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading PCM chunk: %w", err)
		}
		data := buf.Data[:n]
		for i := 0; i < n/channels; i, pos = i+1, pos+1 {
			if pos < first {
				continue
			}
			if pos >= last {
				break
			}
			var peak int32
			for ch := 0; ch < channels; ch++ {
				v := int32(data[i*channels+ch])
				if v < 0 {
					v = -v
				}
				if v > peak {
					peak = v
				}
			}
			if peak > blockPeak {
				blockPeak = peak
			}
			inBlock++
			used++
			if inBlock >= samplesPerPixel {
				out.Peaks = append(out.Peaks, dbHeight(float64(blockPeak)/32767.0))
				blockPeak, inBlock = 0, 0
			}
		}
	}
	if inBlock > 0 {
		out.Peaks = append(out.Peaks, dbHeight(float64(blockPeak)/32767.0))
	}
	out.Duration = float64(used) / float64(sampleRate)
	return out, nil
}
