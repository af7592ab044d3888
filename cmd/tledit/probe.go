package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/jobs"
	"github.com/KDE/kdenlive-sub010/internal/media/wavsource"
)

var (
	levelsStart      float64
	levelsDuration   float64
	levelsResolution int
	levelsWidth      int
)

var probeCmd = &cobra.Command{
	Use:   "probe <file.wav>",
	Short: "Print what the editor learns about a WAV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := wavsource.ReadInfo(args[0])
		if err != nil {
			return err
		}
		src, err := wavsource.Probe(args[0], app.project.FPS())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "id:          %s\n", src.ID)
		fmt.Fprintf(out, "url:         %s\n", src.URL)
		fmt.Fprintf(out, "format:      %d Hz, %d ch, %d bit\n", info.SampleRate, info.Channels, info.BitDepth)
		fmt.Fprintf(out, "duration:    %.3fs, %d frames at %g fps\n", info.DurationSec, src.Frames, app.project.FPS())
		fmt.Fprintf(out, "clone:       %v\n", src.Caps.NeedsPerTrackClone)
		fmt.Fprintf(out, "time remap:  %v\n", src.Caps.SupportsTimeRemap)
		return nil
	},
}

var levelsCmd = &cobra.Command{
	Use:   "levels <file.wav>",
	Short: "Compute audio levels of a WAV file on the job runner",
	Long: `Computes peak levels the way the timeline does for its audio
thumbnails and prints them as a coarse bar graph.

Examples:
  tledit levels voice.wav
  tledit levels voice.wav --start 10 --duration 5 --resolution 256`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fps := app.project.FPS()
		start := frames.Frames(levelsStart, fps)
		r := frames.Range{Start: start}
		if levelsDuration > 0 {
			r.End = start + frames.Frames(levelsDuration, fps)
		}

		var (
			mu     sync.Mutex
			levels *jobs.Levels
		)
		path := args[0]
		app.project.Submit(path, func(cancelled func() bool) error {
			l, err := jobs.ComputeLevels(path, r, fps, levelsResolution, cancelled)
			if err != nil {
				return err
			}
			mu.Lock()
			levels = l
			mu.Unlock()
			return nil
		})
		if err := app.runner.Wait(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%.3fs, %d peaks of %d samples\n", levels.Duration, len(levels.Peaks), levels.SamplesPerPixel)
		for _, row := range bars(levels.Peaks, levelsWidth) {
			fmt.Fprintln(out, row)
		}
		return nil
	},
}

// bars folds peaks into at most width rows, keeping the loudest value of
// each group.
func bars(peaks []float64, width int) []string {
	if len(peaks) == 0 || width < 1 {
		return nil
	}
	group := (len(peaks) + width - 1) / width
	var rows []string
	for i := 0; i < len(peaks); i += group {
		peak := 0.0
		for _, p := range peaks[i:min(i+group, len(peaks))] {
			peak = max(peak, p)
		}
		rows = append(rows, fmt.Sprintf("%6d %s", i, strings.Repeat("#", int(peak*40+0.5))))
	}
	return rows
}

func init() {
	levelsCmd.Flags().Float64Var(&levelsStart, "start", 0, "start offset in seconds")
	levelsCmd.Flags().Float64Var(&levelsDuration, "duration", 0, "seconds to read (0: to the end)")
	levelsCmd.Flags().IntVar(&levelsResolution, "resolution", 1024, "audio samples per peak")
	levelsCmd.Flags().IntVar(&levelsWidth, "rows", 32, "rows in the printed graph")
}
