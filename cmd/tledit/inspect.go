package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KDE/kdenlive-sub010/internal/document"
	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/timeline"
)

var inspectRewrite string

var inspectCmd = &cobra.Command{
	Use:   "inspect <document.yaml>",
	Short: "Load a clip list document and print its layout",
	Long: `Loads the document onto an empty timeline, reports every clip,
track or transition that had to be dropped, then prints each track
segment by segment.

Examples:
  tledit inspect project.yaml
  tledit inspect project.yaml --rewrite cleaned.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := document.LoadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		tl := app.newTimeline()
		diags, err := document.Load(tl, doc)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, d := range diags {
			app.log.Warn().Str("track", d.Track).Str("clip", d.Clip).Msg(d.Reason)
			fmt.Fprintf(out, "dropped: %s\n", d)
		}
		printTimeline(out, tl)

		if inspectRewrite != "" {
			if err := document.SaveFile(inspectRewrite, document.Export(tl)); err != nil {
				return fmt.Errorf("failed to write %s: %w", inspectRewrite, err)
			}
			app.log.Info().Str("path", inspectRewrite).Msg("document rewritten")
		}
		return nil
	},
}

func printTimeline(w io.Writer, tl *timeline.Timeline) {
	fps := tl.Context().FPS()
	for _, tr := range tl.Tracks() {
		flags := ""
		if tr.Locked() {
			flags += " locked"
		}
		if tr.Muted() {
			flags += " muted"
		}
		if tr.Hidden() {
			flags += " hidden"
		}
		fmt.Fprintf(w, "%s (%s)%s, %d effects\n", tr.ID(), tr.Kind(), flags, len(tr.Effects()))
		for _, s := range tr.Segments() {
			if s.Blank() {
				fmt.Fprintf(w, "  %-14s blank\n", s.Range)
				continue
			}
			c := s.Clip
			note := ""
			if c.Missing {
				note = " MISSING"
			}
			if c.Speed != 1 {
				note += fmt.Sprintf(" x%g", c.Speed)
			}
			fmt.Fprintf(w, "  %-14s %s %s[%d-%d] %s %s%s\n", s.Range, c.ID, c.SourceID, c.CropIn, c.CropOut, c.State, c.Binding, note)
		}
	}
	for _, x := range tl.Transitions() {
		kind := "explicit"
		if x.Auto {
			kind = "auto"
		}
		fmt.Fprintf(w, "transition %s -> %s %s %s (%s)\n", x.TrackA, x.TrackB, x.Range, x.Kind, kind)
	}
	d := tl.EffectiveDuration()
	fmt.Fprintf(w, "duration: %d frames (%.2fs at %g fps)\n", d, frames.Seconds(d, fps), fps)
}
