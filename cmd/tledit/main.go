// Command tledit inspects timeline documents and the WAV media they use.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/KDE/kdenlive-sub010/internal/config"
	"github.com/KDE/kdenlive-sub010/internal/jobs"
	"github.com/KDE/kdenlive-sub010/internal/logging"
	"github.com/KDE/kdenlive-sub010/internal/media"
	"github.com/KDE/kdenlive-sub010/internal/previewcache"
	"github.com/KDE/kdenlive-sub010/internal/project"
	"github.com/KDE/kdenlive-sub010/internal/timeline"
)

const appName = "tledit"

var (
	configPath string
	logDir     string
	logLevel   string
	noPreview  bool
)

// env is what every subcommand works against once the root has set it up.
type env struct {
	cfg     *config.Config
	log     zerolog.Logger
	runner  *jobs.Runner
	project *project.Project
	preview *previewcache.Cache

	closers []io.Closer
}

var app env

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Timeline clip list tools",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		log, closer, err := logging.Setup(appName, logDir, cfg.LogLevel)
		if err != nil {
			// console logging still works
			log.Warn().Err(err).Msg("log file unavailable")
		}
		app = env{cfg: cfg, log: log, closers: []io.Closer{closer}}
		warnings, err := cfg.Validate()
		for _, w := range warnings {
			log.Warn().Msg(w)
		}
		if err != nil {
			return err
		}
		app.runner = jobs.NewRunner(cfg.Workers, log)
		app.project = project.New(cfg, app.runner, log)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		var firstErr error
		if app.runner != nil {
			firstErr = app.runner.Wait()
		}
		for i := len(app.closers) - 1; i >= 0; i-- {
			if err := app.closers[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	},
}

// newTimeline builds an empty timeline, with the preview cache attached
// unless it was disabled or cannot be opened.
func (e *env) newTimeline() *timeline.Timeline {
	tl := timeline.New(timeline.Deps{
		Context: e.project,
		Engine:  media.NewMemoryEngine(),
	})
	if noPreview {
		return tl
	}
	pc, err := previewcache.Open(e.project.PreviewDBPath(), e.log)
	if err != nil {
		e.log.Warn().Err(err).Msg("preview cache disabled")
		return tl
	}
	e.preview = pc
	e.closers = append(e.closers, pc)
	tl.SetPreview(pc)
	return tl
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "configuration file")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "directory for log.txt (default: per-user app dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&noPreview, "no-preview", false, "do not open the preview cache")

	rootCmd.AddCommand(inspectCmd, probeCmd, levelsCmd, versionCmd)
	rootCmd.Version = appVersion
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
