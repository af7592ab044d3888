// Package project carries the per-project settings and services that tracks
// and timelines are constructed with.
package project

import (
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/KDE/kdenlive-sub010/internal/config"
	"github.com/KDE/kdenlive-sub010/internal/frames"
	"github.com/KDE/kdenlive-sub010/internal/jobs"
)

// Context is what editing code may ask of the surrounding project.
type Context interface {
	FPS() float64
	CacheDir() string
	DuplicateAudio() bool
	DefaultTransition() string
	Submit(key string, task jobs.Task)
	Cancel(key string)
	Logger() zerolog.Logger
}

type Project struct {
	cfg    *config.Config
	runner *jobs.Runner
	log    zerolog.Logger
}

// New builds a project context. A nil runner gets a single worker runner.
func New(cfg *config.Config, runner *jobs.Runner, log zerolog.Logger) *Project {
	if cfg == nil {
		cfg = config.Default()
	}
	if runner == nil {
		runner = jobs.NewRunner(1, log)
	}
	return &Project{cfg: cfg, runner: runner, log: log}
}

func (p *Project) FPS() float64                   { return p.cfg.FPS }
func (p *Project) CacheDir() string               { return p.cfg.CacheDir }
func (p *Project) DuplicateAudio() bool           { return p.cfg.DuplicateAudioSources }
func (p *Project) DefaultTransition() string      { return p.cfg.DefaultTransition }
func (p *Project) Submit(key string, t jobs.Task) { p.runner.Submit(key, t) }
func (p *Project) Cancel(key string)              { p.runner.Cancel(key) }
func (p *Project) Logger() zerolog.Logger         { return p.log }

// PreviewDBPath is the configured preview database, or preview.db in the
// cache directory.
func (p *Project) PreviewDBPath() string {
	if p.cfg.PreviewDB != "" {
		return p.cfg.PreviewDB
	}
	return filepath.Join(p.CacheDir(), "preview.db")
}

// Runner exposes the job runner so callers can Wait on it.
func (p *Project) Runner() *jobs.Runner { return p.runner }

// Frame converts seconds to a project frame.
func (p *Project) Frame(seconds float64) int { return frames.Frames(seconds, p.cfg.FPS) }
