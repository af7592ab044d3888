// Package jobs runs background work (audio levels, previews) next to the
// editor. Cancellation is cooperative: a task polls its flag between steps.
package jobs

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrCancelled is returned by tasks that stopped because their flag was set.
var ErrCancelled = errors.New("job cancelled")

// Task is one unit of background work. cancelled reports whether the task
// should stop at its next checkpoint.
type Task func(cancelled func() bool) error

// Runner executes tasks on a bounded number of goroutines.
type Runner struct {
	g       errgroup.Group
	pending sync.WaitGroup

	mu    sync.Mutex
	flags map[string][]*atomic.Bool

	errMu sync.Mutex
	err   error

	log zerolog.Logger
}

func NewRunner(workers int, log zerolog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	r := &Runner{
		flags: make(map[string][]*atomic.Bool),
		log:   log.With().Str("component", "jobs").Logger(),
	}
	r.g.SetLimit(workers)
	return r
}

// Submit queues task under key and returns immediately. Several tasks may
// share a key; Cancel(key) stops all of them.
func (r *Runner) Submit(key string, task Task) {
	flag := &atomic.Bool{}
	r.mu.Lock()
	r.flags[key] = append(r.flags[key], flag)
	r.mu.Unlock()

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		// Go blocks while every worker is busy
		r.g.Go(func() error {
			defer r.forget(key, flag)
			if flag.Load() {
				return nil
			}
			err := task(flag.Load)
			switch {
			case err == nil:
			case errors.Is(err, ErrCancelled):
				r.log.Debug().Str("key", key).Msg("job cancelled")
			default:
				r.log.Warn().Err(err).Str("key", key).Msg("job failed")
				r.errMu.Lock()
				if r.err == nil {
					r.err = err
				}
				r.errMu.Unlock()
			}
			return nil
		})
	}()
}

func (r *Runner) forget(key string, flag *atomic.Bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.flags[key]
	for i, f := range list {
		if f == flag {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.flags, key)
	} else {
		r.flags[key] = list
	}
}

// Cancel raises the flag of every queued or running task under key.
func (r *Runner) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.flags[key] {
		f.Store(true)
	}
}

// Active is the number of tasks queued or running under key.
func (r *Runner) Active(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flags[key])
}

// Wait blocks until every submitted task has finished and returns the first
// task failure, cancellations excluded.
func (r *Runner) Wait() error {
	r.pending.Wait()
	_ = r.g.Wait()
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}
