// Package periodic drives the set of named cloud-facing housekeeping tasks.
//
// Each task alternates between exactly two states: running its invocation,
// then sleeping for the delay the invocation returned (or the task's default
// period when it returned none). A failing task terminates its own loop;
// the remaining tasks keep running. All tasks share a single cloud client,
// so once the channel to the cloud dies they fail one by one and the runner
// returns — the orchestrator then reconnects and starts a fresh runner.
package periodic

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/viam-labs/machine-agent/internal/cloud"
)

// Task is one periodic cloud-facing job.
type Task interface {
	// Name identifies the task in logs.
	Name() string
	// DefaultPeriod is the delay before re-invocation when Invoke returns
	// no override.
	DefaultPeriod() time.Duration
	// Invoke performs one round. A non-nil duration overrides the delay
	// before the next round; an error terminates this task's loop.
	Invoke(ctx context.Context, client *cloud.Client) (*time.Duration, error)
}

// Runner owns a set of tasks for the lifetime of one cloud client.
// The zero value is not usable — create instances with New.
type Runner struct {
	tasks  []Task
	clk    clock.Clock
	logger *zap.Logger
}

// New creates a Runner over the given tasks. clk may be nil, in which case
// the wall clock is used; tests pass a mock.
func New(tasks []Task, clk clock.Clock, logger *zap.Logger) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		tasks:  tasks,
		clk:    clk,
		logger: logger.Named("periodic"),
	}
}

// Run drives every task until it terminates, then returns. It blocks until
// all task loops have exited — either through their own errors (the usual
// sign the shared client died) or through ctx cancellation.
func (r *Runner) Run(ctx context.Context, client *cloud.Client) {
	var wg sync.WaitGroup
	for _, t := range r.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			r.drive(ctx, t, client)
		}(t)
	}
	wg.Wait()
}

// drive is one task's run/sleep loop. Each turn of the loop is one full
// state transition, so cancellation between states never leaves a
// half-scheduled task behind.
func (r *Runner) drive(ctx context.Context, t Task, client *cloud.Client) {
	log := r.logger.With(zap.String("task", t.Name()))
	for {
		if ctx.Err() != nil {
			return
		}

		override, err := t.Invoke(ctx, client)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient by policy: log at info and stop this loop; the
			// orchestrator restarts all tasks with the next client.
			log.Info("periodic task stopped", zap.Error(err))
			return
		}

		delay := t.DefaultPeriod()
		if override != nil {
			delay = *override
		}

		timer := r.clk.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
