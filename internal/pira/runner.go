package pira

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pira/internal/batch/backend"
	"github.com/G-Research/pira/internal/common/shell"
	"github.com/G-Research/pira/internal/common/workdir"
	"github.com/G-Research/pira/internal/pira/configuration"
	"github.com/G-Research/pira/internal/pira/functor"
	"github.com/G-Research/pira/internal/pira/measurement"
)

// Step identifies one measurement of a target. Iteration is 0 for the baseline.
type Step struct {
	Iteration    int
	Instrumented bool
	// Extra environment of the run, e.g. the Score-P settings.
	Env []string
}

func (s Step) kwargs() functor.Kwargs {
	return measurement.VanillaKwargs().Merge(functor.Kwargs{"Iteration": s.Iteration})
}

// LocalRunner runs a target in the build directory for a number of repetitions.
type LocalRunner struct {
	functors    *functor.Registry
	shell       shell.Shell
	repetitions int
}

func NewLocalRunner(functors *functor.Registry, sh shell.Shell, repetitions int) *LocalRunner {
	return &LocalRunner{functors: functors, shell: sh, repetitions: repetitions}
}

func (r *LocalRunner) Run(ctx context.Context, t configuration.Target, step Step) (measurement.RunResult, error) {
	p, err := prepare(r.functors, t, functor.RoleRun, step.kwargs().Merge(targetKwargs(t)))
	if err != nil {
		return measurement.RunResult{}, err
	}
	p.Env = append(p.Env, step.Env...)
	logger := log.WithFields(log.Fields{"target": t.String(), "iteration": step.Iteration, "instrumented": step.Instrumented})

	var accumulated float64
	err = workdir.With(t.Place, func() error {
		for rep := 0; rep < r.repetitions; rep++ {
			logger.Debugf("Running repetition %d with %q", rep, p.Command)
			out, err := p.execute(ctx, r.shell)
			if err != nil {
				return errors.WithMessagef(err, "run of %s failed", t)
			}
			if p.Kind == functor.KindFireAndForget {
				logger.Warn("Runtime of a fire-and-forget run cannot be measured, recording 1.0")
				accumulated += 1.0
				continue
			}
			accumulated += out.Elapsed.Seconds()
		}
		return nil
	})
	if err != nil {
		return measurement.RunResult{}, err
	}
	return measurement.NewRunResult(accumulated, r.repetitions), nil
}

// BatchKey identifies the measurement of a step in the batch backend. It only depends on
// its inputs so that a resumed invocation can recompute it.
func BatchKey(itemID string, iteration int, instrumented bool) string {
	flag := 0
	if instrumented {
		flag = 1
	}
	return fmt.Sprintf("%s-%d-%d", itemID, iteration, flag)
}

// BatchRunner measures a target through the batch backend. One repetition is taken per
// job-array task.
type BatchRunner struct {
	functors *functor.Registry
	backend  backend.Backend
	blocking bool
}

// NewBatchRunner creates a runner. blocking is set if submissions return only after the
// job has finished.
func NewBatchRunner(functors *functor.Registry, b backend.Backend, blocking bool) *BatchRunner {
	return &BatchRunner{functors: functors, backend: b, blocking: blocking}
}

func (r *BatchRunner) Blocking() bool {
	return r.blocking
}

// Dispatch submits the run of step and returns the job id.
func (r *BatchRunner) Dispatch(ctx context.Context, t configuration.Target, itemID string, step Step) (int, error) {
	p, err := prepare(r.functors, t, functor.RoleRun, step.kwargs().Merge(targetKwargs(t)))
	if err != nil {
		return 0, err
	}
	if p.Kind == functor.KindFireAndForget {
		log.WithField("target", t.String()).Warn("Fire-and-forget run functor is timed in the batch job")
	}
	if err := r.backend.Cleanup(); err != nil {
		return 0, err
	}

	key := BatchKey(itemID, step.Iteration, step.Instrumented)
	r.backend.AddPreparationCommand(key, preparation(t.Place, append(p.Env, step.Env...)))
	if err := r.backend.AddTimedCommand(key, p.Command); err != nil {
		return 0, err
	}
	return r.backend.Dispatch(ctx, key)
}

func preparation(dir string, env []string) string {
	cmd := "cd " + shell.Quote(dir)
	if len(env) == 0 {
		return cmd
	}
	exports := make([]string, len(env))
	for i, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		exports[i] = name + "=" + shell.Quote(value)
	}
	return cmd + " && export " + strings.Join(exports, " ")
}

// Collect waits for the job of step and returns its repetitions' runtimes.
func (r *BatchRunner) Collect(ctx context.Context, itemID string, step Step, jobID int) (measurement.RunResult, error) {
	key := BatchKey(itemID, step.Iteration, step.Instrumented)
	if _, known := r.backend.JobID(key); !known {
		if err := r.backend.Adopt(key, jobID); err != nil {
			return measurement.RunResult{}, err
		}
	}
	if err := r.backend.Wait(ctx); err != nil {
		return measurement.RunResult{}, err
	}
	results, err := r.backend.Results(key)
	if err != nil {
		return measurement.RunResult{}, err
	}
	var accumulated float64
	for _, result := range results {
		accumulated += result.Elapsed
	}
	if err := r.backend.Cleanup(); err != nil {
		log.Warnf("Could not remove batch artifacts: %v", err)
	}
	return measurement.NewRunResult(accumulated, len(results)), nil
}
