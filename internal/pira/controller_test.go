package pira

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/pira/internal/batch/backend"
	"github.com/G-Research/pira/internal/batch/slurm"
	"github.com/G-Research/pira/internal/batch/timer"
	"github.com/G-Research/pira/internal/common/piraerrors"
	"github.com/G-Research/pira/internal/common/shell"
	"github.com/G-Research/pira/internal/common/shell/shelltest"
	"github.com/G-Research/pira/internal/common/workdir"
	"github.com/G-Research/pira/internal/pira/checkpoint"
	"github.com/G-Research/pira/internal/pira/configuration"
	"github.com/G-Research/pira/internal/pira/functor"
	"github.com/G-Research/pira/internal/pira/measurement"
	"github.com/G-Research/pira/internal/pira/store"
)

const controllerConfig = `
builds:
  - name: %s
    items:
      - name: app
        analyzerDir: %s
        experimentDir: %s
        args: ["--size 10"]
        batch: %t
        flavors:
          - name: vanilla
            functors:
              basebuild: {command: "build-vanilla CC={{.CC}}"}
              build: {command: "build-instr CLFLAGS={{.CLFLAGS}}"}
              clean: {command: "clean-app"}
              run: {command: "run-app {{.Args}}"}
              analyze: {command: "analyze-app {{.Iteration}} {{.FilterFile}}"}
`

type fixture struct {
	dir         string
	place       string
	analyzerDir string
	fake        *shelltest.Fake
	sink        *store.Memory
	invocation  configuration.InvocationConfig
	config      configuration.PiraConfig
	functors    *functor.Registry
}

func newFixture(t *testing.T, batch bool) *fixture {
	dir := t.TempDir()
	f := &fixture{
		dir:         dir,
		place:       filepath.Join(dir, "src"),
		analyzerDir: filepath.Join(dir, "analyzer"),
		fake:        shelltest.New(),
		sink:        store.NewMemory(),
	}
	require.NoError(t, os.MkdirAll(f.place, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(f.analyzerDir, "out"), 0o755))

	configPath := filepath.Join(dir, "pira.yaml")
	content := fmt.Sprintf(controllerConfig, f.place, f.analyzerDir, filepath.Join(dir, "exp"), batch)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
	config, err := configuration.Load(configPath)
	require.NoError(t, err)
	f.config = config

	f.functors, err = functor.NewRegistry(config.FunctorSpecs())
	require.NoError(t, err)

	f.invocation = configuration.DefaultInvocationConfig()
	f.invocation.ConfigPath = configPath
	f.invocation.Iterations = 2
	f.invocation.Repetitions = 2
	f.invocation.CheckpointPath = filepath.Join(dir, "queued_job.tmp")
	return f
}

// analyzeWritesWhitelist makes the analyzer produce a whitelist of two functions.
func (f *fixture) analyzeWritesWhitelist() {
	whitelist := WhitelistPath(f.analyzerDir, "app", "vanilla")
	f.fake.On("analyze-app", shelltest.Response{Effect: func(shell.Command) error {
		return os.WriteFile(whitelist, []byte("_Z3foov\n_Z3barv"), 0o644)
	}})
}

func (f *fixture) controller(batch *BatchRunner) *Controller {
	c := NewController(ControllerParams{
		Invocation:  f.invocation,
		Config:      f.config,
		Builder:     NewBuilder(f.functors, f.fake),
		Analyzer:    NewAnalyzer(f.functors, f.fake),
		Local:       NewLocalRunner(f.functors, f.fake, f.invocation.Repetitions),
		Batch:       batch,
		Checkpoints: checkpoint.NewStore(f.invocation.CheckpointPath),
		Sink:        f.sink,
		Clock:       clock.NewFakeClock(time.Now()),
	})
	c.newID = func() string { return "item" }
	return c
}

func (f *fixture) batchRunner(t *testing.T) (*BatchRunner, string) {
	artifacts := filepath.Join(f.dir, "artifacts")
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	job := slurm.JobSubmissionConfig{
		JobHardwareConfig: slurm.JobHardwareConfig{MemPerCPU: 1000, NTasks: 1, CPUsPerTask: 1},
		JobName:           "pira",
		Time:              "00:05:00",
	}
	generator := slurm.NewGenerator(job, f.fake, clock.NewFakeClock(time.Now()))
	b, err := backend.NewSlurm(backend.Config{
		Interface:    backend.InterfaceOS,
		Timing:       backend.TimingTimer,
		ArtifactDir:  artifacts,
		TimerCommand: "pira timer",
	}, generator, nil)
	require.NoError(t, err)
	return NewBatchRunner(f.functors, b, false), artifacts
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func TestController_LocalRun(t *testing.T) {
	f := newFixture(t, false)
	f.analyzeWritesWhitelist()
	f.fake.On("run-app",
		shelltest.Response{Elapsed: seconds(2)},
		shelltest.Response{Elapsed: seconds(2)},
		shelltest.Response{Elapsed: seconds(3)},
		shelltest.Response{Elapsed: seconds(3)},
		shelltest.Response{Elapsed: seconds(4)},
	)
	cwd, err := os.Getwd()
	require.NoError(t, err)

	outcome := f.controller(nil).Run(context.Background())
	require.NoError(t, outcome.Reason)
	assert.Equal(t, StatusDone, outcome.Status)
	assert.Equal(t, 0, outcome.ExitCode())

	after, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, cwd, after)

	require.Len(t, outcome.Reports, 1)
	report := outcome.Reports[0]
	assert.Equal(t, "item", report.ItemID)
	assert.Equal(t, 2.0, report.Baseline)
	assert.Equal(t, []IterationReport{
		{Iteration: 0, Instrumented: 2, Runtime: 3, Overhead: 1.5},
		{Iteration: 1, Instrumented: 2, Runtime: 4, Overhead: 2},
	}, report.Iterations)

	experiments, err := f.sink.Experiments(context.Background(), "item")
	require.NoError(t, err)
	require.Len(t, experiments, 3)
	assert.Equal(t, store.BaselineIteration, experiments[0].Iteration)
	assert.False(t, experiments[0].Instrumented)
	assert.Equal(t, 1, experiments[2].Iteration)
	assert.Equal(t, measurement.ExperimentDir(filepath.Join(f.dir, "exp"), "vanilla", 1), experiments[2].ArtifactPath)
	assert.Len(t, f.sink.Items, 1)
	assert.Equal(t, "run-app {{.Args}}", f.sink.Items[0].RunnerFunctor)

	assert.Equal(t, 6, f.fake.Count("run-app --size 10"))
	assert.Equal(t, 1, f.fake.Count(`build-vanilla CC="clang"`))
	// Compile-time filtering rebuilds before every iteration.
	assert.Equal(t, 2, f.fake.Count("build-instr"))
	assert.Equal(t, 3, f.fake.Count("clean-app"))
	assert.FileExists(t, PreviousWhitelistPath(f.analyzerDir, "app", "vanilla"))
}

func TestController_MetricsFileStaysInInvocationDirectory(t *testing.T) {
	f := newFixture(t, false)
	f.invocation.MetricsFile = "pira.prom"
	f.analyzeWritesWhitelist()
	f.fake.On("run-app", shelltest.Response{Elapsed: seconds(2)})

	var outcome Outcome
	require.NoError(t, workdir.With(f.dir, func() error {
		outcome = f.controller(nil).Run(context.Background())
		return nil
	}))
	require.NoError(t, outcome.Reason)

	content, err := os.ReadFile(filepath.Join(f.dir, "pira.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "pira_baseline_runtime_seconds")
	assert.Contains(t, string(content), "pira_iteration_duration_seconds")
	assert.NoFileExists(t, filepath.Join(f.place, "pira.prom"))
	assert.NoFileExists(t, filepath.Join(f.analyzerDir, "pira.prom"))
}

func TestController_RuntimeFiltering(t *testing.T) {
	f := newFixture(t, false)
	f.invocation.CompileTimeFiltering = false
	f.analyzeWritesWhitelist()
	f.fake.On("run-app", shelltest.Response{Elapsed: seconds(1)})

	outcome := f.controller(nil).Run(context.Background())
	require.NoError(t, outcome.Reason)
	assert.Equal(t, StatusDone, outcome.Status)
	assert.Equal(t, 1, f.fake.Count("build-instr"))

	filterFile := filepath.Join(f.analyzerDir, "out", measurement.FilterFileName)
	content, err := os.ReadFile(filterFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "INCLUDE MANGLED _Z3foov")

	var instrumented []shell.Command
	for _, cmd := range f.fake.Commands() {
		if cmd.Line == "run-app --size 10" && len(cmd.Env) > 0 {
			instrumented = append(instrumented, cmd)
		}
	}
	require.Len(t, instrumented, 4)
	assert.Contains(t, instrumented[0].Env, "SCOREP_FILTERING_FILE="+filterFile)
	assert.Contains(t, instrumented[3].Env, "SCOREP_EXPERIMENT_DIRECTORY="+filepath.Join(f.dir, "exp")+"-vanilla-1")
}

func TestController_FailureAborts(t *testing.T) {
	f := newFixture(t, false)
	f.analyzeWritesWhitelist()
	f.fake.On("run-app", shelltest.Response{Elapsed: seconds(2)})
	f.fake.On("build-instr", shelltest.Response{Err: errors.New("compiler crashed")})
	cwd, err := os.Getwd()
	require.NoError(t, err)

	outcome := f.controller(nil).Run(context.Background())
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, 1, outcome.ExitCode())
	assert.ErrorContains(t, outcome.Reason, "compiler crashed")
	assert.Equal(t, 2, f.fake.Count("run-app"))

	after, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, cwd, after)
}

func TestController_BatchItemWithoutBatchConfig(t *testing.T) {
	f := newFixture(t, true)
	outcome := f.controller(nil).Run(context.Background())
	assert.Equal(t, StatusFailed, outcome.Status)
	var configErr *piraerrors.ErrConfiguration
	assert.True(t, errors.As(outcome.Reason, &configErr))
	assert.Equal(t, 0, f.fake.Count("run-app"))
}

func TestController_BatchResume(t *testing.T) {
	f := newFixture(t, true)
	f.invocation.Iterations = 1
	f.invocation.MetricsFile = filepath.Join(f.dir, "pira.prom")
	f.fake.On("sbatch",
		shelltest.Response{Output: "Submitted batch job 42\n"},
		shelltest.Response{Output: "Submitted batch job 43\n"},
	)
	f.fake.On("squeue", shelltest.Response{Output: ""})
	f.analyzeWritesWhitelist()
	checkpoints := checkpoint.NewStore(f.invocation.CheckpointPath)

	runner, artifacts := f.batchRunner(t)
	outcome := f.controller(runner).Run(context.Background())
	require.NoError(t, outcome.Reason)
	assert.Equal(t, StatusAwaitingBatch, outcome.Status)
	assert.Equal(t, 0, outcome.ExitCode())

	record, err := checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Record{
		JobID:         42,
		BenchmarkName: "app",
		Iteration:     0,
		Instrumented:  false,
		ItemID:        "item",
		Build:         f.place,
		Item:          "app",
		Flavor:        "vanilla",
	}, record)
	writeReport(t, artifacts, 42, BatchKey("item", 0, false), 2)

	runner, _ = f.batchRunner(t)
	outcome = f.controller(runner).Run(context.Background())
	require.NoError(t, outcome.Reason)
	assert.Equal(t, StatusAwaitingBatch, outcome.Status)
	record, err = checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, 43, record.JobID)
	assert.True(t, record.Instrumented)
	assert.Equal(t, measurement.ExperimentDir(filepath.Join(f.dir, "exp"), "vanilla", 0), record.ArtifactPath)
	writeReport(t, artifacts, 43, BatchKey("item", 0, true), 3)

	runner, _ = f.batchRunner(t)
	outcome = f.controller(runner).Run(context.Background())
	require.NoError(t, outcome.Reason)
	assert.Equal(t, StatusDone, outcome.Status)

	exists, err := checkpoints.Exists()
	require.NoError(t, err)
	assert.False(t, exists)

	require.Len(t, outcome.Reports, 1)
	assert.Equal(t, 2.0, outcome.Reports[0].Baseline)
	assert.Equal(t, []IterationReport{{Iteration: 0, Instrumented: 2, Runtime: 3, Overhead: 1.5}}, outcome.Reports[0].Iterations)

	exported, err := os.ReadFile(f.invocation.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(exported), "pira_iteration_duration_seconds{")
	assert.Contains(t, string(exported), "pira_instrumented_functions{")

	experiments, err := f.sink.Experiments(context.Background(), "item")
	require.NoError(t, err)
	require.Len(t, experiments, 2)
	assert.Equal(t, 2.0, experiments[0].Runtime)
	assert.Equal(t, 3.0, experiments[1].Runtime)
	assert.Len(t, f.sink.Items, 1)
	assert.Equal(t, 1, f.fake.Count("build-vanilla"))
	assert.Equal(t, 2, f.fake.Count("sbatch"))
	assert.Equal(t, 2, f.fake.Count("squeue"))
}

func TestController_BlockingBatchCollectsInProcess(t *testing.T) {
	f := newFixture(t, true)
	f.invocation.Iterations = 1
	artifacts := filepath.Join(f.dir, "artifacts")
	var submitted int
	f.fake.On("sbatch", shelltest.Response{
		Output: "Submitted batch job 50\n",
		Effect: func(shell.Command) error {
			// The job has finished by the time sbatch --wait returns.
			writeReport(t, artifacts, 50, BatchKey("item", 0, submitted > 0), float64(2+submitted))
			submitted++
			return nil
		},
	})
	f.analyzeWritesWhitelist()

	runner, _ := f.batchRunner(t)
	runner.blocking = true
	outcome := f.controller(runner).Run(context.Background())
	require.NoError(t, outcome.Reason)
	assert.Equal(t, StatusDone, outcome.Status)
	assert.Equal(t, 2, submitted)
	require.Len(t, outcome.Reports, 1)
	assert.Equal(t, 2.0, outcome.Reports[0].Baseline)
	assert.Equal(t, []IterationReport{{Iteration: 0, Instrumented: 2, Runtime: 3, Overhead: 1.5}}, outcome.Reports[0].Iterations)
}

func writeReport(t *testing.T, dir string, jobID int, key string, elapsed float64) {
	path := timer.ArtifactPath(dir, strconv.Itoa(jobID), key, "")
	require.NoError(t, timer.WriteReport(path, timer.Report{Elapsed: elapsed, Output: "done"}))
}
