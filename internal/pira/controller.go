package pira

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/pira/internal/common/piraerrors"
	"github.com/G-Research/pira/internal/common/workdir"
	"github.com/G-Research/pira/internal/pira/checkpoint"
	"github.com/G-Research/pira/internal/pira/configuration"
	"github.com/G-Research/pira/internal/pira/functor"
	"github.com/G-Research/pira/internal/pira/measurement"
	"github.com/G-Research/pira/internal/pira/metrics"
	"github.com/G-Research/pira/internal/pira/store"
)

// Controller drives baseline and instrumented measurements of every target for the
// configured number of iterations.
type Controller struct {
	invocation  configuration.InvocationConfig
	config      configuration.PiraConfig
	builder     *Builder
	analyzer    *Analyzer
	local       *LocalRunner
	batch       *BatchRunner
	checkpoints *checkpoint.Store
	sink        store.Sink
	metrics     *metrics.Metrics
	metricsFile string
	clock       clock.Clock
	newID       func() string
}

type ControllerParams struct {
	Invocation configuration.InvocationConfig
	Config     configuration.PiraConfig
	Builder    *Builder
	Analyzer   *Analyzer
	Local      *LocalRunner
	// Required if any item is batch-bound.
	Batch       *BatchRunner
	Checkpoints *checkpoint.Store
	Sink        store.Sink
	Metrics     *metrics.Metrics
	Clock       clock.Clock
}

func NewController(p ControllerParams) *Controller {
	if p.Clock == nil {
		p.Clock = clock.RealClock{}
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New()
	}
	if p.Checkpoints == nil {
		p.Checkpoints = checkpoint.NewStore(p.Invocation.CheckpointPath)
	}
	// Builds and runs change the working directory, so the metrics path is fixed up front.
	metricsFile := p.Invocation.MetricsFile
	if metricsFile != "" {
		if abs, err := filepath.Abs(metricsFile); err != nil {
			log.Warnf("Could not resolve metrics file %s: %v", metricsFile, err)
		} else {
			metricsFile = abs
		}
	}
	return &Controller{
		invocation:  p.Invocation,
		config:      p.Config,
		builder:     p.Builder,
		analyzer:    p.Analyzer,
		local:       p.Local,
		batch:       p.Batch,
		checkpoints: p.Checkpoints,
		sink:        p.Sink,
		metrics:     p.Metrics,
		metricsFile: metricsFile,
		clock:       p.Clock,
		newID:       shortuuid.New,
	}
}

// progress of one target within an invocation.
type progress struct {
	target   configuration.Target
	itemID   string
	baseline measurement.RunResult
	// First iteration that still needs to run.
	next   int
	report *ItemReport
}

func (p *progress) metricsTarget() metrics.Target {
	return metrics.Target{Build: p.target.Build, Item: p.target.Item, Flavor: p.target.Flavor}
}

// Run processes all targets. The working directory is restored before it returns.
func (c *Controller) Run(ctx context.Context) Outcome {
	outcome := &Outcome{}
	guard, err := workdir.NewGuard()
	if err != nil {
		return c.fail(outcome, err)
	}
	defer guard.Restore()
	defer c.exportMetrics()

	log.Infof("Running in %s with %d iterations and %d repetitions", c.invocation.FilterMode(), c.invocation.Iterations, c.invocation.Repetitions)
	for {
		awaiting, err := c.pass(ctx, outcome)
		switch {
		case err != nil:
			return c.fail(outcome, err)
		case !awaiting:
			outcome.Status = StatusDone
		case c.batch.Blocking():
			log.Info("Batch job completed during submission, collecting it")
			continue
		default:
			outcome.Status = StatusAwaitingBatch
			log.Infof("Batch job submitted, run again once it has finished to continue from %s", c.checkpoints.Path)
		}
		return *outcome
	}
}

func (c *Controller) fail(outcome *Outcome, err error) Outcome {
	log.Errorf("Aborting: %v", err)
	outcome.Status = StatusFailed
	outcome.Reason = err
	return *outcome
}

// pass resumes from an outstanding checkpoint, if any, and continues with the remaining
// targets. It returns true once a measurement has been submitted to the batch system.
func (c *Controller) pass(ctx context.Context, outcome *Outcome) (bool, error) {
	targets, err := c.config.Targets()
	if err != nil {
		return false, err
	}

	start := 0
	var resumed *progress
	exists, err := c.checkpoints.Exists()
	if err != nil {
		return false, err
	}
	if exists {
		record, err := c.checkpoints.Load()
		if err != nil {
			return false, err
		}
		start, resumed, err = c.resume(ctx, targets, record, outcome)
		if err != nil {
			return false, errors.WithMessagef(err, "cannot resume batch job %d from %s", record.JobID, c.checkpoints.Path)
		}
		if err := c.checkpoints.Remove(); err != nil {
			return false, err
		}
	}

	// Builds of targets before a resumed one were registered by an earlier invocation.
	seenBuilds := map[string]bool{}
	if resumed != nil {
		for _, t := range targets[:start+1] {
			seenBuilds[t.Build] = true
		}
	}
	for idx := start; idx < len(targets); idx++ {
		p := resumed
		if idx != start || p == nil {
			if p, err = c.begin(ctx, targets[idx], !seenBuilds[targets[idx].Build], outcome); err != nil {
				return false, err
			}
			seenBuilds[targets[idx].Build] = true
		}
		awaiting, err := c.process(ctx, p)
		if err != nil || awaiting {
			return awaiting, err
		}
	}
	return false, nil
}

// resume collects the batch job of record and returns the index of its target and the
// target's progress.
func (c *Controller) resume(ctx context.Context, targets []configuration.Target, record checkpoint.Record, outcome *Outcome) (int, *progress, error) {
	idx := -1
	for i, t := range targets {
		if t.Build == record.Build && t.Item == record.Item && t.Flavor == record.Flavor {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, nil, errors.Errorf("target %s/%s/%s is no longer configured", record.Build, record.Item, record.Flavor)
	}
	if c.batch == nil {
		return 0, nil, errors.WithStack(&piraerrors.ErrConfiguration{Field: "SlurmConfigPath", Message: "a batch configuration is required to resume"})
	}
	t := targets[idx]
	log.WithFields(log.Fields{"target": t.String(), "jobId": record.JobID, "iteration": record.Iteration, "instrumented": record.Instrumented}).
		Info("Resuming from checkpoint")

	step := Step{Iteration: record.Iteration, Instrumented: record.Instrumented}
	result, err := c.batch.Collect(ctx, record.ItemID, step, record.JobID)
	if err != nil {
		return 0, nil, err
	}

	p := &progress{target: t, itemID: record.ItemID, report: outcome.report(t, record.ItemID)}
	if !record.Instrumented {
		if err := c.recordBaseline(ctx, p, result); err != nil {
			return 0, nil, err
		}
		return idx, p, nil
	}

	baseline, ok, err := c.sink.Baseline(ctx, record.ItemID)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, errors.Errorf("no baseline recorded for item %s", record.ItemID)
	}
	p.baseline = measurement.NewRunResult(baseline.Runtime, 1)
	p.report.Baseline = baseline.Runtime
	if n := len(p.report.Iterations); n == 0 || p.report.Iterations[n-1].Iteration != record.Iteration {
		// The whitelist of the iteration is still in place; the next analysis replaces it.
		functions := lineCount(WhitelistPath(t.Config.AnalyzerDir, t.Config.Benchmark(), t.Flavor))
		p.report.Iterations = append(p.report.Iterations, IterationReport{Iteration: record.Iteration, Instrumented: functions})
		c.metrics.RecordWhitelist(p.metricsTarget(), record.Iteration, functions)
	}
	if err := c.recordIteration(ctx, p, record.Iteration, record.ArtifactPath, result); err != nil {
		return 0, nil, err
	}
	// The iteration started in an earlier pass, so only the time since submission is known.
	if submitted, err := c.checkpoints.Written(); err != nil {
		log.Warnf("Could not determine submission time of job %d: %v", record.JobID, err)
	} else {
		c.recordIterationTime(p, record.Iteration, c.clock.Since(submitted))
	}
	p.next = record.Iteration + 1
	return idx, p, nil
}

// begin registers t with the sink, builds the vanilla version and measures the baseline.
// The returned progress has no baseline yet if the measurement went to the batch system.
func (c *Controller) begin(ctx context.Context, t configuration.Target, newBuild bool, outcome *Outcome) (*progress, error) {
	itemID, err := c.register(ctx, t, newBuild)
	if err != nil {
		return nil, err
	}
	p := &progress{target: t, itemID: itemID, report: outcome.report(t, itemID), next: -1}
	log.WithField("target", t.String()).Info("Building vanilla version for baseline measurements")
	if err := c.builder.Build(ctx, t, false, "", c.invocation.CompileTimeFiltering); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Controller) register(ctx context.Context, t configuration.Target, newBuild bool) (string, error) {
	if newBuild {
		if err := c.sink.AddApplication(ctx, store.Application{ID: store.NewID(), Name: t.Build}); err != nil {
			return "", err
		}
	}
	if err := c.sink.AddBuild(ctx, store.Build{ID: store.NewID(), Name: t.Build, Flavors: t.Flavor, AppName: t.Build}); err != nil {
		return "", err
	}
	itemID := c.newID()
	specs := c.config.FunctorSpecs()
	key := func(role functor.Role) functor.Key {
		return functor.Key{Build: t.Build, Item: t.Item, Flavor: t.Flavor, Role: role}
	}
	item := store.Item{
		ID:              itemID,
		Name:            t.Config.Benchmark(),
		RunArgs:         t.Config.InvocationArgs(),
		ExperimentDir:   t.Config.ExperimentDir,
		BuildName:       t.Build,
		AnalyzerFunctor: specs[key(functor.RoleAnalyze)].Command,
		BuilderFunctor:  specs[key(functor.RoleBuild)].Command,
		RunnerFunctor:   specs[key(functor.RoleRun)].Command,
	}
	if err := c.sink.AddItem(ctx, item); err != nil {
		return "", err
	}
	return itemID, nil
}

// process runs the remaining measurements of p. It returns true if one of them was
// submitted to the batch system.
func (c *Controller) process(ctx context.Context, p *progress) (bool, error) {
	t := p.target
	if p.next < 0 {
		log.WithField("target", t.String()).Info("Running baseline measurements")
		step := Step{Iteration: 0}
		if t.Config.Batch {
			return true, c.submit(ctx, p, step, "")
		}
		result, err := c.local.Run(ctx, t, step)
		if err != nil {
			return false, err
		}
		if err := c.recordBaseline(ctx, p, result); err != nil {
			return false, err
		}
	}

	for i := p.next; i < c.invocation.Iterations; i++ {
		logger := log.WithFields(log.Fields{"target": t.String(), "iteration": i})
		logger.Info("Running instrumentation iteration")
		started := c.clock.Now()

		whitelist, functions, err := c.analyzer.Analyze(ctx, t, i)
		if err != nil {
			return false, err
		}
		log.Infof("[WHITELIST] $%d$ %d", i, functions)
		c.metrics.RecordWhitelist(p.metricsTarget(), i, functions)
		p.report.Iterations = append(p.report.Iterations, IterationReport{Iteration: i, Instrumented: functions})

		if c.invocation.Rebuild(i) {
			logger.Info("Building instrumented version")
			if err := c.builder.Build(ctx, t, true, whitelist, c.invocation.CompileTimeFiltering); err != nil {
				return false, err
			}
		}

		filterFile := ""
		if !c.invocation.CompileTimeFiltering {
			if filterFile, err = measurement.WriteFilterFile(whitelist); err != nil {
				return false, err
			}
		}
		step := Step{
			Iteration:    i,
			Instrumented: true,
			Env:          measurement.ScorepEnv(t.Config.ExperimentDir, t.Flavor, t.Item, i, filterFile),
		}
		experimentDir := measurement.ExperimentDir(t.Config.ExperimentDir, t.Flavor, i)

		logger.Info("Running profiling measurements")
		if t.Config.Batch {
			return true, c.submit(ctx, p, step, experimentDir)
		}
		result, err := c.local.Run(ctx, t, step)
		if err != nil {
			return false, err
		}
		if err := c.recordIteration(ctx, p, i, experimentDir, result); err != nil {
			return false, err
		}

		c.recordIterationTime(p, i, c.clock.Since(started))
	}
	log.WithField("target", t.String()).Info("All iterations finished")
	return false, nil
}

func (c *Controller) submit(ctx context.Context, p *progress, step Step, artifactPath string) error {
	if c.batch == nil {
		return errors.WithStack(&piraerrors.ErrConfiguration{
			Field:   "Batch",
			Value:   p.target.String(),
			Message: "item is batch-bound but no batch configuration was given",
		})
	}
	jobID, err := c.batch.Dispatch(ctx, p.target, p.itemID, step)
	if err != nil {
		return err
	}
	return c.checkpoints.Save(checkpoint.Record{
		JobID:         jobID,
		BenchmarkName: p.target.Config.Benchmark(),
		Iteration:     step.Iteration,
		Instrumented:  step.Instrumented,
		ArtifactPath:  artifactPath,
		ItemID:        p.itemID,
		Build:         p.target.Build,
		Item:          p.target.Item,
		Flavor:        p.target.Flavor,
	})
}

func (c *Controller) recordBaseline(ctx context.Context, p *progress, result measurement.RunResult) error {
	avg, err := result.Average()
	if err != nil {
		return err
	}
	log.Infof("[Vanilla][RUNTIME] Vanilla avg: %f", avg)
	err = c.sink.AddExperiment(ctx, store.Experiment{
		BenchmarkName: p.target.Config.Benchmark(),
		Iteration:     store.BaselineIteration,
		Runtime:       avg,
		ItemID:        p.itemID,
	})
	if err != nil {
		return err
	}
	c.metrics.RecordBaseline(p.metricsTarget(), avg)
	c.exportMetrics()
	p.baseline = result
	p.report.Baseline = avg
	p.next = 0
	return nil
}

func (c *Controller) recordIterationTime(p *progress, iteration int, elapsed time.Duration) {
	log.Infof("[ITERTIME] $%d$ %f", iteration, elapsed.Seconds())
	c.metrics.RecordIterationDuration(p.metricsTarget(), iteration, elapsed.Seconds())
	c.exportMetrics()
}

// exportMetrics rewrites the metrics textfile, if one is configured.
func (c *Controller) exportMetrics() {
	if c.metricsFile == "" {
		return
	}
	if err := c.metrics.WriteTextfile(c.metricsFile); err != nil {
		log.Warnf("Could not write metrics to %s: %v", c.metricsFile, err)
	}
}

func (c *Controller) recordIteration(ctx context.Context, p *progress, iteration int, artifactPath string, result measurement.RunResult) error {
	avg, err := result.Average()
	if err != nil {
		return err
	}
	overhead, err := result.Overhead(p.baseline)
	if err != nil {
		return err
	}
	log.Infof("[RUNTIME] $%d$ %f", iteration, avg)
	log.Infof("[OVERHEAD] $%d$ %f", iteration, overhead)
	err = c.sink.AddExperiment(ctx, store.Experiment{
		BenchmarkName: p.target.Config.Benchmark(),
		Iteration:     iteration,
		Instrumented:  true,
		ArtifactPath:  artifactPath,
		Runtime:       avg,
		ItemID:        p.itemID,
	})
	if err != nil {
		return err
	}
	c.metrics.RecordIteration(p.metricsTarget(), iteration, avg, overhead)
	c.exportMetrics()

	r := p.report
	if n := len(r.Iterations); n > 0 && r.Iterations[n-1].Iteration == iteration {
		r.Iterations[n-1].Runtime = avg
		r.Iterations[n-1].Overhead = overhead
	} else {
		r.Iterations = append(r.Iterations, IterationReport{Iteration: iteration, Runtime: avg, Overhead: overhead})
	}
	return nil
}
