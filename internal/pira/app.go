package pira

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/pira/internal/batch/backend"
	"github.com/G-Research/pira/internal/batch/slurm"
	"github.com/G-Research/pira/internal/common/shell"
	"github.com/G-Research/pira/internal/pira/checkpoint"
	"github.com/G-Research/pira/internal/pira/configuration"
	"github.com/G-Research/pira/internal/pira/functor"
	"github.com/G-Research/pira/internal/pira/metrics"
	"github.com/G-Research/pira/internal/pira/store"
)

// Run loads the configuration of invocation, wires a Controller and runs it. The controller
// rewrites invocation.MetricsFile, if set, after every recorded measurement.
func Run(ctx context.Context, invocation configuration.InvocationConfig) (Outcome, error) {
	if err := invocation.Validate(); err != nil {
		return Outcome{}, err
	}
	piraDir, err := invocation.ResolvePiraDir()
	if err != nil {
		return Outcome{}, err
	}
	if err := os.MkdirAll(piraDir, 0o755); err != nil {
		return Outcome{}, errors.Wrapf(err, "cannot create %s", piraDir)
	}

	config, err := configuration.Load(invocation.ConfigPath)
	if err != nil {
		return Outcome{}, err
	}
	functors, err := functor.NewRegistry(config.FunctorSpecs())
	if err != nil {
		return Outcome{}, err
	}
	log.Infof("Loaded %d functors from %s", functors.Len(), invocation.ConfigPath)

	sh := shell.New("")
	clk := clock.RealClock{}
	var batch *BatchRunner
	if invocation.SlurmConfigPath != "" {
		if batch, err = newBatchRunner(invocation.SlurmConfigPath, functors, sh, clk); err != nil {
			return Outcome{}, err
		}
	}

	databasePath := invocation.DatabasePath
	if !filepath.IsAbs(databasePath) {
		databasePath = filepath.Join(piraDir, databasePath)
	}
	sink, err := store.NewSQLite(databasePath)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warnf("Could not close %s: %v", databasePath, err)
		}
	}()
	if err := sink.Setup(ctx); err != nil {
		return Outcome{}, err
	}

	m := metrics.New()
	restoreHooks, err := m.CountLogEntries(log.StandardLogger())
	if err != nil {
		return Outcome{}, err
	}
	defer restoreHooks()
	controller := NewController(ControllerParams{
		Invocation:  invocation,
		Config:      config,
		Builder:     NewBuilder(functors, sh),
		Analyzer:    NewAnalyzer(functors, sh),
		Local:       NewLocalRunner(functors, sh, invocation.Repetitions),
		Batch:       batch,
		Checkpoints: checkpoint.NewStore(invocation.CheckpointPath),
		Sink:        sink,
		Metrics:     m,
		Clock:       clk,
	})

	return controller.Run(ctx), nil
}

func newBatchRunner(path string, functors *functor.Registry, sh shell.Shell, clk clock.Clock) (*BatchRunner, error) {
	config, err := configuration.LoadBatchConfig(path)
	if err != nil {
		return nil, err
	}
	generator := slurm.NewGenerator(config.Job, sh, clk)
	var api slurm.JobAPI
	if config.Backend.Interface == backend.InterfaceREST {
		api = slurm.NewRESTClient(config.REST, nil, clk)
	}
	b, err := backend.NewSlurm(config.Backend, generator, api)
	if err != nil {
		return nil, err
	}
	log.Infof("Batch-bound items are submitted through the %s interface", config.Backend.Interface)
	return NewBatchRunner(functors, b, config.Backend.Interface == backend.InterfaceSbatchWait), nil
}
