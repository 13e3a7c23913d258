// Package backend dispatches timed measurements to a batch system, waits for them and reads
// their results back. Measurements are identified by caller-chosen keys.
package backend

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/pira/internal/batch/slurm"
	"github.com/G-Research/pira/internal/batch/timer"
	"github.com/G-Research/pira/internal/common/piraerrors"
	"github.com/G-Research/pira/internal/common/shell"
	"github.com/G-Research/pira/internal/common/validation"
)

// Interface selects how jobs are submitted and waited on.
type Interface string

const (
	// InterfaceOS submits with sbatch and polls squeue. The only interface that can wait on several jobs.
	InterfaceOS Interface = "os"
	// InterfaceSbatchWait submits with sbatch --wait, which blocks until the job has finished.
	InterfaceSbatchWait Interface = "sbatch_wait"
	// InterfaceREST submits and waits through slurmrestd.
	InterfaceREST Interface = "rest"
)

// Timing selects how the timed command is measured inside the job.
type Timing string

const (
	// TimingTimer wraps the command with the timer subcommand, which writes one JSON report per repetition.
	TimingTimer Timing = "timer"
	// TimingOS prefixes the command with /usr/bin/time, which appends the elapsed seconds to stderr.
	TimingOS Timing = "os"
)

const osTimeCommand = "/usr/bin/time --format=%e"

type Config struct {
	Interface Interface `validate:"required,oneof=os sbatch_wait rest"`
	Timing    Timing    `validate:"required,oneof=timer os"`
	// Directory shared with the compute nodes, receives the timer reports.
	ArtifactDir string `validate:"required"`
	// How to start the timer wrapper inside the job. Defaults to "<this executable> timer".
	TimerCommand string
	PollInterval time.Duration
}

// Repetition is the job-array task id of a measurement, or NoRepetition for jobs without array.
type Repetition int

const NoRepetition Repetition = -1

func (r Repetition) String() string {
	if r == NoRepetition {
		return timer.NoRepetition
	}
	return strconv.Itoa(int(r))
}

type Result struct {
	Elapsed float64
	Output  string
}

type Backend interface {
	AddPreparationCommand(key, cmd string)
	AddTeardownCommand(key, cmd string)
	AddTimedCommand(key, cmd string) error
	// Dispatch submits the job for key and returns its job id.
	Dispatch(ctx context.Context, key string) (int, error)
	// Adopt registers a job that was dispatched by an earlier process so its results can be collected.
	Adopt(key string, jobID int) error
	JobID(key string) (int, bool)
	Repetitions() []Repetition
	// Wait blocks until all dispatched jobs have finished and collects their results.
	Wait(ctx context.Context) error
	Collect() error
	// Pending is true while (key, repetition) has a slot without a measurement.
	Pending(key string, repetition Repetition) bool
	// Result returns the result for (key, repetition); false while it is pending or unknown.
	Result(key string, repetition Repetition) (Result, bool)
	// Results returns the results of every repetition of key, failing if any is still pending.
	Results(key string) ([]Result, error)
	Cleanup() error
}

type resultKey struct {
	key        string
	repetition Repetition
}

// Slurm implements Backend on top of a slurm.Generator.
type Slurm struct {
	config    Config
	generator *slurm.Generator
	api       slurm.JobAPI

	preparation map[string]string
	teardown    map[string]string
	timed       map[string]string
	jobIDs      map[string]int
	results     map[resultKey]*Result
}

// NewSlurm creates a backend. api is only used, and then required, for InterfaceREST.
func NewSlurm(config Config, generator *slurm.Generator, api slurm.JobAPI) (*Slurm, error) {
	if err := validation.ValidateStruct(&config); err != nil {
		return nil, err
	}
	if config.Interface == InterfaceREST && api == nil {
		return nil, errors.WithStack(&piraerrors.ErrConfiguration{Field: "Interface", Value: config.Interface, Message: "no slurmrestd client configured"})
	}
	if config.Timing == TimingOS && generator.Config().StdErr == "" {
		return nil, errors.WithStack(&piraerrors.ErrConfiguration{Field: "StdErr", Value: "", Message: "required for os timing"})
	}
	if config.TimerCommand == "" {
		executable, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "cannot determine timer command")
		}
		config.TimerCommand = shell.Quote(executable) + " timer"
	}
	if config.PollInterval > 0 {
		generator.SetPollInterval(config.PollInterval)
	}
	b := &Slurm{config: config, generator: generator, api: api}
	b.reset()
	return b, nil
}

func (b *Slurm) reset() {
	b.preparation = map[string]string{}
	b.teardown = map[string]string{}
	b.timed = map[string]string{}
	b.jobIDs = map[string]int{}
	b.results = map[resultKey]*Result{}
}

func (b *Slurm) AddPreparationCommand(key, cmd string) {
	b.preparation[key] = cmd
}

func (b *Slurm) AddTeardownCommand(key, cmd string) {
	b.teardown[key] = cmd
}

// AddTimedCommand registers cmd under key and creates a pending result slot per repetition.
func (b *Slurm) AddTimedCommand(key, cmd string) error {
	if err := b.register(key); err != nil {
		return err
	}
	b.timed[key] = cmd
	return nil
}

func (b *Slurm) register(key string) error {
	if key == "" || strings.ContainsAny(key, "/ \t\n'\"") {
		return errors.WithStack(&piraerrors.ErrConfiguration{Field: "key", Value: key, Message: "keys must be non-empty and usable in file names"})
	}
	if _, exists := b.timed[key]; exists {
		return errors.Errorf("a timed command with key %q is already outstanding", key)
	}
	for _, rep := range b.Repetitions() {
		b.results[resultKey{key: key, repetition: rep}] = nil
	}
	return nil
}

// Repetitions lists the repetitions every timed command produces: one per array task,
// or a single NoRepetition.
func (b *Slurm) Repetitions() []Repetition {
	config := b.generator.Config()
	indices := config.ArrayIndices()
	if indices == nil {
		return []Repetition{NoRepetition}
	}
	reps := make([]Repetition, len(indices))
	for i, idx := range indices {
		reps[i] = Repetition(idx)
	}
	return reps
}

func (b *Slurm) hasArray() bool {
	config := b.generator.Config()
	return config.HasArray()
}

func (b *Slurm) wrap(key, cmd string) string {
	switch b.config.Timing {
	case TimingOS:
		if strings.HasPrefix(cmd, "mpirun") {
			return osTimeCommand + " " + shell.Quote(cmd)
		}
		return osTimeCommand + " " + cmd
	default:
		jobID, repetition := "$SLURM_JOB_ID", ""
		if b.hasArray() {
			jobID, repetition = "$SLURM_ARRAY_JOB_ID", " --repetition $SLURM_ARRAY_TASK_ID"
		}
		return b.config.TimerCommand + " --key " + key + " --job-id " + jobID + repetition +
			" --export-dir " + shell.Quote(b.config.ArtifactDir) + " -- " + shell.Quote(cmd)
	}
}

func (b *Slurm) Dispatch(ctx context.Context, key string) (int, error) {
	cmd, ok := b.timed[key]
	if !ok {
		return 0, errors.Errorf("no timed command registered for key %q", key)
	}
	logger := log.WithFields(log.Fields{"key": key, "interface": b.config.Interface})
	logger.Debug("Dispatching")

	b.generator.ClearCommands()
	b.generator.ClearModules()
	if err := b.generator.AddConfiguredModules(); err != nil {
		return 0, err
	}
	if b.config.Interface == InterfaceREST {
		moduleCommands, err := b.generator.ModuleCommands(true)
		if err != nil {
			return 0, err
		}
		for _, c := range moduleCommands {
			b.generator.AddCommand(c)
		}
	}
	if prep, ok := b.preparation[key]; ok {
		b.generator.AddCommand(prep)
	}
	b.generator.AddCommand(b.wrap(key, cmd))
	if td, ok := b.teardown[key]; ok {
		b.generator.AddCommand(td)
	}

	var jobID int
	scriptPath := b.generator.Config().ScriptPath
	switch b.config.Interface {
	case InterfaceREST:
		args, err := b.generator.ProgrammaticArgs()
		if err != nil {
			return 0, err
		}
		jobID, err = b.api.SubmitJob(ctx, args)
		if err != nil {
			return 0, err
		}
	case InterfaceSbatchWait:
		logger.Info("Running repetitions via sbatch --wait")
		result, err := b.generator.Submit(ctx, slurm.SubmitOptions{Active: true, Wait: true, ScriptPath: scriptPath, LoadModules: true})
		if err != nil {
			return 0, err
		}
		jobID = result.JobID
	default:
		result, err := b.generator.Submit(ctx, slurm.SubmitOptions{Active: true, ScriptPath: scriptPath, LoadModules: true})
		if err != nil {
			return 0, err
		}
		jobID = result.JobID
	}
	b.jobIDs[key] = jobID
	logger.WithField("jobId", jobID).Info("Dispatched batch job")
	return jobID, nil
}

func (b *Slurm) Adopt(key string, jobID int) error {
	if err := b.register(key); err != nil {
		return err
	}
	b.timed[key] = ""
	b.jobIDs[key] = jobID
	log.WithFields(log.Fields{"key": key, "jobId": jobID}).Debug("Adopted batch job")
	return nil
}

func (b *Slurm) JobID(key string) (int, bool) {
	id, ok := b.jobIDs[key]
	return id, ok
}

func (b *Slurm) dispatchedKeys() []string {
	keys := maps.Keys(b.jobIDs)
	slices.Sort(keys)
	return keys
}

func (b *Slurm) Wait(ctx context.Context) error {
	keys := b.dispatchedKeys()
	if len(keys) == 0 {
		return nil
	}
	ids := make([]int, len(keys))
	for i, key := range keys {
		ids[i] = b.jobIDs[key]
	}
	if len(ids) > 1 && b.config.Interface != InterfaceOS {
		return errors.WithStack(&piraerrors.ErrCapability{
			Interface: string(b.config.Interface),
			Jobs:      ids,
			Message:   "only the os interface can wait on several jobs",
		})
	}

	switch b.config.Interface {
	case InterfaceOS:
		if err := b.generator.Poll(ctx, ids...); err != nil {
			return err
		}
	case InterfaceSbatchWait:
		log.Debugf("Job %d finished during submission", ids[0])
	case InterfaceREST:
		if err := b.api.WaitJob(ctx, ids[0]); err != nil {
			return err
		}
	}
	return b.Collect()
}

// Collect reads the artifact of every repetition of every dispatched key. A missing or
// malformed artifact fails the collection.
func (b *Slurm) Collect() error {
	for _, key := range b.dispatchedKeys() {
		jobID := b.jobIDs[key]
		for _, rep := range b.Repetitions() {
			result, path, err := b.read(key, jobID, rep)
			if err != nil {
				log.WithFields(log.Fields{"key": key, "jobId": jobID, "repetition": rep, "path": path}).Errorf("No measurement: %v", err)
				return errors.WithStack(&piraerrors.ErrResultCollection{
					Key:        key,
					JobID:      jobID,
					Repetition: rep.String(),
					Path:       path,
					Message:    err.Error(),
				})
			}
			b.results[resultKey{key: key, repetition: rep}] = &result
		}
	}
	return nil
}

func (b *Slurm) read(key string, jobID int, rep Repetition) (Result, string, error) {
	if b.config.Timing == TimingOS {
		path := b.generator.Config().StdErr + "." + strconv.Itoa(jobID)
		if rep != NoRepetition {
			path += "_" + rep.String()
		}
		result, err := readTimeOutput(path)
		return result, path, err
	}

	repetition := ""
	if rep != NoRepetition {
		repetition = rep.String()
	}
	path := timer.ArtifactPath(b.config.ArtifactDir, strconv.Itoa(jobID), key, repetition)
	report, err := timer.ReadReport(path)
	if err != nil {
		return Result{}, path, err
	}
	return Result{Elapsed: report.Elapsed, Output: report.Output}, path, nil
}

// readTimeOutput parses a captured stderr file whose last line is the elapsed seconds
// printed by /usr/bin/time.
func readTimeOutput(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, errors.WithStack(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	elapsed, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return Result{}, errors.Errorf("last line %q is not a duration in seconds", last)
	}
	return Result{Elapsed: elapsed, Output: strings.Join(lines[:len(lines)-1], "\n")}, nil
}

// Pending reports whether (key, repetition) has a result slot that is still waiting for its
// measurement. Unknown keys and repetitions outside the job array have no slot.
func (b *Slurm) Pending(key string, repetition Repetition) bool {
	result, ok := b.results[resultKey{key: key, repetition: repetition}]
	return ok && result == nil
}

func (b *Slurm) Result(key string, repetition Repetition) (Result, bool) {
	result := b.results[resultKey{key: key, repetition: repetition}]
	if result == nil {
		return Result{}, false
	}
	return *result, true
}

func (b *Slurm) Results(key string) ([]Result, error) {
	reps := b.Repetitions()
	results := make([]Result, 0, len(reps))
	for _, rep := range reps {
		result, ok := b.Result(key, rep)
		if !ok {
			return nil, errors.Errorf("result for key %q repetition %s is pending", key, rep)
		}
		results = append(results, result)
	}
	return results, nil
}

// Cleanup forgets all commands, jobs and results and removes the artifacts left in the
// artifact directory.
func (b *Slurm) Cleanup() error {
	b.reset()
	b.generator.ClearCommands()

	matches, err := filepath.Glob(timer.ArtifactGlob(b.config.ArtifactDir))
	if err != nil {
		return errors.WithStack(err)
	}
	var result *multierror.Error
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, errors.WithStack(err))
		}
	}
	if len(matches) > 0 {
		log.Debugf("Removed %d artifacts from %s", len(matches), b.config.ArtifactDir)
	}
	return result.ErrorOrNil()
}
