// Package slurm renders job descriptions for the Slurm workload manager as sbatch arguments,
// job scripts or API argument maps, submits them and waits for them to leave the queue.
package slurm

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/pira/internal/batch/modules"
	"github.com/G-Research/pira/internal/common/piraerrors"
	"github.com/G-Research/pira/internal/common/shell"
)

const DefaultPollInterval = 5 * time.Second

var submittedPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// Generator accumulates the modules and commands of one job and renders them together with
// the job configuration.
type Generator struct {
	config       JobSubmissionConfig
	resolver     *modules.Resolver
	commands     []string
	shell        shell.Shell
	clock        clock.Clock
	pollInterval time.Duration
}

func NewGenerator(config JobSubmissionConfig, sh shell.Shell, clk clock.Clock) *Generator {
	return &Generator{
		config:       config,
		resolver:     modules.NewResolver(),
		shell:        sh,
		clock:        clk,
		pollInterval: DefaultPollInterval,
	}
}

func (g *Generator) SetPollInterval(interval time.Duration) {
	g.pollInterval = interval
}

func (g *Generator) Config() JobSubmissionConfig {
	return g.config
}

func (g *Generator) AddModule(m modules.Module) error {
	return g.resolver.Add(m)
}

// AddConfiguredModules registers every module of the job configuration.
func (g *Generator) AddConfiguredModules() error {
	return g.resolver.AddAll(g.config.Modules)
}

func (g *Generator) ClearModules() {
	g.resolver.Clear()
}

// AddCommand appends a command that runs inside the job.
func (g *Generator) AddCommand(command string) {
	g.commands = append(g.commands, command)
}

func (g *Generator) Commands() []string {
	return append([]string(nil), g.commands...)
}

func (g *Generator) ClearCommands() {
	g.commands = nil
}

// ModuleCommands returns the module purge/load commands in dependency order. The modules are
// ordered even if loadModules is false so that conflicts are always reported.
func (g *Generator) ModuleCommands(loadModules bool) ([]string, error) {
	ordered, err := g.resolver.Order()
	if err != nil {
		return nil, err
	}
	if !loadModules || !g.config.UseModuleSystem {
		return nil, nil
	}
	var lines []string
	if g.config.PurgeModules {
		lines = append(lines, "module purge")
	}
	for _, m := range ordered {
		lines = append(lines, "module load "+m.String())
	}
	return lines, nil
}

// Script renders the job script: shebang, one #SBATCH line per option, optional module
// purge/load lines in dependency order, then the commands.
func (g *Generator) Script(loadModules bool) (string, error) {
	return g.script(loadModules, false)
}

func (g *Generator) script(loadModules, forceWait bool) (string, error) {
	moduleLines, err := g.ModuleCommands(loadModules)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("#!" + g.config.shell() + "\n")
	for _, arg := range renderArgs(g.options(forceWait)) {
		b.WriteString("#SBATCH " + arg + "\n")
	}
	for _, line := range moduleLines {
		b.WriteString(line + "\n")
	}
	for _, command := range g.commands {
		b.WriteString(command + "\n")
	}
	return b.String(), nil
}

// WriteScript writes the job script to path.
func (g *Generator) WriteScript(path string, loadModules bool) error {
	return g.writeScript(path, loadModules, false)
}

func (g *Generator) writeScript(path string, loadModules, forceWait bool) error {
	content, err := g.script(loadModules, forceWait)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		log.Errorf("Job script %s cannot be written: %v", path, err)
		return errors.Wrapf(err, "could not write job script %s", path)
	}
	log.Debugf("Wrote job script %s", path)
	return nil
}

type SubmitOptions struct {
	// Execute the submission. Otherwise only the command is assembled and returned.
	Active bool
	// Block until the job has finished (sbatch --wait).
	Wait bool
	// Write the job to this script and submit the script. If empty the job is inlined.
	ScriptPath  string
	LoadModules bool
}

type SubmitResult struct {
	JobID   int
	Command string
}

// Submit assembles the sbatch invocation and, if opts.Active is set, runs it and parses the
// job id from the confirmation.
func (g *Generator) Submit(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	command, err := g.submitCommand(opts)
	if err != nil {
		return SubmitResult{}, err
	}
	result := SubmitResult{Command: command}
	if !opts.Active {
		return result, nil
	}

	out, runErr := g.shell.Run(ctx, shell.Cmd(command))
	jobID, parseErr := parseJobID(out.Output)
	switch {
	case runErr != nil && parseErr == nil && opts.Wait:
		log.WithField("jobId", jobID).Warnf("Job finished with a non-zero exit status: %v", runErr)
	case runErr != nil:
		return result, errors.WithStack(&piraerrors.ErrSubmission{Command: command, Output: out.Output, Message: runErr.Error()})
	case parseErr != nil:
		return result, errors.WithStack(&piraerrors.ErrSubmission{Command: command, Output: out.Output, Message: "no job id in confirmation"})
	}
	result.JobID = jobID
	log.WithField("jobId", jobID).Infof("Submitted batch job %d", jobID)
	return result, nil
}

func (g *Generator) submitCommand(opts SubmitOptions) (string, error) {
	forceWait := opts.Wait && !g.config.Wait
	if opts.ScriptPath != "" {
		if err := g.writeScript(opts.ScriptPath, opts.LoadModules, forceWait); err != nil {
			return "", err
		}
		return "sbatch " + opts.ScriptPath, nil
	}

	moduleLines, err := g.ModuleCommands(opts.LoadModules)
	if err != nil {
		return "", err
	}
	var wrapped []string
	for _, line := range moduleLines {
		wrapped = append(wrapped, line+";")
	}
	wrapped = append(wrapped, strings.Join(g.commands, ";"))

	parts := append([]string{"sbatch"}, renderArgs(g.options(forceWait))...)
	parts = append(parts, "--wrap="+shell.Quote(strings.Join(wrapped, " ")))
	return strings.Join(parts, " "), nil
}

func parseJobID(output string) (int, error) {
	match := submittedPattern.FindStringSubmatch(output)
	if match == nil {
		return 0, errors.Errorf("no job id found in %q", output)
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return id, nil
}
