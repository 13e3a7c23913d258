package pira

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pira/internal/common/shell"
	"github.com/G-Research/pira/internal/common/workdir"
	"github.com/G-Research/pira/internal/pira/configuration"
	"github.com/G-Research/pira/internal/pira/functor"
	"github.com/G-Research/pira/internal/pira/measurement"
)

// WhitelistPath is where the analyzer leaves the functions to instrument.
func WhitelistPath(analyzerDir, benchmark, flavor string) string {
	return filepath.Join(analyzerDir, "out", "instrumented-"+benchmark+"_"+flavor+".txt")
}

func PreviousWhitelistPath(analyzerDir, benchmark, flavor string) string {
	return filepath.Join(analyzerDir, "out", "instrumented-"+benchmark+"_"+flavor+"previous.txt")
}

// Analyzer runs the external analysis that refines the instrumentation selection.
type Analyzer struct {
	functors *functor.Registry
	shell    shell.Shell
}

func NewAnalyzer(functors *functor.Registry, sh shell.Shell) *Analyzer {
	return &Analyzer{functors: functors, shell: sh}
}

// Analyze runs the analyze functor for iteration in the analyzer directory and returns the
// whitelist it produced and its line count. The whitelist of the preceding iteration is kept
// as the previous whitelist.
func (a *Analyzer) Analyze(ctx context.Context, t configuration.Target, iteration int) (string, int, error) {
	dir := t.Config.AnalyzerDir
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", 0, errors.Errorf("analyzer directory %s does not exist", dir)
	}
	benchmark := t.Config.Benchmark()
	whitelist := WhitelistPath(dir, benchmark, t.Flavor)
	previous := PreviousWhitelistPath(dir, benchmark, t.Flavor)

	kwargs := targetKwargs(t).Merge(functor.Kwargs{
		"Iteration":          iteration,
		"FilterFile":         whitelist,
		"PreviousFilterFile": "",
		"ProfileDir":         "",
	})
	if _, err := os.Stat(whitelist); err == nil {
		if err := os.Rename(whitelist, previous); err != nil {
			return "", 0, errors.WithStack(err)
		}
		kwargs["PreviousFilterFile"] = previous
		kwargs["ProfileDir"] = measurement.ExperimentDir(t.Config.ExperimentDir, t.Flavor, iteration-1)
	}

	p, err := prepare(a.functors, t, functor.RoleAnalyze, kwargs)
	if err != nil {
		return "", 0, err
	}
	log.WithField("target", t.String()).Debugf("Analyzing with %q", p.Command)
	err = workdir.With(dir, func() error {
		_, err := p.execute(ctx, a.shell)
		return err
	})
	if err != nil {
		return "", 0, errors.WithMessagef(err, "analysis of %s failed", t)
	}
	return whitelist, lineCount(whitelist), nil
}

// lineCount counts the lines of path, 0 if it cannot be read.
func lineCount(path string) int {
	content, err := os.ReadFile(path)
	if err != nil {
		log.Debugf("No file %s to read, returning 0 lines", path)
		return 0
	}
	return bytes.Count(content, []byte("\n")) + 1
}
