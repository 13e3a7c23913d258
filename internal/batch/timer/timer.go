// Package timer measures a command from inside a batch job and leaves the measurement on the
// shared filesystem as a JSON report, one file per (job, key, repetition).
package timer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pira/internal/common/shell"
)

const (
	ArtifactPrefix = "pira-slurm-"
	NoRepetition   = "none"
)

// Report is the content of a timing artifact. Times are in seconds.
type Report struct {
	CUTime  float64 `json:"cutime"`
	CSTime  float64 `json:"cstime"`
	Elapsed float64 `json:"elapsed"`
	Output  string  `json:"output"`
}

type Params struct {
	Key        string
	JobID      string
	Repetition string
	ExportDir  string
	Command    string
}

// ArtifactPath returns <dir>/pira-slurm-<jobID>-<key>-<repetition>.json.
// An empty repetition is written as "none".
func ArtifactPath(dir, jobID, key, repetition string) string {
	if repetition == "" {
		repetition = NoRepetition
	}
	return filepath.Join(dir, ArtifactPrefix+jobID+"-"+key+"-"+repetition+".json")
}

// ArtifactGlob matches every artifact written to dir.
func ArtifactGlob(dir string) string {
	return filepath.Join(dir, ArtifactPrefix+"*")
}

func (p Params) validate() error {
	var missing []string
	if p.Key == "" {
		missing = append(missing, "key")
	}
	if p.JobID == "" {
		missing = append(missing, "job id")
	}
	if p.ExportDir == "" {
		missing = append(missing, "export dir")
	}
	if strings.TrimSpace(p.Command) == "" {
		missing = append(missing, "command")
	}
	if len(missing) > 0 {
		return errors.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Run executes the command, writes its report and returns it. The report is written even
// if the command fails; the command's error is returned afterwards.
func Run(ctx context.Context, sh shell.Shell, p Params) (Report, error) {
	if err := p.validate(); err != nil {
		return Report{}, err
	}
	out, runErr := sh.Run(ctx, shell.Cmd(p.Command))
	report := Report{
		CUTime:  out.UserTime.Seconds(),
		CSTime:  out.SystemTime.Seconds(),
		Elapsed: out.Elapsed.Seconds(),
		Output:  out.Output,
	}
	path := ArtifactPath(p.ExportDir, p.JobID, p.Key, p.Repetition)
	if err := WriteReport(path, report); err != nil {
		return report, err
	}
	log.WithFields(log.Fields{"key": p.Key, "jobId": p.JobID, "repetition": p.Repetition}).
		Infof("Command took %.3fs, report written to %s", report.Elapsed, path)
	return report, runErr
}

func WriteReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "could not write timing report %s", path)
	}
	return nil
}

func ReadReport(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, errors.WithStack(err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, errors.Wrapf(err, "malformed timing report %s", path)
	}
	return report, nil
}
