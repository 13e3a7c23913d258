package slurm

import (
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/pira/internal/batch/modules"
	"github.com/G-Research/pira/internal/common/piraerrors"
	"github.com/G-Research/pira/internal/common/validation"
)

// MailType is a value of sbatch's --mail-type option.
type MailType string

const (
	MailNone          MailType = "NONE"
	MailBegin         MailType = "BEGIN"
	MailEnd           MailType = "END"
	MailFail          MailType = "FAIL"
	MailRequeue       MailType = "REQUEUE"
	MailAll           MailType = "ALL"
	MailInvalidDepend MailType = "INVALID_DEPEND"
	MailStageOut      MailType = "STAGE_OUT"
	MailTimeLimit     MailType = "TIME_LIMIT"
	MailTimeLimit90   MailType = "TIME_LIMIT_90"
	MailTimeLimit80   MailType = "TIME_LIMIT_80"
	MailTimeLimit50   MailType = "TIME_LIMIT_50"
	MailArrayTasks    MailType = "ARRAY_TASKS"
)

var mailTypes = map[MailType]bool{
	MailNone: true, MailBegin: true, MailEnd: true, MailFail: true, MailRequeue: true, MailAll: true,
	MailInvalidDepend: true, MailStageOut: true, MailTimeLimit: true, MailTimeLimit90: true,
	MailTimeLimit80: true, MailTimeLimit50: true, MailArrayTasks: true,
}

// ParseMailType accepts mail types case-insensitively.
func ParseMailType(s string) (MailType, error) {
	t := MailType(strings.ToUpper(strings.TrimSpace(s)))
	if !mailTypes[t] {
		return "", errors.WithStack(&piraerrors.ErrConfiguration{Field: "MailTypes", Value: s, Message: "unknown mail type"})
	}
	return t, nil
}

// JobHardwareConfig describes the resources requested per job.
type JobHardwareConfig struct {
	// Memory per allocated CPU in megabytes.
	MemPerCPU   int `validate:"gte=1"`
	NTasks      int `validate:"gte=1"`
	CPUsPerTask int `validate:"gte=1"`
	// Passed as --cpu-freq, e.g. "2400000-2400000" or "high".
	CPUFrequency string
	// Interpreter of generated job scripts. Defaults to /bin/bash.
	Shell string
}

// JobSubmissionConfig is everything needed to render and submit one batch job.
type JobSubmissionConfig struct {
	JobHardwareConfig `mapstructure:",squash"`

	// If set, jobs are submitted by writing and referencing this script instead of inlining them.
	ScriptPath string
	JobName    string
	// Paths for stdout/stderr. A job-id (or array-id) suffix is appended automatically.
	StdOut string
	StdErr string
	// Time limit in any sbatch format, e.g. "00:10:00" or "1-12".
	Time        string `validate:"required"`
	Partition   string
	Reservation string
	Account     string

	// Job array bounds. Both or neither of ArrayStart and ArrayEnd must be set.
	ArrayStart *int
	ArrayEnd   *int
	ArrayStep  int
	// Run array tasks one at a time (%1).
	ForceSequential bool

	Exclusive  bool
	Wait       bool
	Dependency string
	MailTypes  []MailType
	MailUser   string

	Modules         []modules.Module
	UseModuleSystem bool
	PurgeModules    bool
}

func (c *JobSubmissionConfig) HasArray() bool {
	return c.ArrayStart != nil && c.ArrayEnd != nil
}

func (c *JobSubmissionConfig) arrayStep() int {
	if c.ArrayStep <= 0 {
		return 1
	}
	return c.ArrayStep
}

// ArrayIndices lists the task ids of the configured job array, or nil if there is none.
func (c *JobSubmissionConfig) ArrayIndices() []int {
	if !c.HasArray() {
		return nil
	}
	var indices []int
	for i := *c.ArrayStart; i <= *c.ArrayEnd; i += c.arrayStep() {
		indices = append(indices, i)
	}
	return indices
}

func (c *JobSubmissionConfig) shell() string {
	if c.Shell == "" {
		return "/bin/bash"
	}
	return c.Shell
}

// Validate reports all missing or malformed fields at once.
func (c *JobSubmissionConfig) Validate() error {
	var result *multierror.Error
	if err := validation.ValidateStruct(c); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Time != "" {
		if _, err := ParseTimeLimit(c.Time); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if (c.ArrayStart == nil) != (c.ArrayEnd == nil) {
		result = multierror.Append(result, errors.WithStack(&piraerrors.ErrConfiguration{
			Field:   "ArrayStart/ArrayEnd",
			Value:   describeBounds(c.ArrayStart, c.ArrayEnd),
			Message: "both array bounds must be set",
		}))
	}
	if c.HasArray() && *c.ArrayEnd < *c.ArrayStart {
		result = multierror.Append(result, errors.WithStack(&piraerrors.ErrConfiguration{
			Field:   "ArrayEnd",
			Value:   *c.ArrayEnd,
			Message: "array end must not be smaller than array start",
		}))
	}
	if c.ArrayStep < 0 {
		result = multierror.Append(result, errors.WithStack(&piraerrors.ErrConfiguration{
			Field:   "ArrayStep",
			Value:   c.ArrayStep,
			Message: "array step must be positive",
		}))
	}
	for _, t := range c.MailTypes {
		if !mailTypes[t] {
			result = multierror.Append(result, errors.WithStack(&piraerrors.ErrConfiguration{
				Field: "MailTypes", Value: t, Message: "unknown mail type",
			}))
		}
	}
	if c.MailUser != "" && len(c.MailTypes) == 0 {
		result = multierror.Append(result, errors.WithStack(&piraerrors.ErrConfiguration{
			Field:   "MailTypes",
			Value:   c.MailTypes,
			Message: "a mail user is set but no mail types",
		}))
	}
	return result.ErrorOrNil()
}

func describeBounds(start, end *int) string {
	render := func(p *int) string {
		if p == nil {
			return "unset"
		}
		return itoa(*p)
	}
	return render(start) + "-" + render(end)
}
