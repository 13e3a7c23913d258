package slurm

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pira/internal/common/piraerrors"
)

// Option is a single sbatch flag. An empty Value renders as a bare flag.
type Option struct {
	Flag  string
	Value string
}

func (o Option) String() string {
	if o.Value == "" {
		return "--" + o.Flag
	}
	return "--" + o.Flag + "=" + o.Value
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

// Options returns the sbatch options for the configured (non-default) fields in a fixed order.
func (g *Generator) Options() []Option {
	return g.options(false)
}

func (g *Generator) options(forceWait bool) []Option {
	c := g.config
	var opts []Option
	add := func(flag, value string) {
		opts = append(opts, Option{Flag: flag, Value: value})
	}

	if c.Account != "" {
		add("account", c.Account)
	}
	if c.Reservation != "" {
		add("reservation", c.Reservation)
	}
	if c.Partition != "" {
		add("partition", c.Partition)
	}
	if c.JobName != "" {
		add("job-name", c.JobName)
	}
	suffix := ".%j"
	if c.HasArray() {
		suffix = ".%A_%a"
	}
	if c.StdOut != "" {
		add("output", c.StdOut+suffix)
	}
	if c.StdErr != "" {
		add("error", c.StdErr+suffix)
	}
	if c.Time != "" {
		add("time", c.Time)
	}
	if c.MemPerCPU > 0 {
		add("mem-per-cpu", itoa(c.MemPerCPU))
	}
	if c.NTasks > 0 {
		add("ntasks", itoa(c.NTasks))
	}
	if c.CPUsPerTask > 0 {
		add("cpus-per-task", itoa(c.CPUsPerTask))
	}
	if c.Exclusive {
		add("exclusive", "")
	}
	if c.Wait || forceWait {
		add("wait", "")
	}
	if c.HasArray() {
		array := itoa(*c.ArrayStart) + "-" + itoa(*c.ArrayEnd) + ":" + itoa(c.arrayStep())
		if c.ForceSequential {
			array += "%1"
		}
		add("array", array)
	}
	if c.CPUFrequency != "" {
		add("cpu-freq", c.CPUFrequency)
	}
	if c.Dependency != "" {
		add("dependency", c.Dependency)
	}
	if c.MailUser != "" {
		add("mail-user", c.MailUser)
	}
	if len(c.MailTypes) > 0 {
		types := make([]string, len(c.MailTypes))
		for i, t := range c.MailTypes {
			types[i] = string(t)
		}
		add("mail-type", strings.Join(types, ","))
	}
	return opts
}

// CLIArgs renders the options as sbatch command line arguments.
func (g *Generator) CLIArgs() []string {
	return renderArgs(g.Options())
}

func renderArgs(opts []Option) []string {
	args := make([]string, len(opts))
	for i, o := range opts {
		args[i] = o.String()
	}
	return args
}

// ProgrammaticArgs returns the options as an argument map for API based submission:
// flag names use underscores, the time limit is given in minutes, the array as an explicit
// index list, and the commands as "wrap". Options the API cannot express are left out.
func (g *Generator) ProgrammaticArgs() (map[string]interface{}, error) {
	args := map[string]interface{}{}
	for _, o := range g.Options() {
		switch o.Flag {
		case "time":
			minutes, err := ParseTimeLimit(o.Value)
			if err != nil {
				return nil, err
			}
			args["time_limit"] = minutes
		case "array":
			if strings.Contains(o.Value, "%") {
				log.Warnf("Running array tasks sequentially cannot be enforced for programmatic submission, repetitions may run in parallel")
			}
			args["array_inx"] = arrayIndexList(g.config.ArrayIndices())
		case "cpu-freq":
			if idx := strings.Index(o.Value, "-"); idx != -1 {
				args["cpu_freq_min"] = o.Value[:idx]
				args["cpu_freq_max"] = o.Value[idx+1:]
			} else {
				args["cpu_freq_min"] = o.Value
				args["cpu_freq_max"] = o.Value
			}
		case "wait", "exclusive":
			log.Warnf("Option --%s is not supported for programmatic submission and is ignored", o.Flag)
		case "mem-per-cpu", "ntasks", "cpus-per-task":
			n, err := strconv.Atoi(o.Value)
			if err != nil {
				return nil, errors.WithStack(&piraerrors.ErrConfiguration{Field: o.Flag, Value: o.Value, Message: "not a number"})
			}
			args[underscore(o.Flag)] = n
		default:
			args[underscore(o.Flag)] = o.Value
		}
	}
	args["wrap"] = strings.Join(g.commands, ";")
	return args, nil
}

func underscore(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func arrayIndexList(indices []int) string {
	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = itoa(idx)
	}
	return strings.Join(ids, ",")
}

// ParseTimeLimit converts an sbatch time limit into whole minutes. Accepted formats are
// "minutes", "minutes:seconds", "hours:minutes:seconds", "days-hours", "days-hours:minutes"
// and "days-hours:minutes:seconds". Left over seconds round the result up.
func ParseTimeLimit(s string) (int, error) {
	invalid := func(msg string) error {
		return errors.WithStack(&piraerrors.ErrConfiguration{Field: "Time", Value: s, Message: msg})
	}

	minutes := 0
	rest := s
	hasDays := false
	if idx := strings.Index(s, "-"); idx != -1 {
		days, err := strconv.Atoi(s[:idx])
		if err != nil || days < 0 {
			return 0, invalid("invalid day count")
		}
		minutes += days * 24 * 60
		rest = s[idx+1:]
		hasDays = true
	}

	parts := strings.Split(rest, ":")
	values := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, invalid("expected [days-]hours:minutes:seconds")
		}
		values[i] = v
	}
	roundUp := func(seconds int) int {
		if seconds > 0 {
			return 1
		}
		return 0
	}

	switch len(values) {
	case 3:
		minutes += values[0]*60 + values[1] + roundUp(values[2])
	case 2:
		if hasDays {
			minutes += values[0]*60 + values[1]
		} else {
			minutes += values[0] + roundUp(values[1])
		}
	case 1:
		if hasDays {
			minutes += values[0] * 60
		} else {
			minutes += values[0]
		}
	default:
		return 0, invalid("too many fields")
	}
	return minutes, nil
}
