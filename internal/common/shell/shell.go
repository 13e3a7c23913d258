// Package shell runs external commands (builds, benchmark runs, scheduler tools) as blocking
// invocations through a POSIX shell and reports how long they took.
package shell

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const DefaultShell = "/bin/bash"

// Command is a single command line plus extra environment entries in KEY=VALUE form,
// added on top of the current process environment.
type Command struct {
	Line string
	Env  []string
}

// Cmd builds a Command from a line and optional KEY=VALUE environment entries.
func Cmd(line string, env ...string) Command {
	return Command{Line: line, Env: env}
}

// Output of a finished command. Output holds stdout and stderr combined.
type Output struct {
	Output     string
	Elapsed    time.Duration
	UserTime   time.Duration
	SystemTime time.Duration
	ExitCode   int
}

type Shell interface {
	// Run blocks until the command exits. A non-zero exit status is returned as an error
	// together with the captured output.
	Run(ctx context.Context, cmd Command) (Output, error)
}

// Exec runs commands via `<shell> -c <line>`.
type Exec struct {
	path string
}

func New(path string) *Exec {
	if path == "" {
		path = DefaultShell
	}
	return &Exec{path: path}
}

func (e *Exec) Run(ctx context.Context, cmd Command) (Output, error) {
	c := exec.CommandContext(ctx, e.path, "-c", cmd.Line)
	c.Env = append(os.Environ(), cmd.Env...)
	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf

	log.Debugf("Executing %q", cmd.Line)
	start := time.Now()
	err := c.Run()
	out := Output{
		Output:  buf.String(),
		Elapsed: time.Since(start),
	}
	if state := c.ProcessState; state != nil {
		out.UserTime = state.UserTime()
		out.SystemTime = state.SystemTime()
		out.ExitCode = state.ExitCode()
	}
	if err != nil {
		return out, errors.Wrapf(err, "command %q failed with output %q", cmd.Line, strings.TrimSpace(out.Output))
	}
	return out, nil
}

// Quote wraps s in single quotes so a shell passes it through literally.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
