// Package shelltest provides a scripted shell.Shell for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/G-Research/pira/internal/common/shell"
)

// Response is what the fake returns for a matching command. Effect, if set, runs first and
// can be used to create files the real command would have produced.
type Response struct {
	Output  string
	Elapsed time.Duration
	Err     error
	Effect  func(cmd shell.Command) error
}

type handler struct {
	match     string
	responses []Response
	calls     int
}

// Fake records every command and answers with the responses registered for the first
// handler whose match string is contained in the command line. Responses of a handler are
// used in order, the last one repeating. Unmatched commands succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	handlers []*handler
	commands []shell.Command
}

func New() *Fake {
	return &Fake{}
}

func (f *Fake) On(match string, responses ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, &handler{match: match, responses: responses})
	return f
}

func (f *Fake) Run(_ context.Context, cmd shell.Command) (shell.Output, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	var response Response
	for _, h := range f.handlers {
		if !strings.Contains(cmd.Line, h.match) || len(h.responses) == 0 {
			continue
		}
		idx := h.calls
		if idx >= len(h.responses) {
			idx = len(h.responses) - 1
		}
		h.calls++
		response = h.responses[idx]
		break
	}
	f.mu.Unlock()

	if response.Effect != nil {
		if err := response.Effect(cmd); err != nil {
			return shell.Output{}, err
		}
	}
	out := shell.Output{Output: response.Output, Elapsed: response.Elapsed}
	if response.Err != nil {
		out.ExitCode = 1
	}
	return out, response.Err
}

// Commands returns all commands run so far.
func (f *Fake) Commands() []shell.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shell.Command(nil), f.commands...)
}

// Lines returns the command lines run so far.
func (f *Fake) Lines() []string {
	var lines []string
	for _, c := range f.Commands() {
		lines = append(lines, c.Line)
	}
	return lines
}

// Count returns how many commands contained match.
func (f *Fake) Count(match string) int {
	n := 0
	for _, line := range f.Lines() {
		if strings.Contains(line, match) {
			n++
		}
	}
	return n
}
