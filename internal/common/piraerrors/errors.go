// Package piraerrors contains the error types returned by the batch and orchestration layers.
// All of them are fatal for the measurement they occur in; callers detect them with errors.As
// and report the embedded key, job id or path.
//
// Functions that can fail in several independent ways (e.g. validating every field of a job
// configuration) return a multierror.Error from github.com/hashicorp/go-multierror wrapping
// the individual errors defined here.
package piraerrors

import (
	"fmt"
	"strings"
)

// ErrConfiguration is returned when a required configuration field is missing or malformed.
type ErrConfiguration struct {
	Field   string      // Name of the offending field, e.g. "NTasks"
	Value   interface{} // The value that was provided
	Message string      // An optional explanation
}

func (err *ErrConfiguration) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for configuration field %q", err.Value, err.Field)
	}
	return fmt.Sprintf("value %v is invalid for configuration field %q; %s", err.Value, err.Field, err.Message)
}

// ErrDependencyConflict is returned when environment modules cannot be ordered.
// Cycle is set when a circular dependency was found, Missing when some dependency refers to a
// module that was never registered. Modules lists the modules that could not be placed.
type ErrDependencyConflict struct {
	Modules []string
	Cycle   []string
	Missing []string
	Message string
}

func (err *ErrDependencyConflict) Error() (s string) {
	switch {
	case len(err.Cycle) > 0:
		s = fmt.Sprintf("module dependency cycle %s", strings.Join(err.Cycle, " -> "))
	case len(err.Missing) > 0:
		s = fmt.Sprintf("unsatisfiable module dependencies %v", err.Missing)
	default:
		s = "module dependency conflict"
	}
	if len(err.Modules) > 0 {
		s = s + fmt.Sprintf("; unplaced modules %v", err.Modules)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrSubmission is returned when the scheduler rejected a job or its confirmation could not be parsed.
type ErrSubmission struct {
	Command string
	Output  string
	Message string
}

func (err *ErrSubmission) Error() string {
	s := fmt.Sprintf("submission %q failed", err.Command)
	if err.Message != "" {
		s = s + fmt.Sprintf(": %s", err.Message)
	}
	if err.Output != "" {
		s = s + fmt.Sprintf("; scheduler output: %q", strings.TrimSpace(err.Output))
	}
	return s
}

// ErrResultCollection is returned when the artifact of a completed job is missing or malformed.
type ErrResultCollection struct {
	Key        string
	JobID      int
	Repetition string
	Path       string
	Message    string
}

func (err *ErrResultCollection) Error() string {
	s := fmt.Sprintf("could not collect result for key %q of job %d repetition %s from %s", err.Key, err.JobID, err.Repetition, err.Path)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrCapability is returned when an operation needs a capability the configured interface lacks,
// e.g. waiting on several jobs through an interface that can only wait on one.
type ErrCapability struct {
	Interface string
	Jobs      []int
	Message   string
}

func (err *ErrCapability) Error() string {
	s := fmt.Sprintf("interface %q cannot wait on %d jobs %v", err.Interface, len(err.Jobs), err.Jobs)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrCheckpointExists is returned when a checkpoint is about to be written while another one is outstanding.
type ErrCheckpointExists struct {
	Path string
}

func (err *ErrCheckpointExists) Error() string {
	return fmt.Sprintf("checkpoint %s already exists; only one outstanding batch submission is supported", err.Path)
}
