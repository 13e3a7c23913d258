// Package pira runs the iterative instrumentation refinement for every configured target,
// locally or through the batch system.
package pira

import (
	"github.com/G-Research/pira/internal/pira/configuration"
)

type Status int

const (
	// StatusDone means every target completed all iterations.
	StatusDone Status = iota
	// StatusAwaitingBatch means a measurement was submitted and a checkpoint written; the
	// next invocation picks up from there.
	StatusAwaitingBatch
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusAwaitingBatch:
		return "awaiting batch"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type IterationReport struct {
	Iteration int
	// Functions selected for instrumentation by the analyzer.
	Instrumented int
	Runtime      float64
	Overhead     float64
}

type ItemReport struct {
	Target     configuration.Target
	ItemID     string
	Baseline   float64
	Iterations []IterationReport
}

// Outcome of Controller.Run. Reason is set iff Status is StatusFailed.
type Outcome struct {
	Status  Status
	Reason  error
	Reports []*ItemReport
}

func (o *Outcome) report(t configuration.Target, itemID string) *ItemReport {
	for _, r := range o.Reports {
		if r.ItemID == itemID {
			return r
		}
	}
	r := &ItemReport{Target: t, ItemID: itemID}
	o.Reports = append(o.Reports, r)
	return r
}

// ExitCode is 1 for failed runs, 0 otherwise.
func (o Outcome) ExitCode() int {
	if o.Status == StatusFailed {
		return 1
	}
	return 0
}
