// Package measurement accumulates runtimes and prepares the environment of instrumented runs.
package measurement

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RunResult holds the accumulated runtime and repetition count of one or more measurements.
type RunResult struct {
	Accumulated []float64
	Repetitions []int
}

func NewRunResult(accumulated float64, repetitions int) RunResult {
	return RunResult{Accumulated: []float64{accumulated}, Repetitions: []int{repetitions}}
}

func (r *RunResult) Add(accumulated float64, repetitions int) {
	r.Accumulated = append(r.Accumulated, accumulated)
	r.Repetitions = append(r.Repetitions, repetitions)
}

func (r *RunResult) AddFrom(other RunResult) {
	for i := range other.Accumulated {
		r.Add(other.Accumulated[i], other.Repetitions[i])
	}
}

func (r RunResult) Len() int {
	return len(r.Accumulated)
}

// Average returns the mean runtime of the first measurement.
func (r RunResult) Average() (float64, error) {
	return r.AverageAt(0)
}

func (r RunResult) AverageAt(pos int) (float64, error) {
	if pos >= len(r.Accumulated) || r.Repetitions[pos] == 0 {
		return 0, errors.Errorf("no repetitions recorded for measurement %d", pos)
	}
	return r.Accumulated[pos] / float64(r.Repetitions[pos]), nil
}

// Overhead returns the ratio of this result's average to the baseline's. A zero baseline
// is treated as one second.
func (r RunResult) Overhead(baseline RunResult) (float64, error) {
	return r.OverheadAt(baseline, 0)
}

func (r RunResult) OverheadAt(baseline RunResult, pos int) (float64, error) {
	base, err := baseline.AverageAt(pos)
	if err != nil {
		return 0, errors.WithMessage(err, "baseline")
	}
	if base == 0 {
		log.Warn("Baseline runtime is zero, computing overhead against 1")
		base = 1
	}
	avg, err := r.AverageAt(pos)
	if err != nil {
		return 0, err
	}
	return avg / base, nil
}
