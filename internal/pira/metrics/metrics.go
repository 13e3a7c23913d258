package metrics

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

const prefix = "pira_"

var (
	targetLabels    = []string{"build", "item", "flavor"}
	iterationLabels = []string{"build", "item", "flavor", "iteration"}
)

// Target identifies the measured (build, item, flavor).
type Target struct {
	Build  string
	Item   string
	Flavor string
}

func (t Target) values(extra ...string) []string {
	return append([]string{t.Build, t.Item, t.Flavor}, extra...)
}

// Metrics records the measurements of an invocation on a dedicated registry so that they
// can be exported as a node-exporter textfile at the end of a run.
type Metrics struct {
	registry            *prometheus.Registry
	baselineRuntime     *prometheus.GaugeVec
	iterationRuntime    *prometheus.GaugeVec
	iterationOverhead   *prometheus.GaugeVec
	instrumentedFuncs   *prometheus.GaugeVec
	iterationDuration   *prometheus.GaugeVec
	completedIterations *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		baselineRuntime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "baseline_runtime_seconds",
				Help: "Average runtime of the uninstrumented build",
			},
			targetLabels,
		),
		iterationRuntime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "iteration_runtime_seconds",
				Help: "Average runtime of the instrumented build in an iteration",
			},
			iterationLabels,
		),
		iterationOverhead: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "iteration_overhead_ratio",
				Help: "Instrumented runtime divided by baseline runtime",
			},
			iterationLabels,
		),
		instrumentedFuncs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "instrumented_functions",
				Help: "Number of functions selected for instrumentation by the analyzer",
			},
			iterationLabels,
		),
		iterationDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "iteration_duration_seconds",
				Help: "Wall-clock time spent in an iteration",
			},
			iterationLabels,
		),
		completedIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "completed_iterations_total",
				Help: "Number of completed iterations",
			},
			targetLabels,
		),
	}
	m.registry.MustRegister(
		m.baselineRuntime,
		m.iterationRuntime,
		m.iterationOverhead,
		m.instrumentedFuncs,
		m.iterationDuration,
		m.completedIterations,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordBaseline(t Target, seconds float64) {
	m.baselineRuntime.WithLabelValues(t.values()...).Set(seconds)
}

func (m *Metrics) RecordWhitelist(t Target, iteration int, functions int) {
	m.instrumentedFuncs.WithLabelValues(t.values(strconv.Itoa(iteration))...).Set(float64(functions))
}

func (m *Metrics) RecordIteration(t Target, iteration int, runtime, overhead float64) {
	labels := t.values(strconv.Itoa(iteration))
	m.iterationRuntime.WithLabelValues(labels...).Set(runtime)
	m.iterationOverhead.WithLabelValues(labels...).Set(overhead)
	m.completedIterations.WithLabelValues(t.values()...).Inc()
}

func (m *Metrics) RecordIterationDuration(t Target, iteration int, seconds float64) {
	m.iterationDuration.WithLabelValues(t.values(strconv.Itoa(iteration))...).Set(seconds)
}

// WriteTextfile writes all metrics in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Wrapf(err, "cannot write metrics to %s", path)
	}
	return nil
}

// CountLogEntries adds a hook to logger that counts its entries per level in the registry.
// The returned function restores the hooks logger had before.
func (m *Metrics) CountLogEntries(logger *logrus.Logger) (func(), error) {
	// promrus registers its counter with the default registerer.
	registerer := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = m.registry
	hook, err := promrus.NewPrometheusHook()
	prometheus.DefaultRegisterer = registerer
	if err != nil {
		return nil, errors.Wrap(err, "cannot count log entries")
	}

	previous := logrus.LevelHooks{}
	for level, hooks := range logger.Hooks {
		previous[level] = append([]logrus.Hook(nil), hooks...)
	}
	logger.AddHook(hook)
	return func() { logger.ReplaceHooks(previous) }, nil
}
