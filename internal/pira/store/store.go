// Package store records applications, builds, items and experiment runtimes.
package store

import (
	"context"

	"github.com/google/uuid"
)

type Application struct {
	ID              string
	Name            string
	GlobalFlavor    string
	GlobalSubmitter string
}

type Build struct {
	ID      string
	Name    string
	Prefix  string
	Flavors string
	AppName string
}

type Item struct {
	ID               string
	Name             string
	AnalyzerFunctor  string
	BuilderFunctor   string
	RunArgs          string
	RunnerFunctor    string
	SubmitterFunctor string
	ExperimentDir    string
	BuildName        string
}

// Experiment is one measured runtime. Iteration is -1 for the baseline.
type Experiment struct {
	ID            string
	BenchmarkName string
	Iteration     int
	Instrumented  bool
	ArtifactPath  string
	Runtime       float64
	ItemID        string
}

const BaselineIteration = -1

// Sink receives the metadata of a measurement campaign.
type Sink interface {
	AddApplication(ctx context.Context, app Application) error
	AddBuild(ctx context.Context, build Build) error
	AddItem(ctx context.Context, item Item) error
	AddExperiment(ctx context.Context, experiment Experiment) error
	// Baseline returns the uninstrumented experiment of an item, if one was recorded.
	Baseline(ctx context.Context, itemID string) (Experiment, bool, error)
	Experiments(ctx context.Context, itemID string) ([]Experiment, error)
	Close() error
}

// NewID returns a fresh row id.
func NewID() string {
	return uuid.NewString()
}
