package store

import (
	"context"
	"sync"
)

// Memory keeps all records in process memory.
type Memory struct {
	mu           sync.Mutex
	Applications []Application
	Builds       []Build
	Items        []Item
	Runs         []Experiment
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) AddApplication(_ context.Context, app Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Applications = append(m.Applications, app)
	return nil
}

func (m *Memory) AddBuild(_ context.Context, build Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Builds = append(m.Builds, build)
	return nil
}

func (m *Memory) AddItem(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Items = append(m.Items, item)
	return nil
}

func (m *Memory) AddExperiment(_ context.Context, experiment Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if experiment.ID == "" {
		experiment.ID = NewID()
	}
	m.Runs = append(m.Runs, experiment)
	return nil
}

func (m *Memory) Baseline(_ context.Context, itemID string) (Experiment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Runs) - 1; i >= 0; i-- {
		if m.Runs[i].ItemID == itemID && m.Runs[i].Iteration == BaselineIteration {
			return m.Runs[i], true, nil
		}
	}
	return Experiment{}, false, nil
}

func (m *Memory) Experiments(_ context.Context, itemID string) ([]Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Experiment
	for _, e := range m.Runs {
		if e.ItemID == itemID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) Close() error {
	return nil
}
