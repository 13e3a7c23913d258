package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSinks(t *testing.T) map[string]Sink {
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "db", "_pira.sqlite"))
	require.NoError(t, err)
	require.NoError(t, sqlite.Setup(context.Background()))
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Sink{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func TestSink(t *testing.T) {
	for name, sink := range newSinks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, sink.AddApplication(ctx, Application{ID: NewID(), Name: "/src/app"}))
			require.NoError(t, sink.AddBuild(ctx, Build{ID: NewID(), Name: "/src/app", Flavors: "ct", AppName: "/src/app"}))
			require.NoError(t, sink.AddItem(ctx, Item{ID: "item-1", Name: "app", ExperimentDir: "/exp", BuildName: "/src/app"}))

			_, ok, err := sink.Baseline(ctx, "item-1")
			require.NoError(t, err)
			assert.False(t, ok)

			baseline := Experiment{ID: "e0", BenchmarkName: "app", Iteration: BaselineIteration, Runtime: 2.5, ItemID: "item-1"}
			require.NoError(t, sink.AddExperiment(ctx, baseline))
			require.NoError(t, sink.AddExperiment(ctx, Experiment{ID: "e1", BenchmarkName: "app", Iteration: 0, Instrumented: true, ArtifactPath: "/exp-ct-0", Runtime: 3, ItemID: "item-1"}))
			require.NoError(t, sink.AddExperiment(ctx, Experiment{BenchmarkName: "other", Iteration: BaselineIteration, Runtime: 9, ItemID: "item-2"}))

			found, ok, err := sink.Baseline(ctx, "item-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, baseline, found)

			experiments, err := sink.Experiments(ctx, "item-1")
			require.NoError(t, err)
			require.Len(t, experiments, 2)
			assert.Equal(t, "e0", experiments[0].ID)
			assert.True(t, experiments[1].Instrumented)
			assert.Equal(t, 3.0, experiments[1].Runtime)

			other, err := sink.Experiments(ctx, "item-2")
			require.NoError(t, err)
			require.Len(t, other, 1)
			assert.NotEmpty(t, other[0].ID)
		})
	}
}

func TestSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "_pira.sqlite")

	first, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Setup(ctx))
	require.NoError(t, first.AddExperiment(ctx, Experiment{Iteration: BaselineIteration, Runtime: 1.5, ItemID: "item"}))
	require.NoError(t, first.Close())

	second, err := NewSQLite(path)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Setup(ctx))
	baseline, ok, err := second.Baseline(ctx, "item")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.5, baseline.Runtime)
}
