package configuration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/pira/internal/batch/backend"
	"github.com/G-Research/pira/internal/batch/modules"
	"github.com/G-Research/pira/internal/batch/slurm"
	"github.com/G-Research/pira/internal/pira/functor"
)

const testPiraConfig = `
directories:
  lulesh: /opt/src/lulesh
builds:
  - name: "%lulesh"
    items:
      - name: lulesh
        benchmarkName: lulesh2.0
        analyzerDir: analyzer
        experimentDir: /scratch/exp
        args: ["-i 100 -s 30", "-i 200"]
        batch: true
        flavors:
          - name: ct
            functors:
              basebuild: {command: "make CC={{.CC}}"}
              build: {command: "make CC={{.CC}} CLFLAGS={{.CLFLAGS}}"}
              clean: {command: "make clean"}
              run: {command: "./{{.PIRANAME}} {{.Args}}"}
              analyze: {command: "pgis {{.FilterFile}}", fireAndForget: false}
  - name: /opt/src/amg
    items:
      - name: amg
        analyzerDir: /opt/pgis
        experimentDir: /scratch/amg
        flavors:
          - name: vanilla
            functors:
              basebuild: {command: make}
              build: {command: make}
              clean: {command: make clean}
              run: {command: ./amg}
              analyze: {command: pgis, fireAndForget: true}
`

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "pira.yaml", testPiraConfig)
	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"%lulesh", "/opt/src/amg"}, config.BuildNames())
	assert.Equal(t, []string{"ct"}, config.Flavors("%lulesh", "lulesh"))
	assert.Nil(t, config.Flavors("%lulesh", "missing"))

	place, err := config.Place("%lulesh")
	require.NoError(t, err)
	assert.Equal(t, "/opt/src/lulesh", place)
	_, err = config.Place("unknown")
	assert.Error(t, err)

	item, ok := config.Item("%lulesh", "lulesh")
	require.True(t, ok)
	assert.Equal(t, "lulesh2.0", item.Benchmark())
	assert.Equal(t, "-i 100 -s 30", item.InvocationArgs())
	assert.True(t, item.Batch)

	amg, ok := config.Item("/opt/src/amg", "amg")
	require.True(t, ok)
	assert.Equal(t, "amg", amg.Benchmark())
	assert.Equal(t, "", amg.InvocationArgs())

	targets, err := config.Targets()
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "%lulesh/lulesh/ct", targets[0].String())
	assert.Equal(t, "/opt/src/lulesh", targets[0].Place)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "analyzer"), targets[0].Config.AnalyzerDir)
	assert.Equal(t, "/opt/src/amg", targets[1].Place)

	specs := config.FunctorSpecs()
	assert.Len(t, specs, 10)
	analyze := specs[functor.Key{Build: "/opt/src/amg", Item: "amg", Flavor: "vanilla", Role: functor.RoleAnalyze}]
	assert.Equal(t, functor.Spec{Command: "pgis", FireAndForget: true}, analyze)
}

func TestPiraConfig_Validate(t *testing.T) {
	flavor := Flavor{
		Name:     "ct",
		Functors: map[functor.Role]functor.Spec{functor.RoleRun: {Command: "./app"}},
	}
	item := Item{Name: "app", AnalyzerDir: "/a", ExperimentDir: "/e", Flavors: []Flavor{flavor}}
	config := PiraConfig{Builds: []Build{{Name: "%unknown", Items: []Item{item}}}}
	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown directory alias")
	assert.Contains(t, err.Error(), "Functors.basebuild")
	assert.Contains(t, err.Error(), "Functors.analyze")

	assert.Error(t, PiraConfig{}.Validate())
}

func TestInvocationConfig(t *testing.T) {
	c := DefaultInvocationConfig()
	assert.Error(t, c.Validate())
	c.ConfigPath = "pira.yaml"
	require.NoError(t, c.Validate())
	assert.Equal(t, "compile-time filtering", c.FilterMode())
	assert.True(t, c.Rebuild(2))

	c.CompileTimeFiltering = false
	assert.Equal(t, "runtime filtering", c.FilterMode())
	assert.True(t, c.Rebuild(0))
	assert.False(t, c.Rebuild(1))

	c.HybridFilterIters = 2
	assert.True(t, c.HybridFiltering())
	assert.False(t, c.Rebuild(1))
	assert.True(t, c.Rebuild(2))

	c.CompileTimeFiltering = true
	assert.Equal(t, "hybrid filtering", c.FilterMode())

	c.Repetitions = 0
	assert.Error(t, c.Validate())
}

func TestResolvePiraDir(t *testing.T) {
	c := InvocationConfig{PiraDir: "/tmp/pira/"}
	dir, err := c.ResolvePiraDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pira", dir)

	c.PiraDir = ""
	dir, err = c.ResolvePiraDir()
	require.NoError(t, err)
	assert.Equal(t, ".pira", filepath.Base(dir))
}

const testBatchConfig = `
job:
  jobName: pira-lulesh
  time: "01:00:00"
  memPerCpu: 3800
  ntasks: 1
  cpusPerTask: 24
  stdErr: /scratch/err
  mailTypes: FAIL,END
  mailUser: user@example.com
  arrayStart: 1
  arrayEnd: 5
  useModuleSystem: true
  modules:
    - gcc/10.2
    - name: openmpi
      version: "4.1"
      dependencies: [gcc]
backend:
  interface: sbatch_wait
  artifactDir: /scratch/artifacts
  pollInterval: 30s
`

func TestLoadBatchConfig(t *testing.T) {
	config, err := LoadBatchConfig(writeFile(t, "slurm.yaml", testBatchConfig))
	require.NoError(t, err)

	assert.Equal(t, "pira-lulesh", config.Job.JobName)
	assert.Equal(t, 3800, config.Job.MemPerCPU)
	assert.Equal(t, 24, config.Job.CPUsPerTask)
	assert.Equal(t, []slurm.MailType{slurm.MailFail, slurm.MailEnd}, config.Job.MailTypes)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, config.Job.ArrayIndices())
	assert.Equal(t, []modules.Module{
		{Name: "gcc", Version: "10.2"},
		{Name: "openmpi", Version: "4.1", Dependencies: []string{"gcc"}},
	}, config.Job.Modules)

	assert.Equal(t, backend.InterfaceSbatchWait, config.Backend.Interface)
	assert.Equal(t, backend.TimingTimer, config.Backend.Timing)
	assert.Equal(t, 30*time.Second, config.PollInterval())
	assert.Equal(t, slurm.DefaultRESTAPIVersion, config.REST.APIVersion)
}

func TestLoadBatchConfig_SingleMailType(t *testing.T) {
	content := strings.Replace(testBatchConfig, "mailTypes: FAIL,END", "mailTypes: END", 1)
	config, err := LoadBatchConfig(writeFile(t, "slurm.yaml", content))
	require.NoError(t, err)
	assert.Equal(t, []slurm.MailType{slurm.MailEnd}, config.Job.MailTypes)
}

func TestLoadBatchConfig_Invalid(t *testing.T) {
	_, err := LoadBatchConfig(writeFile(t, "slurm.yaml", "job:\n  jobName: x\nbackend:\n  interface: rest\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REST.URL")
}
