package timer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/pira/internal/common/shell"
	"github.com/G-Research/pira/internal/common/shell/shelltest"
)

func TestArtifactPath(t *testing.T) {
	assert.Equal(t, "/pira/pira-slurm-77-run-3.json", ArtifactPath("/pira", "77", "run", "3"))
	assert.Equal(t, "/pira/pira-slurm-77-run-none.json", ArtifactPath("/pira", "77", "run", ""))
	matched, err := filepath.Match(ArtifactGlob("/pira"), ArtifactPath("/pira", "77", "run", "3"))
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestRun_WritesReport(t *testing.T) {
	dir := t.TempDir()
	fake := shelltest.New().On("./bench.exe", shelltest.Response{Output: "result 42\n", Elapsed: 1500 * time.Millisecond})

	report, err := Run(context.Background(), fake, Params{Key: "k1", JobID: "100", Repetition: "2", ExportDir: dir, Command: "./bench.exe -n 4"})
	require.NoError(t, err)
	assert.Equal(t, 1.5, report.Elapsed)

	stored, err := ReadReport(filepath.Join(dir, "pira-slurm-100-k1-2.json"))
	require.NoError(t, err)
	assert.Equal(t, report, stored)
	assert.Equal(t, "result 42\n", stored.Output)
}

func TestRun_FailingCommandStillReports(t *testing.T) {
	dir := t.TempDir()
	fake := shelltest.New().On("false", shelltest.Response{Err: errors.New("exit status 1"), Elapsed: time.Second})

	_, err := Run(context.Background(), fake, Params{Key: "k", JobID: "5", ExportDir: dir, Command: "false"})
	assert.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "pira-slurm-5-k-none.json"))
}

func TestRun_RealShell(t *testing.T) {
	dir := t.TempDir()
	report, err := Run(context.Background(), shell.New(""), Params{Key: "echo", JobID: "1", Repetition: "0", ExportDir: dir, Command: "echo measured"})
	require.NoError(t, err)
	assert.Equal(t, "measured\n", report.Output)
	assert.True(t, report.Elapsed > 0)
}

func TestRun_MissingParameters(t *testing.T) {
	_, err := Run(context.Background(), shelltest.New(), Params{Command: " "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key, job id, export dir, command")
}

func TestReadReport_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pira-slurm-1-k-none.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := ReadReport(path)
	assert.Error(t, err)
}
