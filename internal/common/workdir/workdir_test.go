package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cwd(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

func TestWith_RestoresOnSuccessAndFailure(t *testing.T) {
	before := cwd(t)
	target, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	err = With(target, func() error {
		assert.Equal(t, target, cwd(t))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before, cwd(t))

	err = With(target, func() error {
		return errors.New("build failed")
	})
	assert.EqualError(t, err, "build failed")
	assert.Equal(t, before, cwd(t))
}

func TestWith_RestoresOnPanic(t *testing.T) {
	before := cwd(t)
	assert.Panics(t, func() {
		_ = With(t.TempDir(), func() error {
			panic("boom")
		})
	})
	assert.Equal(t, before, cwd(t))
}

func TestWith_MissingDirectory(t *testing.T) {
	before := cwd(t)
	called := false
	err := With(filepath.Join(t.TempDir(), "missing"), func() error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, before, cwd(t))
}

func TestGuard(t *testing.T) {
	before := cwd(t)
	guard, err := NewGuard()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	guard.Restore()
	assert.Equal(t, before, cwd(t))
}
