package configuration

import (
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/G-Research/pira/internal/common/validation"
)

const (
	DefaultIterations   = 3
	DefaultRepetitions  = 3
	DefaultDatabasePath = "_pira.sqlite"
)

// InvocationConfig holds the settings of one orchestrator invocation.
type InvocationConfig struct {
	ConfigPath string `validate:"required"`
	// Working directory for generated files. Defaults to ~/.pira.
	PiraDir     string
	Iterations  int `validate:"gte=0"`
	Repetitions int `validate:"gte=1"`
	// Rebuild with a new whitelist in every iteration. If false, the whitelist is applied
	// at runtime through a Score-P filter file.
	CompileTimeFiltering bool
	// Rebuild every n iterations, 0 disables hybrid filtering.
	HybridFilterIters int `validate:"gte=0"`
	CheckpointPath    string
	// Job configuration for batch-bound items.
	SlurmConfigPath string
	DatabasePath    string
	MetricsFile     string
}

func DefaultInvocationConfig() InvocationConfig {
	return InvocationConfig{
		Iterations:           DefaultIterations,
		Repetitions:          DefaultRepetitions,
		CompileTimeFiltering: true,
		DatabasePath:         DefaultDatabasePath,
	}
}

func (c InvocationConfig) HybridFiltering() bool {
	return c.HybridFilterIters > 0
}

// FilterMode describes how the instrumentation selection is applied.
func (c InvocationConfig) FilterMode() string {
	switch {
	case !c.CompileTimeFiltering:
		return "runtime filtering"
	case c.HybridFiltering():
		return "hybrid filtering"
	default:
		return "compile-time filtering"
	}
}

// Rebuild reports whether the instrumented build is redone before iteration i.
func (c InvocationConfig) Rebuild(i int) bool {
	return i == 0 || c.CompileTimeFiltering || (c.HybridFiltering() && i%c.HybridFilterIters == 0)
}

// ResolvePiraDir returns the configured PIRA directory, defaulting to ~/.pira.
func (c InvocationConfig) ResolvePiraDir() (string, error) {
	dir := c.PiraDir
	if dir == "" {
		dir = "~/.pira"
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return filepath.Clean(expanded), nil
}

func (c InvocationConfig) Validate() error {
	return validation.ValidateStruct(&c)
}
