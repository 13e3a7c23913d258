package pira

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pira/internal/common/shell"
	"github.com/G-Research/pira/internal/common/workdir"
	"github.com/G-Research/pira/internal/pira/configuration"
	"github.com/G-Research/pira/internal/pira/functor"
	"github.com/G-Research/pira/internal/pira/measurement"
)

// Builder cleans and rebuilds a target in its build directory.
type Builder struct {
	functors *functor.Registry
	shell    shell.Shell
}

func NewBuilder(functors *functor.Registry, sh shell.Shell) *Builder {
	return &Builder{functors: functors, shell: sh}
}

// Build runs the clean functor followed by the basebuild functor, or by the build functor
// with the instrumentation kwargs for whitelist if instrumented is set.
func (b *Builder) Build(ctx context.Context, t configuration.Target, instrumented bool, whitelist string, compileTimeFilter bool) error {
	role := functor.RoleBaseBuild
	kwargs := measurement.VanillaKwargs()
	if instrumented {
		role = functor.RoleBuild
		kwargs = measurement.InstrumentationKwargs(whitelist, compileTimeFilter)
	}
	kwargs = kwargs.Merge(targetKwargs(t))

	clean, err := b.prepare(t, functor.RoleClean, kwargs)
	if err != nil {
		return err
	}
	build, err := b.prepare(t, role, kwargs)
	if err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{"target": t.String(), "instrumented": instrumented})
	return workdir.With(t.Place, func() error {
		logger.Debugf("Cleaning with %q", clean.Command)
		if _, err := clean.execute(ctx, b.shell); err != nil {
			return errors.WithMessagef(err, "clean of %s failed", t)
		}
		logger.Debugf("Building with %q", build.Command)
		if _, err := build.execute(ctx, b.shell); err != nil {
			return errors.WithMessagef(err, "build of %s failed", t)
		}
		logger.Info("Build finished")
		return nil
	})
}

func (b *Builder) prepare(t configuration.Target, role functor.Role, kwargs functor.Kwargs) (prepared, error) {
	return prepare(b.functors, t, role, kwargs)
}

// prepared is a functor together with its rendered invocation.
type prepared struct {
	functor.Invocation
	f functor.Functor
}

func (p prepared) execute(ctx context.Context, sh shell.Shell) (shell.Output, error) {
	return p.f.Execute(ctx, sh, p.Invocation)
}

func prepare(functors *functor.Registry, t configuration.Target, role functor.Role, kwargs functor.Kwargs) (prepared, error) {
	f, err := functors.Get(functor.Key{Build: t.Build, Item: t.Item, Flavor: t.Flavor, Role: role})
	if err != nil {
		return prepared{}, err
	}
	invocation, err := f.Prepare(kwargs)
	if err != nil {
		return prepared{}, err
	}
	return prepared{Invocation: invocation, f: f}, nil
}

// targetKwargs are available to every functor of t.
func targetKwargs(t configuration.Target) functor.Kwargs {
	return functor.Kwargs{
		"Target":        t.Item,
		"Benchmark":     t.Config.Benchmark(),
		"Flavor":        t.Flavor,
		"Build":         t.Build,
		"Place":         t.Place,
		"Args":          t.Config.InvocationArgs(),
		"AnalyzerDir":   t.Config.AnalyzerDir,
		"ExperimentDir": t.Config.ExperimentDir,
	}
}
