// Package configuration holds the invocation settings and the Build → Item → Flavor
// description of what is measured.
package configuration

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/pira/internal/common"
	"github.com/G-Research/pira/internal/common/piraerrors"
	"github.com/G-Research/pira/internal/common/validation"
	"github.com/G-Research/pira/internal/pira/functor"
)

// PiraConfig lists the top-level build directories to process. Directories starting with
// % refer to an entry of Directories.
type PiraConfig struct {
	Directories map[string]string
	Builds      []Build `validate:"required,min=1,dive"`
	// Directory of the configuration file, relative paths are resolved against it.
	BaseDir string `mapstructure:"-"`
}

type Build struct {
	Name string `validate:"required"`
	// Defaults to Name.
	Directory string
	Items     []Item `validate:"required,min=1,dive"`
}

type Item struct {
	Name string `validate:"required"`
	// Name of the benchmark executable, defaults to Name.
	BenchmarkName string
	AnalyzerDir   string `validate:"required"`
	ExperimentDir string `validate:"required"`
	// Argument strings for the run functor. Only the first one is used.
	Args []string
	// Measure through the batch system instead of running locally.
	Batch   bool
	Flavors []Flavor `validate:"required,min=1,dive"`
}

type Flavor struct {
	Name     string                        `validate:"required"`
	Functors map[functor.Role]functor.Spec `validate:"required,dive"`
}

// Target is one (build, item, flavor) combination to measure.
type Target struct {
	Build  string
	Item   string
	Flavor string
	Place  string
	Config Item
}

func (t Target) String() string {
	return t.Build + "/" + t.Item + "/" + t.Flavor
}

func (i Item) Benchmark() string {
	if i.BenchmarkName == "" {
		return i.Name
	}
	return i.BenchmarkName
}

// InvocationArgs returns the argument string passed to the run functor.
func (i Item) InvocationArgs() string {
	if len(i.Args) == 0 {
		return ""
	}
	return i.Args[0]
}

// Load reads a JSON or YAML configuration. Directory values are expanded for
// environment variables and resolved relative to the file.
func Load(path string) (PiraConfig, error) {
	var config PiraConfig
	if _, err := common.LoadConfig(&config, path, nil); err != nil {
		return PiraConfig{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return PiraConfig{}, errors.WithStack(err)
	}
	config.BaseDir = filepath.Dir(abs)
	if err := config.Validate(); err != nil {
		return PiraConfig{}, errors.WithMessagef(err, "invalid configuration %s", path)
	}
	return config, nil
}

func (c PiraConfig) Validate() error {
	var result *multierror.Error
	if err := validation.ValidateStruct(&c); err != nil {
		result = multierror.Append(result, err)
	}
	for _, build := range c.Builds {
		if _, err := c.resolveDirectory(build); err != nil {
			result = multierror.Append(result, err)
		}
		for _, item := range build.Items {
			for _, flavor := range item.Flavors {
				for _, role := range requiredRoles {
					if _, ok := flavor.Functors[role]; !ok {
						result = multierror.Append(result, errors.WithStack(&piraerrors.ErrConfiguration{
							Field:   "Functors." + string(role),
							Value:   build.Name + "/" + item.Name + "/" + flavor.Name,
							Message: "functor missing",
						}))
					}
				}
			}
		}
	}
	return result.ErrorOrNil()
}

var requiredRoles = []functor.Role{
	functor.RoleBaseBuild, functor.RoleBuild, functor.RoleClean, functor.RoleRun, functor.RoleAnalyze,
}

func (c PiraConfig) resolveDirectory(build Build) (string, error) {
	dir := build.Directory
	if dir == "" {
		dir = build.Name
	}
	if strings.HasPrefix(dir, "%") {
		alias := strings.ToLower(dir[1:])
		resolved, ok := c.Directories[alias]
		if !ok {
			return "", errors.WithStack(&piraerrors.ErrConfiguration{Field: "Directory", Value: dir, Message: "unknown directory alias"})
		}
		dir = resolved
	}
	dir = os.ExpandEnv(dir)
	if !filepath.IsAbs(dir) && c.BaseDir != "" {
		dir = filepath.Join(c.BaseDir, dir)
	}
	return dir, nil
}

func (c PiraConfig) BuildNames() []string {
	names := make([]string, len(c.Builds))
	for i, build := range c.Builds {
		names[i] = build.Name
	}
	return names
}

func (c PiraConfig) Build(name string) (Build, bool) {
	for _, build := range c.Builds {
		if build.Name == name {
			return build, true
		}
	}
	return Build{}, false
}

func (c PiraConfig) Items(build string) []Item {
	b, ok := c.Build(build)
	if !ok {
		return nil
	}
	return b.Items
}

func (c PiraConfig) Item(build, item string) (Item, bool) {
	for _, i := range c.Items(build) {
		if i.Name == item {
			return i, true
		}
	}
	return Item{}, false
}

func (c PiraConfig) Flavors(build, item string) []string {
	i, ok := c.Item(build, item)
	if !ok {
		return nil
	}
	names := make([]string, len(i.Flavors))
	for idx, flavor := range i.Flavors {
		names[idx] = flavor.Name
	}
	return names
}

// Place returns the directory a build is processed in.
func (c PiraConfig) Place(build string) (string, error) {
	b, ok := c.Build(build)
	if !ok {
		return "", errors.WithStack(&piraerrors.ErrConfiguration{Field: "Builds", Value: build, Message: "unknown build"})
	}
	return c.resolveDirectory(b)
}

// Targets lists every (build, item, flavor) in configuration order.
func (c PiraConfig) Targets() ([]Target, error) {
	var targets []Target
	for _, build := range c.Builds {
		place, err := c.resolveDirectory(build)
		if err != nil {
			return nil, err
		}
		for _, item := range build.Items {
			item.AnalyzerDir = c.resolvePath(item.AnalyzerDir)
			item.ExperimentDir = c.resolvePath(item.ExperimentDir)
			for _, flavor := range item.Flavors {
				targets = append(targets, Target{
					Build:  build.Name,
					Item:   item.Name,
					Flavor: flavor.Name,
					Place:  place,
					Config: item,
				})
			}
		}
	}
	return targets, nil
}

func (c PiraConfig) resolvePath(path string) string {
	path = os.ExpandEnv(path)
	if path != "" && !filepath.IsAbs(path) && c.BaseDir != "" {
		return filepath.Join(c.BaseDir, path)
	}
	return path
}

// FunctorSpecs returns the functor of every role of every target.
func (c PiraConfig) FunctorSpecs() map[functor.Key]functor.Spec {
	specs := map[functor.Key]functor.Spec{}
	for _, build := range c.Builds {
		for _, item := range build.Items {
			for _, flavor := range item.Flavors {
				for role, spec := range flavor.Functors {
					specs[functor.Key{Build: build.Name, Item: item.Name, Flavor: flavor.Name, Role: role}] = spec
				}
			}
		}
	}
	return specs
}
