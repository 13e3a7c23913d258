// Package functor provides the build, run, clean and analyze steps configured per
// (build, item, flavor).
package functor

import (
	"bytes"
	"context"
	"text/template"

	"github.com/pkg/errors"

	"github.com/G-Research/pira/internal/common/shell"
)

type Role string

const (
	RoleBaseBuild Role = "basebuild"
	RoleBuild     Role = "build"
	RoleClean     Role = "clean"
	RoleRun       Role = "run"
	RoleAnalyze   Role = "analyze"
)

var Roles = []Role{RoleBaseBuild, RoleBuild, RoleClean, RoleRun, RoleAnalyze}

type Kind int

const (
	// KindShellCommand is a command the caller runs and may time.
	KindShellCommand Kind = iota
	// KindFireAndForget is run for its effect only; its runtime is not meaningful.
	KindFireAndForget
)

func (k Kind) String() string {
	if k == KindFireAndForget {
		return "fire-and-forget"
	}
	return "shell-command"
}

type Invocation struct {
	Kind    Kind
	Command string
	Env     []string
}

// Kwargs are the values available to a functor's command template.
type Kwargs map[string]interface{}

// Merge returns a copy of k overlaid with other.
func (k Kwargs) Merge(other Kwargs) Kwargs {
	merged := make(Kwargs, len(k)+len(other))
	for key, value := range k {
		merged[key] = value
	}
	for key, value := range other {
		merged[key] = value
	}
	return merged
}

type Functor interface {
	Prepare(kwargs Kwargs) (Invocation, error)
	Execute(ctx context.Context, sh shell.Shell, invocation Invocation) (shell.Output, error)
	FireAndForget() bool
}

// Spec is the configured form of a functor.
type Spec struct {
	// Command is a text/template rendered with the step's Kwargs, e.g. "make CC={{.CC}}".
	Command       string `validate:"required"`
	FireAndForget bool
	Env           []string
}

// TemplateFunctor renders its command from a text/template.
type TemplateFunctor struct {
	name          string
	template      *template.Template
	fireAndForget bool
	env           []string
}

func NewTemplateFunctor(name string, spec Spec) (*TemplateFunctor, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(spec.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid command template for %s", name)
	}
	return &TemplateFunctor{name: name, template: tmpl, fireAndForget: spec.FireAndForget, env: spec.Env}, nil
}

func (f *TemplateFunctor) Prepare(kwargs Kwargs) (Invocation, error) {
	var buf bytes.Buffer
	if err := f.template.Execute(&buf, map[string]interface{}(kwargs)); err != nil {
		return Invocation{}, errors.Wrapf(err, "cannot render command for %s", f.name)
	}
	kind := KindShellCommand
	if f.fireAndForget {
		kind = KindFireAndForget
	}
	return Invocation{Kind: kind, Command: buf.String(), Env: append([]string(nil), f.env...)}, nil
}

func (f *TemplateFunctor) Execute(ctx context.Context, sh shell.Shell, invocation Invocation) (shell.Output, error) {
	return sh.Run(ctx, shell.Cmd(invocation.Command, invocation.Env...))
}

func (f *TemplateFunctor) FireAndForget() bool {
	return f.fireAndForget
}

func (f *TemplateFunctor) String() string {
	return f.name
}
