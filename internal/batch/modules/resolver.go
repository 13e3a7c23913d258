package modules

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/G-Research/pira/internal/common/piraerrors"
)

// Resolver collects modules and orders them by their dependencies.
type Resolver struct {
	modules []Module
}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Add registers m. A direct two-module cycle (m depends on an already registered module that
// depends back on m) is rejected immediately; longer cycles are only detected by Order.
func (r *Resolver) Add(m Module) error {
	for _, other := range r.modules {
		if m.DependsOn(other) && other.DependsOn(m) {
			log.Errorf("Dependency conflict: module %s depends on %s which depends on %s", m, other, m)
			return errors.WithStack(&piraerrors.ErrDependencyConflict{
				Modules: []string{m.String(), other.String()},
				Cycle:   []string{m.String(), other.String(), m.String()},
				Message: fmt.Sprintf("module %s depends on %s, but %s depends on %s", m, other, other, m),
			})
		}
	}
	r.modules = append(r.modules, m)
	return nil
}

// AddAll registers the modules in order, stopping at the first conflict.
func (r *Resolver) AddAll(modules []Module) error {
	for _, m := range modules {
		if err := r.Add(m); err != nil {
			return err
		}
	}
	return nil
}

// Modules returns the registered modules in insertion order.
func (r *Resolver) Modules() []Module {
	return slices.Clone(r.modules)
}

func (r *Resolver) Clear() {
	r.modules = nil
}

// Order returns the registered modules such that every module comes after all its dependencies.
//
// Modules without dependencies keep their insertion order and come first. The remaining modules
// are queued by ascending dependency count; the head of the queue is placed once all of its
// dependencies are, otherwise it is moved to the back. A full pass over the queue that places
// nothing means no further progress is possible, and the offending cycle (or the dependencies no
// registered module satisfies) is reported.
func (r *Resolver) Order() ([]Module, error) {
	ordered := make([]Module, 0, len(r.modules))
	var queue []Module
	for _, m := range r.modules {
		if len(m.Dependencies) == 0 {
			ordered = append(ordered, m)
		} else {
			queue = append(queue, m)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return len(queue[i].Dependencies) < len(queue[j].Dependencies)
	})

	stalled := 0
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		if satisfiedBy(m, ordered) {
			ordered = append(ordered, m)
			stalled = 0
			continue
		}
		queue = append(queue, m)
		stalled++
		if stalled >= len(queue) {
			return nil, r.conflict(queue)
		}
	}
	return ordered, nil
}

func satisfiedBy(m Module, placed []Module) bool {
	for _, ref := range m.Dependencies {
		if slices.IndexFunc(placed, func(p Module) bool { return p.Satisfies(ref) }) == -1 {
			return false
		}
	}
	return true
}

func (r *Resolver) conflict(unplaced []Module) error {
	names := make([]string, len(unplaced))
	for i, m := range unplaced {
		names[i] = m.String()
	}
	sort.Strings(names)

	err := &piraerrors.ErrDependencyConflict{Modules: names}
	if cycle := findCycle(unplaced); cycle != nil {
		err.Cycle = cycle
	} else {
		err.Missing = r.missing(unplaced)
	}
	log.Errorf("Modules cannot be ordered: %s", err)
	return errors.WithStack(err)
}

// missing lists dependency references of unplaced modules that no registered module satisfies.
func (r *Resolver) missing(unplaced []Module) []string {
	var refs []string
	for _, m := range unplaced {
		for _, ref := range m.Dependencies {
			if slices.IndexFunc(r.modules, func(o Module) bool { return o.Satisfies(ref) }) == -1 && !slices.Contains(refs, ref) {
				refs = append(refs, ref)
			}
		}
	}
	sort.Strings(refs)
	return refs
}

// findCycle runs a depth-first search over the dependency edges between the given modules and
// returns the first cycle found as a path that starts and ends with the same module.
func findCycle(nodes []Module) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, len(nodes))
	var stack []int
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = onStack
		stack = append(stack, i)
		for j := range nodes {
			if !nodes[i].DependsOn(nodes[j]) {
				continue
			}
			switch state[j] {
			case onStack:
				start := slices.Index(stack, j)
				for _, k := range stack[start:] {
					cycle = append(cycle, nodes[k].String())
				}
				cycle = append(cycle, nodes[j].String())
				return true
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		return false
	}

	for i := range nodes {
		if state[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}
