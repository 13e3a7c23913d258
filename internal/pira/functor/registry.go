package functor

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/pira/internal/common/piraerrors"
)

type Key struct {
	Build  string
	Item   string
	Flavor string
	Role   Role
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", k.Build, k.Item, k.Flavor, k.Role)
}

// Registry holds one functor per key. All functors are compiled when the registry is
// created, so template errors surface before any step runs.
type Registry struct {
	mu       sync.RWMutex
	functors map[Key]Functor
}

func NewRegistry(specs map[Key]Spec) (*Registry, error) {
	r := &Registry{functors: make(map[Key]Functor, len(specs))}
	var result *multierror.Error
	for key, spec := range specs {
		f, err := NewTemplateFunctor(key.String(), spec)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		r.functors[key] = f
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register replaces the functor for key.
func (r *Registry) Register(key Key, f Functor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functors[key] = f
}

func (r *Registry) Get(key Key) (Functor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.functors[key]
	if !ok {
		return nil, errors.WithStack(&piraerrors.ErrConfiguration{
			Field:   "Functors",
			Value:   key.String(),
			Message: fmt.Sprintf("no %s functor configured", key.Role),
		})
	}
	return f, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.functors)
}
