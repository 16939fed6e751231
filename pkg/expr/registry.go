package expr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Variadic marks a function that accepts one or more arguments.
const Variadic = -1

var (
	ErrUnknownFunction   = errors.New("unknown function")
	ErrDuplicateFunction = errors.New("function already registered")
	ErrArity             = errors.New("wrong number of arguments")
)

// ScalarFunc evaluates a function over argument columns of equal length and
// returns one output value per row. The caller releases args; the function
// must not release them and returns a new array the caller must Release().
type ScalarFunc func(ctx context.Context, alloc memory.Allocator, args []arrow.Array) (arrow.Array, error)

// Function is a named entry in a Registry.
type Function struct {
	Name  string
	Arity int
	Fn    ScalarFunc
}

// Registry is the function catalog the evaluator dispatches calls to.
// Names are case-insensitive. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

// NewRegistry returns a registry holding the built-in scalar functions.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Function)}
	for _, f := range builtins() {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds f to the catalog. Names must be unique.
func (r *Registry) Register(f Function) error {
	if f.Name == "" || f.Fn == nil {
		return fmt.Errorf("register function: name and implementation are required")
	}
	if f.Arity < Variadic {
		return fmt.Errorf("register %s: invalid arity %d", f.Name, f.Arity)
	}
	name := strings.ToLower(f.Name)
	if name == castFunc {
		return fmt.Errorf("register %s: %w", f.Name, ErrDuplicateFunction)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("register %s: %w", f.Name, ErrDuplicateFunction)
	}
	f.Name = name
	r.funcs[name] = f
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funcs[strings.ToLower(name)]
	return f, ok
}

// Names returns the registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// checkArity validates an argument count against f's declared arity.
func (f Function) checkArity(n int) error {
	switch {
	case f.Arity == Variadic && n < 1:
		return fmt.Errorf("%s requires at least 1 argument, got %d: %w", f.Name, n, ErrArity)
	case f.Arity != Variadic && n != f.Arity:
		return fmt.Errorf("%s requires %d arguments, got %d: %w", f.Name, f.Arity, n, ErrArity)
	}
	return nil
}
