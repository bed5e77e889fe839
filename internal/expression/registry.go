package expression

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Handler implements a function. Arguments are evaluated on demand through
// Args so functions such as if and filter control what gets evaluated.
type Handler func(ctx *Context, args Args) Result

// Function describes a callable built-in. MaxArgs < 0 means variadic.
type Function struct {
	Name    string
	MinArgs int
	MaxArgs int
	Handler Handler
}

func (f *Function) arity() string {
	switch {
	case f.MaxArgs < 0:
		return fmt.Sprintf("at least %d arguments", f.MinArgs)
	case f.MinArgs == f.MaxArgs:
		return fmt.Sprintf("%d arguments", f.MinArgs)
	default:
		return fmt.Sprintf("%d to %d arguments", f.MinArgs, f.MaxArgs)
	}
}

// Args gives a handler access to its argument expressions
type Args struct {
	ctx   *Context
	nodes []node
}

// Len returns the number of arguments
func (a Args) Len() int { return len(a.nodes) }

// Eval evaluates argument i, or returns Empty when it was not given
func (a Args) Eval(i int) Result {
	return a.EvalIn(a.ctx, i)
}

// EvalIn evaluates argument i in another context
func (a Args) EvalIn(ctx *Context, i int) Result {
	if i < 0 || i >= len(a.nodes) {
		return Empty
	}
	return a.nodes[i].eval(ctx)
}

// String evaluates argument i and returns the text of its first value
func (a Args) String(i int) string {
	return a.Eval(i).String()
}

type functionRegistry struct {
	mu     sync.RWMutex
	funcs  map[string]*Function
	frozen bool
}

var functions = &functionRegistry{funcs: make(map[string]*Function)}

// Register adds a function. Registration fails once the registry is frozen
// or when the name is taken.
func Register(f Function) error {
	if f.Name == "" || f.Handler == nil {
		return fmt.Errorf("function needs a name and a handler")
	}
	functions.mu.Lock()
	defer functions.mu.Unlock()
	if functions.frozen {
		return fmt.Errorf("function registry is frozen, cannot register %s", f.Name)
	}
	if _, ok := functions.funcs[f.Name]; ok {
		return fmt.Errorf("function %s already registered", f.Name)
	}
	functions.funcs[f.Name] = &f
	return nil
}

// Freeze stops further registration
func Freeze() {
	functions.mu.Lock()
	functions.frozen = true
	functions.mu.Unlock()
}

// Lookup finds a registered function
func Lookup(name string) (*Function, bool) {
	functions.mu.RLock()
	defer functions.mu.RUnlock()
	f, ok := functions.funcs[name]
	return f, ok
}

// Functions lists the registered function names in order
func Functions() []string {
	functions.mu.RLock()
	defer functions.mu.RUnlock()
	names := make([]string, 0, len(functions.funcs))
	for name := range functions.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mustRegister(name string, min, max int, h Handler) {
	if err := Register(Function{Name: name, MinArgs: min, MaxArgs: max, Handler: h}); err != nil {
		panic(err)
	}
}

// each applies fn to every non-empty value of the first argument
func each(ctx *Context, args Args, fn func(v any) (any, bool)) Result {
	var out Result
	for _, v := range args.Eval(0).Values(ctx.empty) {
		if r, ok := fn(v); ok {
			out = append(out, r)
		}
	}
	return out
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
