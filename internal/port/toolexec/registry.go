package toolexec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownTool is returned when no executor is registered for a tool.
var ErrUnknownTool = errors.New("toolexec: unknown tool")

// Registry routes tool invocations to executors by exact name, then by the
// longest registered prefix, then to the fallback.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]Executor
	prefixes map[string]Executor
	fallback Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]Executor),
		prefixes: make(map[string]Executor),
	}
}

// Register makes an executor available for the exact tool name.
// It panics on duplicate registration.
func (r *Registry) Register(tool string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.exact[tool]; exists {
		panic(fmt.Sprintf("toolexec: duplicate registration for %q", tool))
	}
	r.exact[tool] = ex
}

// RegisterPrefix routes every tool starting with prefix to ex.
func (r *Registry) RegisterPrefix(prefix string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.prefixes[prefix]; exists {
		panic(fmt.Sprintf("toolexec: duplicate prefix registration for %q", prefix))
	}
	r.prefixes[prefix] = ex
}

// SetFallback sets the executor used for unmatched tools.
func (r *Registry) SetFallback(ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ex
}

// Available returns the exact tool names and prefixes (suffixed with "*"), sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.exact)+len(r.prefixes))
	for name := range r.exact {
		names = append(names, name)
	}
	for p := range r.prefixes {
		names = append(names, p+"*")
	}
	sort.Strings(names)
	return names
}

// Execute dispatches req to the matching executor.
func (r *Registry) Execute(ctx context.Context, req Request) (*Result, error) {
	ex := r.lookup(req.Tool)
	if ex == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownTool, req.Tool)
	}
	return ex.Execute(ctx, req)
}

func (r *Registry) lookup(tool string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ex, ok := r.exact[tool]; ok {
		return ex
	}
	best := ""
	var match Executor
	for p, ex := range r.prefixes {
		if strings.HasPrefix(tool, p) && len(p) > len(best) {
			best, match = p, ex
		}
	}
	if match != nil {
		return match
	}
	return r.fallback
}
