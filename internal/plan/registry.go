package plan

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps workerType strings to statically-typed dispatchers. All
// registrations happen at startup; resolution of an unknown worker type is
// an explicit error rather than a silent fallthrough.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]WorkerDispatcher
	fallback    string
}

// NewRegistry creates an empty registry. fallbackType, when non-empty,
// names the dispatcher used for worker types with no registration of
// their own (typically "general").
func NewRegistry(fallbackType string) *Registry {
	return &Registry{
		dispatchers: make(map[string]WorkerDispatcher),
		fallback:    fallbackType,
	}
}

// Register binds a worker type. Re-registering replaces the previous
// dispatcher.
func (r *Registry) Register(workerType string, d WorkerDispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[workerType] = d
}

// Resolve returns the dispatcher for workerType, falling back to the
// configured default type when present.
func (r *Registry) Resolve(workerType string) (WorkerDispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.dispatchers[workerType]; ok {
		return d, nil
	}
	if r.fallback != "" {
		if d, ok := r.dispatchers[r.fallback]; ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("unknown worker type %q", workerType)
}

// Dispatch resolves and invokes the worker for req.Step.WorkerType.
func (r *Registry) Dispatch(ctx context.Context, req DispatchRequest) (WorkerResult, error) {
	d, err := r.Resolve(req.Step.WorkerType)
	if err != nil {
		return WorkerResult{}, err
	}
	return d.Dispatch(ctx, req)
}

// Types returns the registered worker types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dispatchers))
	for t := range r.dispatchers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
