package callctl

import "sync"

// Factory builds the orchestrator for one agent line.
type Factory func(line string) *Orchestrator

// Registry hands out one orchestrator per agent line, created lazily.
// Lines are fully independent; the registry only guards the map itself.
type Registry struct {
	factory Factory

	mu    sync.Mutex
	lines map[string]*Orchestrator
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, lines: make(map[string]*Orchestrator)}
}

// Line returns the orchestrator for the given agent line, creating it on
// first use.
func (r *Registry) Line(id string) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.lines[id]; ok {
		return o
	}
	o := r.factory(id)
	r.lines[id] = o
	return o
}

// Phases reports the current phase of every known line.
func (r *Registry) Phases() map[string]Phase {
	r.mu.Lock()
	lines := make(map[string]*Orchestrator, len(r.lines))
	for id, o := range r.lines {
		lines[id] = o
	}
	r.mu.Unlock()

	out := make(map[string]Phase, len(lines))
	for id, o := range lines {
		out[id] = o.Phase()
	}
	return out
}
