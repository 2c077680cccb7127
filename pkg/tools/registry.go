// Package tools manages the MCP tool server connection: periodic tool
// discovery, an atomically swapped tool registry, and budget-priced tool
// invocation.
package tools

import (
	"sync/atomic"

	"github.com/robaikg/gateway/pkg/protocol"
)

// Descriptor is one discovered tool.
type Descriptor struct {
	Name        string
	Description string
	Schema      map[string]any
	// Cost is the number of budget points one invocation consumes.
	Cost int
}

// Registry holds the current tool snapshot. Readers always see a complete
// consistent set; discovery swaps the whole snapshot at once.
type Registry struct {
	snapshot atomic.Pointer[[]Descriptor]
	costs    map[string]int
}

// NewRegistry builds an empty registry. costs overrides the default cost
// of one point per invocation, keyed by tool name.
func NewRegistry(costs map[string]int) *Registry {
	r := &Registry{costs: costs}
	empty := []Descriptor{}
	r.snapshot.Store(&empty)
	return r
}

// Replace installs a new snapshot, pricing each tool.
func (r *Registry) Replace(descriptors []Descriptor) {
	priced := make([]Descriptor, len(descriptors))
	for i, d := range descriptors {
		d.Cost = r.costFor(d.Name)
		priced[i] = d
	}
	r.snapshot.Store(&priced)
}

func (r *Registry) costFor(name string) int {
	if cost, ok := r.costs[name]; ok && cost > 0 {
		return cost
	}
	return 1
}

// Snapshot returns the current tool set.
func (r *Registry) Snapshot() []Descriptor {
	return *r.snapshot.Load()
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	for _, d := range r.Snapshot() {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Names lists the current tool names in snapshot order.
func (r *Registry) Names() []string {
	snapshot := r.Snapshot()
	names := make([]string, len(snapshot))
	for i, d := range snapshot {
		names[i] = d.Name
	}
	return names
}

// OpenAITools renders the snapshot as function tools for the LM request.
func (r *Registry) OpenAITools() []protocol.Tool {
	snapshot := r.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	out := make([]protocol.Tool, len(snapshot))
	for i, d := range snapshot {
		schema := d.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = protocol.Tool{
			Type: "function",
			Function: protocol.ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
