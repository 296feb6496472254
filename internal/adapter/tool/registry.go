package tool

import (
	"fmt"
	"sync"

	"agentcore/internal/domain"
)

// Registry holds named tools. Tools are wrapped with JSON Schema validation
// at registration so handlers never see arguments that violate their schema.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]domain.Tool
	order []string // registration order, drives descriptor snapshots
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]domain.Tool)}
}

// Register adds a tool. Duplicate names fail with ErrDuplicateTool; a schema
// that does not compile rejects the tool so a bad descriptor surfaces at
// startup rather than on first invocation.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicateTool, name)
	}

	wrapped, err := withSchemaValidation(t)
	if err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}

	r.tools[name] = wrapped
	r.order = append(r.order, name)
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// List returns all registered tools in registration order.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]domain.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Schemas returns descriptor snapshots in registration order. Sessions take
// this snapshot once at construction, so the order a model sees is stable
// for the lifetime of the session.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.tools[name].Schema())
	}
	return schemas
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Compile-time interface check.
var _ domain.ToolExecutor = (*Registry)(nil)
