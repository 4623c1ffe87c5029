package conductor

import (
	"context"
	"fmt"
	"sync"
)

type (
	// HandlerFunc is a command body. It receives the loaded (or freshly
	// constructed) entity and the resolved arguments, mutates the entity,
	// and may return a value or a lazy sequence to be drained into result
	// fragments
	HandlerFunc func(ctx context.Context, e Entity, args Args) (any, error)

	// CommandDef declares one dispatchable command: its handler, the
	// permissions a caller must hold, and the parameter schema. Internal
	// commands are registered but refused by Dispatch
	CommandDef struct {
		Name        string
		Handler     HandlerFunc
		Permissions []string
		Params      Schema
		Internal    bool
	}

	// EntityDef binds an entity type name to its factory and commands
	EntityDef struct {
		entityType string
		factory    func() Entity
		mu         sync.RWMutex
		commands   map[string]*CommandDef
	}

	// Registry is the explicit, registration-time command registry. It is
	// owned by an App and passed by reference; there is no package-level
	// instance
	Registry struct {
		mu    sync.RWMutex
		types map[string]*EntityDef
	}
)

// NewRegistry creates an empty command registry
func NewRegistry() *Registry {
	return &Registry{
		types: map[string]*EntityDef{},
	}
}

// RegisterEntity binds an entity type to its factory and returns the
// definition for command registration. Registering the same type twice
// returns the existing definition
func (r *Registry) RegisterEntity(
	entityType string, factory func() Entity,
) *EntityDef {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def, ok := r.types[entityType]; ok {
		return def
	}
	def := &EntityDef{
		entityType: entityType,
		factory:    factory,
		commands:   map[string]*CommandDef{},
	}
	r.types[entityType] = def
	return def
}

// EntityTypes lists the registered entity type names
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for t := range r.types {
		types = append(types, t)
	}
	return types
}

func (r *Registry) entityDef(entityType string) (*EntityDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.types[entityType]
	return def, ok
}

func (r *Registry) command(
	entityType, name string,
) (*EntityDef, *CommandDef, bool) {
	def, ok := r.entityDef(entityType)
	if !ok {
		return nil, nil, false
	}
	cmd, ok := def.lookup(name)
	if !ok {
		return def, nil, false
	}
	return def, cmd, true
}

// Register adds a command definition to the entity type
func (d *EntityDef) Register(def CommandDef) error {
	if def.Name == "" {
		return fmt.Errorf("command on %q has no name", d.entityType)
	}
	if def.Handler == nil {
		return fmt.Errorf(
			"command %q on %q has no handler", def.Name, d.entityType,
		)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.commands[def.Name]; ok {
		return fmt.Errorf(
			"command %q already registered on %q", def.Name, d.entityType,
		)
	}
	d.commands[def.Name] = &def
	return nil
}

// MustRegister is Register for static registration blocks; it panics on a
// definition error
func (d *EntityDef) MustRegister(def CommandDef) *EntityDef {
	if err := d.Register(def); err != nil {
		panic(err)
	}
	return d
}

// New constructs a fresh, unsaved entity instance
func (d *EntityDef) New() Entity {
	return d.factory()
}

// Commands lists the names registered on the entity type
func (d *EntityDef) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	return names
}

func (d *EntityDef) lookup(name string) (*CommandDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cmd, ok := d.commands[name]
	return cmd, ok
}
