package task

import (
	"fmt"
	"sync"
)

// PropertyType is the schema type of a definition property.
type PropertyType string

const (
	PropString  PropertyType = "string"
	PropNumber  PropertyType = "number"
	PropInteger PropertyType = "integer"
	PropBoolean PropertyType = "boolean"
	PropArray   PropertyType = "array"
	PropObject  PropertyType = "object"
	PropAny     PropertyType = ""
)

// zeroValue returns the zero value of a schema type. Untyped properties
// have none.
func (t PropertyType) zeroValue() (any, bool) {
	switch t {
	case PropString:
		return "", true
	case PropNumber, PropInteger:
		return float64(0), true
	case PropBoolean:
		return false, true
	case PropArray:
		return []any{}, true
	case PropObject:
		return map[string]any{}, true
	default:
		return nil, false
	}
}

// Property declares one defining property of a task type.
type Property struct {
	// Type is the schema type.
	Type PropertyType

	// Default is used when a required property is missing.
	Default any
}

// Definition declares the properties that define tasks of one type.
type Definition struct {
	// Type is the task type.
	Type string

	// Properties are the declared properties.
	Properties map[string]Property

	// Required lists properties that must be present in an identifier.
	Required []string
}

// DefinitionRegistry holds the task definitions known to the host.
// Providers register the definition of their type on registration.
type DefinitionRegistry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{defs: make(map[string]*Definition)}
}

// Register adds or replaces a definition.
func (r *DefinitionRegistry) Register(def *Definition) {
	if def == nil || def.Type == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = def
}

// Unregister removes the definition of typ.
func (r *DefinitionRegistry) Unregister(typ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, typ)
}

// Get returns the definition of typ.
func (r *DefinitionRegistry) Get(typ string) (*Definition, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[typ]
	return def, ok
}

// CreateIdentifier builds the identifier of a task from a raw definition
// literal. For a registered type only declared properties are kept and a
// missing required property takes its default, or the zero value of its
// schema type. An unregistered type keeps the literal as-is.
func (r *DefinitionRegistry) CreateIdentifier(literal map[string]any) (*Identifier, error) {
	typ, _ := literal["type"].(string)
	if typ == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidIdentifier)
	}

	def, ok := r.Get(typ)
	if !ok {
		return NewIdentifier(typ, literal), nil
	}

	props := make(map[string]any, len(def.Properties))
	for name := range def.Properties {
		if v, ok := literal[name]; ok {
			props[name] = v
		}
	}
	for _, name := range def.Required {
		if _, ok := props[name]; ok {
			continue
		}
		prop := def.Properties[name]
		if prop.Default != nil {
			props[name] = prop.Default
			continue
		}
		zero, ok := prop.Type.zeroValue()
		if !ok {
			return nil, fmt.Errorf("%w: %s requires property %q", ErrInvalidIdentifier, typ, name)
		}
		props[name] = zero
	}
	return NewIdentifier(typ, props), nil
}
