package task

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Identifier is the structured definition of a task: its type plus the
// properties that define it. The canonical key is computed once.
type Identifier struct {
	// Type is the task type ("npm", "shell", ...).
	Type string

	// Properties are the defining properties, excluding the type.
	Properties map[string]any

	key string
}

// NewIdentifier builds an identifier and computes its canonical key.
// A "type" entry in props is ignored in favor of typ.
func NewIdentifier(typ string, props map[string]any) *Identifier {
	p := make(map[string]any, len(props))
	for k, v := range props {
		if k == "type" || k == "_key" {
			continue
		}
		p[k] = copyValue(v)
	}
	id := &Identifier{Type: typ, Properties: p}
	id.key = CanonicalKey(id.Literal())
	return id
}

// Key returns the canonical identity key.
func (id *Identifier) Key() string {
	if id == nil {
		return ""
	}
	return id.key
}

// Literal returns the identifier as a flat map including "type".
func (id *Identifier) Literal() map[string]any {
	lit := make(map[string]any, len(id.Properties)+1)
	for k, v := range id.Properties {
		lit[k] = copyValue(v)
	}
	lit["type"] = id.Type
	return lit
}

// Get returns a property value.
func (id *Identifier) Get(name string) (any, bool) {
	if id == nil {
		return nil, false
	}
	v, ok := id.Properties[name]
	return v, ok
}

// Prop returns a property rendered as a string, or "".
func (id *Identifier) Prop(name string) string {
	v, ok := id.Get(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Equal reports whether both identifiers share a canonical key.
func (id *Identifier) Equal(other *Identifier) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.key == other.key
}

// Clone returns a deep copy.
func (id *Identifier) Clone() *Identifier {
	if id == nil {
		return nil
	}
	c := &Identifier{Type: id.Type, Properties: make(map[string]any, len(id.Properties)), key: id.key}
	for k, v := range id.Properties {
		c.Properties[k] = copyValue(v)
	}
	return c
}

// MarshalJSON encodes the identifier as its literal.
func (id *Identifier) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Literal())
}

// UnmarshalJSON decodes a literal and recomputes the key.
func (id *Identifier) UnmarshalJSON(data []byte) error {
	var lit map[string]any
	if err := json.Unmarshal(data, &lit); err != nil {
		return err
	}
	typ, _ := lit["type"].(string)
	if typ == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidIdentifier)
	}
	*id = *NewIdentifier(typ, lit)
	return nil
}

// CanonicalKey stringifies a literal deterministically: keys are sorted,
// nested maps and slices recurse, and commas inside string values are
// doubled so they cannot collide with the separator.
func CanonicalKey(literal map[string]any) string {
	var b strings.Builder
	writeSorted(&b, literal)
	return b.String()
}

func writeSorted(b *strings.Builder, literal map[string]any) {
	keys := slices.Sorted(maps.Keys(literal))
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(',')
		writeValue(b, literal[k])
		b.WriteByte(',')
	}
}

func writeValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		b.WriteString(strings.ReplaceAll(val, ",", ",,"))
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(val), 'f', -1, 32))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case map[string]any:
		writeSorted(b, val)
	case []any:
		// Arrays stringify like objects keyed by index, sorted as strings.
		m := make(map[string]any, len(val))
		for i, item := range val {
			m[strconv.Itoa(i)] = item
		}
		writeSorted(b, m)
	case []string:
		m := make(map[string]any, len(val))
		for i, item := range val {
			m[strconv.Itoa(i)] = item
		}
		writeSorted(b, m)
	default:
		b.WriteString(fmt.Sprint(val))
	}
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = copyValue(item)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = copyValue(item)
		}
		return s
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}

// Identity names a task in a resolve request: either a plain name (label,
// reference name or ID) or a structured identifier.
type Identity struct {
	Name  string
	Keyed *Identifier
}

// NameIdentity returns an identity matching by label, reference or ID.
func NameIdentity(name string) Identity {
	return Identity{Name: name}
}

// KeyedIdentity returns an identity matching by canonical key.
func KeyedIdentity(id *Identifier) Identity {
	return Identity{Keyed: id}
}

// IsZero reports whether the identity names nothing.
func (i Identity) IsZero() bool {
	return i.Name == "" && i.Keyed == nil
}

// String returns a printable form.
func (i Identity) String() string {
	if i.Keyed != nil {
		return i.Keyed.Key()
	}
	return i.Name
}

// Matches reports whether t is named by id.
func Matches(t Task, id Identity) bool {
	if t == nil || id.IsZero() {
		return false
	}
	b := t.Core()
	if id.Keyed != nil {
		return b.Identifier != nil && b.Identifier.Equal(id.Keyed)
	}
	return id.Name == b.Label || (b.Ref != "" && id.Name == b.Ref) || id.Name == b.ID
}
