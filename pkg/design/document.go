package design

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Map is an insertion-ordered string-keyed map. YAML mappings decode into
// Maps so design documents keep their author-written order; plain Go maps
// would shuffle attribute application and make runs non-deterministic.
type Map struct {
	keys   []string
	values map[string]any
}

// NewMap returns an empty ordered map.
func NewMap() *Map {
	return &Map{values: make(map[string]any)}
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set stores a value, preserving the key's original position when it
// already exists.
func (m *Map) Set(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Pop removes and returns the value stored under key.
func (m *Map) Pop(key string) (any, bool) {
	v, ok := m.values[key]
	if !ok {
		return nil, false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return v, true
}

// Clone returns a deep copy. Nested Maps and lists are copied; node and
// object handles produced by extensions are shared.
func (m *Map) Clone() *Map {
	out := NewMap()
	for _, k := range m.keys {
		out.Set(k, cloneValue(m.values[k]))
	}
	return out
}

// Plain converts the map (recursively) to ordinary Go maps, for JSON-typed
// storage columns.
func (m *Map) Plain() map[string]any {
	out := make(map[string]any, len(m.keys))
	for _, k := range m.keys {
		out[k] = plainValue(m.values[k])
	}
	return out
}

// UnmarshalYAML decodes a YAML mapping node preserving key order.
func (m *Map) UnmarshalYAML(node *yaml.Node) error {
	decoded, err := decodeNode(node)
	if err != nil {
		return err
	}
	dm, ok := decoded.(*Map)
	if !ok {
		return fmt.Errorf("expected a mapping, got %s", node.Tag)
	}
	*m = *dm
	return nil
}

func decodeNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return NewMap(), nil
		}
		return decodeNode(node.Content[0])
	case yaml.AliasNode:
		return decodeNode(node.Alias)
	case yaml.MappingNode:
		m := NewMap()
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return nil, fmt.Errorf("line %d: mapping key is not a string: %w", node.Content[i].Line, err)
			}
			v, err := decodeNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			m.Set(key, v)
		}
		return m, nil
	case yaml.SequenceNode:
		list := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := decodeNode(item)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	default:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// ParseDocument decodes a YAML design document into an ordered map.
func ParseDocument(data []byte) (*Map, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse design document: %w", err)
	}
	if root.Kind == 0 {
		return NewMap(), nil
	}
	decoded, err := decodeNode(&root)
	if err != nil {
		return nil, err
	}
	m, ok := decoded.(*Map)
	if !ok {
		return nil, fmt.Errorf("design document must be a mapping at the top level")
	}
	return m, nil
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case *Map:
		return tv.Clone()
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func plainValue(v any) any {
	switch tv := v.(type) {
	case *Map:
		return tv.Plain()
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}
