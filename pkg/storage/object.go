package storage

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/opennsot/blueprint/pkg/schema"
)

// Object is one row of a schema type, held as a column-keyed value map.
// Scalar and JSON fields are keyed by their field name; forward pointers by
// "<field>_id"; generic pointers by the "<field>_type"/"<field>_id" pair.
// Multi-valued relations never appear in the value map, they live in join
// tables and are read through Tx.RelatedIDs.
type Object struct {
	Type *schema.Type
	ID   uuid.UUID

	values map[string]any
}

// NewObject returns an empty object of the given type with field defaults
// applied. The ID is assigned on insert.
func NewObject(t *schema.Type) *Object {
	o := &Object{Type: t, values: make(map[string]any)}
	for i := range t.Fields {
		f := &t.Fields[i]
		if f.Default == nil || f.Kind.IsRelation() || f.Kind == schema.KindGenericToOne {
			continue
		}
		o.values[f.Name] = deepCopyValue(f.Default)
	}
	return o
}

// Get returns the value stored under the column key.
func (o *Object) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Value returns the value stored under the column key, or nil.
func (o *Object) Value(key string) any {
	return o.values[key]
}

// Set stores a value under the column key.
func (o *Object) Set(key string, v any) {
	o.values[key] = v
}

// Unset removes the column key from the value map.
func (o *Object) Unset(key string) {
	delete(o.values, key)
}

// Has reports whether the column key is set.
func (o *Object) Has(key string) bool {
	_, ok := o.values[key]
	return ok
}

// Keys returns the set column keys in sorted order.
func (o *Object) Keys() []string {
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a deep copy of the value map, suitable for diffing the
// object against a later state of itself.
func (o *Object) Snapshot() map[string]any {
	snap := make(map[string]any, len(o.values))
	for k, v := range o.values {
		snap[k] = deepCopyValue(v)
	}
	return snap
}

func (o *Object) String() string {
	if name, ok := o.values["name"].(string); ok && name != "" {
		return fmt.Sprintf("%s %q", o.Type.DisplayName(), name)
	}
	return fmt.Sprintf("%s %s", o.Type.DisplayName(), o.ID)
}

// deepCopyValue copies maps and slices so snapshots and defaults never alias
// live object state.
func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = deepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
