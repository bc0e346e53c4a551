package schema

import (
	"fmt"
	"sort"
)

// Registry is the immutable set of persistable types and dynamic
// relationships known to the engine. Build one with New (or FromYAML) at
// startup and pass it by reference to every store and builder; it is safe
// for concurrent readers and never mutates after construction.
type Registry struct {
	types    map[string]*Type
	byPlural map[string]*Type
	rels     map[string]*Relationship
	ordered  []*Type
}

// New builds a registry from type and relationship declarations. It fails
// fast on dangling references: a relation field naming an unknown type, a
// duplicate plural key, or a relationship with an unregistered endpoint.
func New(types []*Type, rels []*Relationship) (*Registry, error) {
	r := &Registry{
		types:    make(map[string]*Type, len(types)),
		byPlural: make(map[string]*Type, len(types)),
		rels:     make(map[string]*Relationship, len(rels)),
	}

	for _, t := range types {
		if t.Name == "" {
			return nil, fmt.Errorf("schema: type with empty name")
		}
		if err := t.index(); err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
		if t.Plural == "" {
			t.Plural = Pluralize(t.Name)
		}
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate type %q", t.Name)
		}
		if prev, dup := r.byPlural[t.Plural]; dup {
			return nil, fmt.Errorf("schema: types %q and %q share collection key %q", prev.Name, t.Name, t.Plural)
		}
		r.types[t.Name] = t
		r.byPlural[t.Plural] = t
		r.ordered = append(r.ordered, t)
	}

	for _, t := range r.ordered {
		for i := range t.Fields {
			if err := r.checkField(t, &t.Fields[i]); err != nil {
				return nil, err
			}
		}
		for _, peer := range t.ConnectsTo {
			if _, ok := r.types[peer]; !ok {
				return nil, fmt.Errorf("schema: type %q connects_to unknown type %q", t.Name, peer)
			}
		}
		if t.LinkType != "" {
			if _, ok := r.types[t.LinkType]; !ok {
				return nil, fmt.Errorf("schema: type %q has unknown link type %q", t.Name, t.LinkType)
			}
		}
	}

	for _, rel := range rels {
		if rel.Key == "" {
			return nil, fmt.Errorf("schema: relationship with empty key")
		}
		if _, dup := r.rels[rel.Key]; dup {
			return nil, fmt.Errorf("schema: duplicate relationship %q", rel.Key)
		}
		if _, ok := r.types[rel.Source]; !ok {
			return nil, fmt.Errorf("schema: relationship %q has unknown source type %q", rel.Key, rel.Source)
		}
		if _, ok := r.types[rel.Destination]; !ok {
			return nil, fmt.Errorf("schema: relationship %q has unknown destination type %q", rel.Key, rel.Destination)
		}
		if rel.Cardinality == "" {
			rel.Cardinality = ManyToMany
		}
		r.rels[rel.Key] = rel
	}

	return r, nil
}

func (r *Registry) checkField(t *Type, f *Field) error {
	if !f.Kind.IsRelation() && f.Kind != KindScalar && f.Kind != KindJSONMap && f.Kind != KindGenericToOne {
		return fmt.Errorf("schema: type %q field %q has unknown kind %q", t.Name, f.Name, f.Kind)
	}
	if f.Kind.IsRelation() && f.Related == "" {
		return fmt.Errorf("schema: type %q field %q needs a related type", t.Name, f.Name)
	}
	if f.Related != "" {
		if _, ok := r.types[f.Related]; !ok {
			return fmt.Errorf("schema: type %q field %q relates to unknown type %q", t.Name, f.Name, f.Related)
		}
	}
	if f.Through != "" {
		if f.Kind != KindManyToMany {
			return fmt.Errorf("schema: type %q field %q: through only applies to many_to_many", t.Name, f.Name)
		}
		if _, ok := r.types[f.Through]; !ok {
			return fmt.Errorf("schema: type %q field %q has unknown through type %q", t.Name, f.Name, f.Through)
		}
	}
	switch f.Kind {
	case KindOneToMany, KindGenericMany:
		if f.RemoteField == "" {
			return fmt.Errorf("schema: type %q field %q needs a remote_field", t.Name, f.Name)
		}
		related := r.types[f.Related]
		if f.Kind == KindOneToMany && !related.HasField(f.RemoteField) {
			return fmt.Errorf("schema: type %q field %q: related type %q has no field %q",
				t.Name, f.Name, f.Related, f.RemoteField)
		}
	}
	return nil
}

// Type returns the named type.
func (r *Registry) Type(name string) (*Type, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("schema: unknown type %q", name)
	}
	return t, nil
}

// HasType reports whether the named type is registered.
func (r *Registry) HasType(name string) bool {
	_, ok := r.types[name]
	return ok
}

// ByPlural resolves a top-level design collection key to its type.
func (r *Registry) ByPlural(key string) (*Type, bool) {
	t, ok := r.byPlural[key]
	return t, ok
}

// Types returns every registered type in declaration order.
func (r *Registry) Types() []*Type {
	out := make([]*Type, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Relationship returns the dynamic relationship registered under key.
func (r *Registry) Relationship(key string) (*Relationship, bool) {
	rel, ok := r.rels[key]
	return rel, ok
}

// Relationships returns every dynamic relationship that has typeName as
// source or destination, sorted by key for deterministic iteration.
func (r *Registry) Relationships(typeName string) []*Relationship {
	var out []*Relationship
	for _, rel := range r.rels {
		if rel.Source == typeName || rel.Destination == typeName {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
