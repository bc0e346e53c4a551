package schema

import (
	"fmt"
	"strings"
)

// FieldKind classifies the shape of a field on a persistable type. The set
// of kinds is closed: the object store and the design engine's field
// adapters dispatch on the kind, and an unrecognized kind is a
// configuration error, never silently ignored.
type FieldKind string

const (
	// KindScalar is a plain single-valued attribute.
	KindScalar FieldKind = "scalar"

	// KindJSONMap is a dictionary-typed attribute stored as a JSON
	// document (config contexts, free-form parameters).
	KindJSONMap FieldKind = "json"

	// KindToOne is a forward foreign key assigned before the owning row
	// is written.
	KindToOne FieldKind = "to_one"

	// KindOneToOne is a forward pointer whose assignment is deferred
	// until both sides exist; setting it re-persists the owner.
	KindOneToOne FieldKind = "one_to_one"

	// KindOneToMany is the reverse side of a foreign key: a collection
	// of related objects each pointing back via RemoteField.
	KindOneToMany FieldKind = "one_to_many"

	// KindManyToMany is a symmetric multi-valued relation, optionally
	// materialized through an explicit junction type.
	KindManyToMany FieldKind = "many_to_many"

	// KindLabels is a tag-like multi-valued label set.
	KindLabels FieldKind = "labels"

	// KindGenericToOne is a polymorphic pointer: the concrete target
	// type is resolved at runtime via a discriminator column.
	KindGenericToOne FieldKind = "generic_to_one"

	// KindGenericMany is the reverse side of a generic pointer declared
	// on the related type (RemoteField names that pointer).
	KindGenericMany FieldKind = "generic_many"
)

// relation kinds resolve to another registered type.
func (k FieldKind) IsRelation() bool {
	switch k {
	case KindToOne, KindOneToOne, KindOneToMany, KindManyToMany, KindLabels, KindGenericMany:
		return true
	}
	return false
}

// MultiValued reports whether the field holds a set of related objects.
func (k FieldKind) MultiValued() bool {
	switch k {
	case KindOneToMany, KindManyToMany, KindLabels, KindGenericMany:
		return true
	}
	return false
}

// Field describes one named attribute of a Type.
type Field struct {
	// Name is the attribute name used in design documents and filters.
	Name string `yaml:"name"`

	// Kind selects the field shape. Defaults to KindScalar.
	Kind FieldKind `yaml:"kind"`

	// Related names the target type for relation kinds. Label sets
	// default to the registry's label type.
	Related string `yaml:"related"`

	// Through names an explicit junction type for many-to-many fields.
	// When set, design attribute maps whose keys all belong to the
	// junction type are routed to the junction table directly.
	Through string `yaml:"through"`

	// RemoteField is the field on the related type that points back at
	// the owner. Required for one_to_many and generic_many kinds.
	RemoteField string `yaml:"remote_field"`

	// Required fields must be non-empty before a row can be written.
	Required bool `yaml:"required"`

	// Unique fields are checked against existing rows during validation.
	Unique bool `yaml:"unique"`

	// Default is applied to new objects before validation.
	Default any `yaml:"default"`

	// Validate is a go-playground/validator tag evaluated against the
	// field value on save (e.g. "cidr", "max=64").
	Validate string `yaml:"validate"`

	// Choices restricts scalar values to a fixed set.
	Choices []string `yaml:"choices"`
}

// Type describes one persistable object type.
type Type struct {
	// Name is the singular, snake-case type name (e.g. "device").
	Name string `yaml:"name"`

	// Plural is the collection key used at the top level of a design
	// document. Derived from Name when empty.
	Plural string `yaml:"plural"`

	// Fields in declaration order.
	Fields []Field `yaml:"fields"`

	// ConnectsTo lists candidate remote endpoint types, in priority
	// order, for point-to-point connections originating at this type.
	ConnectsTo []string `yaml:"connects_to"`

	// LinkType names the type used to materialize a point-to-point
	// connection from this type (e.g. "cable" for interfaces).
	LinkType string `yaml:"link_type"`

	fieldIndex map[string]int
}

// Field returns the named field, if declared.
func (t *Type) Field(name string) (*Field, bool) {
	i, ok := t.fieldIndex[name]
	if !ok {
		return nil, false
	}
	return &t.Fields[i], true
}

// HasField reports whether the type declares the named field.
func (t *Type) HasField(name string) bool {
	_, ok := t.fieldIndex[name]
	return ok
}

// FieldNames returns the declared field names in order.
func (t *Type) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for i := range t.Fields {
		names = append(names, t.Fields[i].Name)
	}
	return names
}

func (t *Type) String() string {
	return t.Name
}

// DisplayName returns a human-readable name ("device type" -> "Device type").
func (t *Type) DisplayName() string {
	name := strings.ReplaceAll(t.Name, "_", " ")
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func (t *Type) index() error {
	t.fieldIndex = make(map[string]int, len(t.Fields))
	for i := range t.Fields {
		f := &t.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("type %q has a field with no name", t.Name)
		}
		if f.Kind == "" {
			f.Kind = KindScalar
		}
		if _, dup := t.fieldIndex[f.Name]; dup {
			return fmt.Errorf("type %q declares field %q twice", t.Name, f.Name)
		}
		t.fieldIndex[f.Name] = i
	}
	return nil
}

// Cardinality of a dynamic relationship.
type Cardinality string

const (
	OneToOne   Cardinality = "one_to_one"
	OneToMany  Cardinality = "one_to_many"
	ManyToMany Cardinality = "many_to_many"
)

// Relationship is a data-defined relation between two types. Unlike fields,
// relationships are not part of a type's static column layout: instances
// are stored as association rows keyed by the relationship.
type Relationship struct {
	// Key identifies the relationship and is usable as a design
	// attribute name on either side.
	Key string `yaml:"key"`

	Source      string      `yaml:"source"`
	Destination string      `yaml:"destination"`
	Cardinality Cardinality `yaml:"cardinality"`
}

// Peer returns the type on the other side of the relationship from
// typeName. The second result is false when typeName is on neither side.
func (r *Relationship) Peer(typeName string) (string, bool) {
	switch typeName {
	case r.Source:
		return r.Destination, true
	case r.Destination:
		return r.Source, true
	}
	return "", false
}

// Pluralize derives a collection key from a singular type name.
func Pluralize(name string) string {
	switch {
	case strings.HasSuffix(name, "s"), strings.HasSuffix(name, "x"),
		strings.HasSuffix(name, "ch"), strings.HasSuffix(name, "sh"):
		return name + "es"
	case strings.HasSuffix(name, "y") && len(name) > 1 && !strings.ContainsRune("aeiou", rune(name[len(name)-2])):
		return name[:len(name)-1] + "ies"
	default:
		return name + "s"
	}
}
