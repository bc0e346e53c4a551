package design

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/opennsot/blueprint/pkg/schema"
	"github.com/opennsot/blueprint/pkg/storage"
)

// Extension is a pluggable design-document behavior bound to a tag.
// Extensions are instantiated lazily, once per builder run, the first time
// their tag appears in a document. An extension that also implements
// Committer or RollBacker is finalized exactly once after the run's
// transaction settles; side effects outside the database belong behind those
// hooks.
type Extension interface {
	Tag() string
}

// AttributeExtension handles a tag used as an attribute key
// ("!connect: {...}"). The return value is merged back into the node:
//   - nil: the extension acted by side effect only;
//   - SetAttribute: one attribute re-enqueued for normal processing;
//   - *Map: every entry re-enqueued in order.
type AttributeExtension interface {
	Extension
	Attribute(ctx context.Context, args []string, value any, node *Node) (any, error)
}

// ValueExtension handles a tag used inside a value string ("!ref:spine1").
type ValueExtension interface {
	Extension
	Value(ctx context.Context, key string) (any, error)
}

// Committer is implemented by extensions with side effects to finalize
// after a successful, committed run.
type Committer interface {
	Commit() error
}

// RollBacker is implemented by extensions that must undo side effects after
// a failed or uncommitted run.
type RollBacker interface {
	RollBack() error
}

// SetAttribute is returned by attribute extensions to inject a single
// attribute into the node being parsed.
type SetAttribute struct {
	Name  string
	Value any
}

// Registration binds a tag to an extension constructor. The constructor runs
// at most once per builder.
type Registration struct {
	Tag string
	New func(*Builder) (Extension, error)
}

// ReferenceExtension implements "!ref". As an attribute it files the current
// node under a name; as a value it re-reads the named node's row from
// storage and returns the node, or a dotted attribute of it.
type ReferenceExtension struct {
	builder *Builder
	refs    map[string]*Node
}

// RefExtension is the built-in registration for "!ref". Every builder
// carries it.
func RefExtension() Registration {
	return Registration{
		Tag: "ref",
		New: func(b *Builder) (Extension, error) {
			return &ReferenceExtension{builder: b, refs: make(map[string]*Node)}, nil
		},
	}
}

func (e *ReferenceExtension) Tag() string { return "ref" }

// Attribute stores the node under the name given as the tag argument
// ("!ref:spine1") or, when absent, as the attribute value.
func (e *ReferenceExtension) Attribute(_ context.Context, args []string, value any, node *Node) (any, error) {
	name := ""
	if len(args) > 0 {
		name = args[0]
	} else if s, ok := value.(string); ok {
		name = s
	}
	if name == "" {
		return nil, implementErrf(node, "!ref needs a name (\"!ref: <name>\")")
	}
	if _, dup := e.refs[name]; dup {
		return nil, implementErrf(node, "!ref name %q is already taken", name)
	}
	e.refs[name] = node
	return nil, nil
}

// Value resolves "!ref:name" or "!ref:name.attr[.attr...]". The referenced
// row is re-read from storage first so callers always see its persisted
// state.
func (e *ReferenceExtension) Value(ctx context.Context, key string) (any, error) {
	parts := strings.Split(key, ".")
	node, ok := e.refs[parts[0]]
	if !ok {
		return nil, &ImplementationError{Msg: fmt.Sprintf("no design object named %q has been referenced", parts[0])}
	}
	if node.Instance == nil || node.Instance.ID == uuid.Nil {
		return nil, &ImplementationError{Msg: fmt.Sprintf("design object %q has not been saved yet", parts[0])}
	}
	if err := e.builder.Tx().Refresh(ctx, node.Instance); err != nil {
		return nil, err
	}
	if len(parts) == 1 {
		return node, nil
	}
	return traverse(ctx, e.builder, node.Instance, parts[1:])
}

// traverse walks dotted attributes across forward pointers: scalar and JSON
// values terminate the walk, to-one pointers are followed into the related
// row.
func traverse(ctx context.Context, b *Builder, obj *storage.Object, attrs []string) (any, error) {
	for i, attr := range attrs {
		last := i == len(attrs)-1
		if attr == "id" {
			if !last {
				return nil, &ImplementationError{Msg: "cannot traverse beyond id"}
			}
			return obj.ID, nil
		}
		f, ok := obj.Type.Field(attr)
		if !ok {
			return nil, &ImplementationError{
				Msg: fmt.Sprintf("type %s has no attribute %q", obj.Type.Name, attr),
			}
		}
		switch f.Kind {
		case schema.KindToOne, schema.KindOneToOne:
			id, ok := obj.Value(attr + "_id").(uuid.UUID)
			if !ok {
				return nil, &ImplementationError{
					Msg: fmt.Sprintf("%s has no %s set", obj, attr),
				}
			}
			related, err := b.registry.Type(f.Related)
			if err != nil {
				return nil, err
			}
			next, err := b.Tx().GetByID(ctx, related, id)
			if err != nil {
				return nil, err
			}
			if last {
				return next, nil
			}
			obj = next
		case schema.KindScalar, schema.KindJSONMap:
			if !last {
				return nil, &ImplementationError{
					Msg: fmt.Sprintf("cannot traverse beyond scalar attribute %q", attr),
				}
			}
			return obj.Value(attr), nil
		default:
			return nil, &ImplementationError{
				Msg: fmt.Sprintf("cannot traverse multi-valued attribute %q", attr),
			}
		}
	}
	return obj, nil
}
