package design

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/opennsot/blueprint/pkg/schema"
	"github.com/opennsot/blueprint/pkg/storage"
)

// fieldAdapter applies one design attribute to a node's instance. Deferrable
// adapters need both sides of a relation persisted and run after the owning
// row exists; they persist their own writes. Immediate adapters only mutate
// the in-memory object, the node's save flushes them.
type fieldAdapter interface {
	deferrable() bool
	assign(ctx context.Context, n *Node, value any) error
}

// adapterFor resolves an attribute name on a type to its adapter. The name
// may be a declared field, a dynamic relationship key, or a raw pointer
// column key ("parent_type", "site_id").
func adapterFor(b *Builder, t *schema.Type, name string) (fieldAdapter, error) {
	if f, ok := t.Field(name); ok {
		switch f.Kind {
		case schema.KindScalar:
			return &scalarAdapter{f}, nil
		case schema.KindJSONMap:
			return &jsonAdapter{f}, nil
		case schema.KindToOne:
			return &toOneAdapter{f}, nil
		case schema.KindOneToOne:
			return &oneToOneAdapter{f}, nil
		case schema.KindOneToMany:
			return &oneToManyAdapter{f}, nil
		case schema.KindManyToMany, schema.KindLabels:
			return &manyToManyAdapter{f}, nil
		case schema.KindGenericToOne:
			return &genericToOneAdapter{f}, nil
		case schema.KindGenericMany:
			return &genericManyAdapter{f}, nil
		}
		return nil, fmt.Errorf("field %s.%s has unsupported kind %q", t.Name, name, f.Kind)
	}
	if rel, ok := b.registry.Relationship(name); ok {
		if _, onRel := rel.Peer(t.Name); onRel {
			return &relationshipAdapter{rel}, nil
		}
	}
	if col, ok := rawColumnKey(t, name); ok {
		return col, nil
	}
	return nil, fmt.Errorf("type %s has no attribute %q", t.Name, name)
}

// rawColumnKey recognizes direct pointer column keys, used mostly by
// generated link objects ("termination_a_type"/"termination_a_id").
func rawColumnKey(t *schema.Type, name string) (fieldAdapter, bool) {
	for _, suffix := range []string{"_type", "_id"} {
		base, found := strings.CutSuffix(name, suffix)
		if !found {
			continue
		}
		f, ok := t.Field(base)
		if !ok {
			continue
		}
		if f.Kind == schema.KindGenericToOne ||
			(suffix == "_id" && (f.Kind == schema.KindToOne || f.Kind == schema.KindOneToOne)) {
			return &columnAdapter{key: name, id: suffix == "_id"}, true
		}
	}
	return nil, false
}

type scalarAdapter struct{ f *schema.Field }

func (a *scalarAdapter) deferrable() bool { return false }

func (a *scalarAdapter) assign(_ context.Context, n *Node, value any) error {
	switch value.(type) {
	case *Map, []any, *Node, *storage.Object:
		return implementErrf(n, "attribute %q takes a scalar value", a.f.Name)
	}
	n.Instance.Set(a.f.Name, value)
	return nil
}

type jsonAdapter struct{ f *schema.Field }

func (a *jsonAdapter) deferrable() bool { return false }

func (a *jsonAdapter) assign(_ context.Context, n *Node, value any) error {
	switch v := value.(type) {
	case *Map:
		n.Instance.Set(a.f.Name, v.Plain())
	case map[string]any:
		n.Instance.Set(a.f.Name, v)
	case nil:
		n.Instance.Set(a.f.Name, nil)
	default:
		return implementErrf(n, "attribute %q takes a mapping", a.f.Name)
	}
	return nil
}

type toOneAdapter struct{ f *schema.Field }

func (a *toOneAdapter) deferrable() bool { return false }

func (a *toOneAdapter) assign(ctx context.Context, n *Node, value any) error {
	if value == nil {
		n.Instance.Set(a.f.Name+"_id", nil)
		return nil
	}
	id, err := n.resolveRelated(ctx, a.f.Related, a.f.Name, value, ActionGet, nil)
	if err != nil {
		return err
	}
	n.Instance.Set(a.f.Name+"_id", id)
	return nil
}

// oneToOneAdapter assigns a pointer whose target may be created later in the
// same document. It runs deferred and writes the column back itself.
type oneToOneAdapter struct{ f *schema.Field }

func (a *oneToOneAdapter) deferrable() bool { return true }

func (a *oneToOneAdapter) assign(ctx context.Context, n *Node, value any) error {
	key := a.f.Name + "_id"
	if value == nil {
		n.Instance.Set(key, nil)
	} else {
		id, err := n.resolveRelated(ctx, a.f.Related, a.f.Name, value, ActionGet, nil)
		if err != nil {
			return err
		}
		n.Instance.Set(key, id)
	}
	return n.builder.Tx().Update(ctx, n.Instance, key)
}

// oneToManyAdapter materializes each entry as a child node whose
// back-pointer is pre-bound to the owner, so child filters are naturally
// scoped to it.
type oneToManyAdapter struct{ f *schema.Field }

func (a *oneToManyAdapter) deferrable() bool { return true }

func (a *oneToManyAdapter) assign(ctx context.Context, n *Node, value any) error {
	related, err := n.builder.registry.Type(a.f.Related)
	if err != nil {
		return err
	}
	scope := map[string]any{a.f.RemoteField + "_id": n.Instance.ID}
	for i, item := range asList(value) {
		attrs, ok := item.(*Map)
		if !ok {
			return implementErrf(n, "attribute %q entries must be mappings", a.f.Name)
		}
		child, err := n.child(ctx, related, attrs, fmt.Sprintf("%s[%d]", a.f.Name, i), scope, ActionCreate)
		if err != nil {
			return err
		}
		if err := child.Save(ctx); err != nil {
			return err
		}
		// Children may write back to the owner (counters, cached columns);
		// each following entry must see the current row.
		if err := n.builder.Tx().Refresh(ctx, n.Instance); err != nil {
			return err
		}
	}
	return nil
}

// manyToManyAdapter links existing objects through the field's join table.
// When the field declares an explicit junction type and an entry's keys all
// belong to it, the entry becomes a junction row instead (extra columns on
// the edge).
type manyToManyAdapter struct{ f *schema.Field }

func (a *manyToManyAdapter) deferrable() bool { return true }

func (a *manyToManyAdapter) assign(ctx context.Context, n *Node, value any) error {
	for i, item := range asList(value) {
		if s, ok := item.(string); ok {
			// Shorthand for label-like lookups by name.
			m := NewMap()
			m.Set("!create_or_update:name", s)
			item = m
		}
		attrs, ok := item.(*Map)
		if !ok && !isHandle(item) {
			return implementErrf(n, "attribute %q entries must be mappings", a.f.Name)
		}

		if ok && a.f.Through != "" {
			through, err := n.builder.registry.Type(a.f.Through)
			if err != nil {
				return err
			}
			if keysBelongTo(attrs, through) {
				if err := a.assignThrough(ctx, n, through, attrs, i); err != nil {
					return err
				}
				if err := n.builder.Tx().Refresh(ctx, n.Instance); err != nil {
					return err
				}
				continue
			}
		}

		id, err := n.resolveRelated(ctx, a.f.Related, a.f.Name, item, ActionGet, nil)
		if err != nil {
			return err
		}
		if err := n.builder.Tx().AddRelated(ctx, n.Instance, a.f.Name, id); err != nil {
			return err
		}
		if err := n.builder.Tx().Refresh(ctx, n.Instance); err != nil {
			return err
		}
	}
	return nil
}

func (a *manyToManyAdapter) assignThrough(ctx context.Context, n *Node, through *schema.Type, attrs *Map, i int) error {
	back, err := junctionBackPointer(through, n.Type.Name)
	if err != nil {
		return implementErrf(n, "%v", err)
	}
	scope := map[string]any{back + "_id": n.Instance.ID}
	child, err := n.child(ctx, through, attrs, fmt.Sprintf("%s[%d]", a.f.Name, i), scope, ActionCreate)
	if err != nil {
		return err
	}
	return child.Save(ctx)
}

// keysBelongTo reports whether every attribute key of the entry names a
// field of the junction type. Action tags are checked against their filter
// field.
func keysBelongTo(attrs *Map, t *schema.Type) bool {
	for _, raw := range attrs.Keys() {
		k, err := parseKey(raw)
		if err != nil {
			return false
		}
		switch k.Kind {
		case KeyField, KeyAction:
			if !t.HasField(k.Name) {
				if _, ok := rawColumnKey(t, k.Name); !ok {
					return false
				}
			}
		case KeyLookup:
			if !t.HasField(k.Name) {
				return false
			}
		case KeyExtension:
			return false
		}
	}
	return true
}

func junctionBackPointer(through *schema.Type, owner string) (string, error) {
	for i := range through.Fields {
		f := &through.Fields[i]
		if f.Kind == schema.KindToOne && f.Related == owner {
			return f.Name, nil
		}
	}
	return "", fmt.Errorf("junction type %s has no pointer back to %s", through.Name, owner)
}

// genericToOneAdapter sets the discriminator and id columns of a polymorphic
// pointer. The concrete type comes from the value itself or from a "type"
// key in the lookup mapping.
type genericToOneAdapter struct{ f *schema.Field }

func (a *genericToOneAdapter) deferrable() bool { return false }

func (a *genericToOneAdapter) assign(ctx context.Context, n *Node, value any) error {
	var typeName string
	var id uuid.UUID

	switch v := value.(type) {
	case *Node:
		typeName, id = v.Type.Name, v.Instance.ID
	case *storage.Object:
		typeName, id = v.Type.Name, v.ID
	case *Map:
		lookup := v.Clone()
		rawType, ok := lookup.Pop("type")
		if !ok {
			return implementErrf(n, "attribute %q needs a \"type\" key naming the target type", a.f.Name)
		}
		typeName, ok = rawType.(string)
		if !ok {
			return implementErrf(n, "attribute %q: \"type\" must be a string", a.f.Name)
		}
		var err error
		id, err = n.resolveRelated(ctx, typeName, a.f.Name, lookup, ActionGet, nil)
		if err != nil {
			return err
		}
	default:
		return implementErrf(n, "attribute %q takes an object or a lookup mapping", a.f.Name)
	}

	n.Instance.Set(a.f.Name+"_type", typeName)
	n.Instance.Set(a.f.Name+"_id", id)
	return nil
}

// genericManyAdapter materializes children whose generic back-pointer is
// pre-bound to the owner.
type genericManyAdapter struct{ f *schema.Field }

func (a *genericManyAdapter) deferrable() bool { return true }

func (a *genericManyAdapter) assign(ctx context.Context, n *Node, value any) error {
	related, err := n.builder.registry.Type(a.f.Related)
	if err != nil {
		return err
	}
	scope := map[string]any{
		a.f.RemoteField + "_type": n.Type.Name,
		a.f.RemoteField + "_id":   n.Instance.ID,
	}
	for i, item := range asList(value) {
		attrs, ok := item.(*Map)
		if !ok {
			return implementErrf(n, "attribute %q entries must be mappings", a.f.Name)
		}
		child, err := n.child(ctx, related, attrs, fmt.Sprintf("%s[%d]", a.f.Name, i), scope, ActionCreate)
		if err != nil {
			return err
		}
		if err := child.Save(ctx); err != nil {
			return err
		}
		if err := n.builder.Tx().Refresh(ctx, n.Instance); err != nil {
			return err
		}
	}
	return nil
}

// relationshipAdapter records instances of a data-defined relationship as
// association rows, oriented by the relationship's declared source side.
type relationshipAdapter struct{ rel *schema.Relationship }

func (a *relationshipAdapter) deferrable() bool { return true }

func (a *relationshipAdapter) assign(ctx context.Context, n *Node, value any) error {
	peerType, ok := a.rel.Peer(n.Type.Name)
	if !ok {
		return implementErrf(n, "type %s is not part of relationship %q", n.Type.Name, a.rel.Key)
	}
	for _, item := range asList(value) {
		peerID, err := n.resolveRelated(ctx, peerType, a.rel.Key, item, ActionGet, nil)
		if err != nil {
			return err
		}
		var srcT string
		var srcID, dstID uuid.UUID
		var dstT string
		if a.rel.Source == n.Type.Name {
			srcT, srcID, dstT, dstID = n.Type.Name, n.Instance.ID, peerType, peerID
		} else {
			srcT, srcID, dstT, dstID = peerType, peerID, n.Type.Name, n.Instance.ID
		}
		if err := n.builder.Tx().UpsertAssociation(ctx, a.rel, srcT, srcID, dstT, dstID); err != nil {
			return err
		}
	}
	return nil
}

// columnAdapter writes a raw pointer column key directly.
type columnAdapter struct {
	key string
	id  bool
}

func (a *columnAdapter) deferrable() bool { return false }

func (a *columnAdapter) assign(_ context.Context, n *Node, value any) error {
	if !a.id {
		s, ok := value.(string)
		if !ok {
			return implementErrf(n, "attribute %q takes a type name", a.key)
		}
		n.Instance.Set(a.key, s)
		return nil
	}
	switch v := value.(type) {
	case uuid.UUID:
		n.Instance.Set(a.key, v)
	case *Node:
		n.Instance.Set(a.key, v.Instance.ID)
	case *storage.Object:
		n.Instance.Set(a.key, v.ID)
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return implementErrf(n, "attribute %q: %v", a.key, err)
		}
		n.Instance.Set(a.key, id)
	default:
		return implementErrf(n, "attribute %q takes an object id", a.key)
	}
	return nil
}

func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func isHandle(v any) bool {
	switch v.(type) {
	case *Node, *storage.Object, uuid.UUID:
		return true
	}
	return false
}
