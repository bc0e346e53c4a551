package design

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/opennsot/blueprint/pkg/journal"
	"github.com/opennsot/blueprint/pkg/schema"
	"github.com/opennsot/blueprint/pkg/storage"
)

// SaveEvent names a point in a node's save sequence that callbacks can hook.
type SaveEvent int

const (
	// PreSave callbacks run after immediate attributes are assigned,
	// before validation and the write.
	PreSave SaveEvent = iota

	// PostSave callbacks run after deferred attributes are resolved.
	PostSave
)

// Node is one design document entry bound to a storage object. Nodes form a
// tree: nested attribute maps become child nodes, and the parent chain is
// used for error ancestry.
type Node struct {
	builder *Builder

	Type   *schema.Type
	Action Action

	// Filter holds the action-tag lookup, keys in document order.
	Filter     map[string]any
	filterKeys []string

	attributes *Map

	Instance *storage.Object
	Created  bool
	Parent   *Node

	key   string
	saved bool

	preSave  []func(context.Context, *Node) error
	postSave []func(context.Context, *Node) error

	initial     map[string]any
	initialSets map[string][]uuid.UUID
}

type workItem struct {
	key   string
	value any
}

// newNode parses an entry's attributes and binds the node to storage
// according to its action. Attributes are processed through an explicit FIFO
// worklist: attribute extensions may inject more attributes mid-parse, which
// are appended and processed in turn.
func newNode(ctx context.Context, b *Builder, t *schema.Type, attrs *Map, parent *Node, pathSeg string, scope map[string]any, defaultAction Action) (*Node, error) {
	n := &Node{
		builder:    b,
		Type:       t,
		Action:     defaultAction,
		Filter:     make(map[string]any),
		attributes: NewMap(),
		Parent:     parent,
		key:        pathSeg,
	}

	var queue []workItem
	src := attrs.Clone()
	for _, k := range src.Keys() {
		v, _ := src.Get(k)
		queue = append(queue, workItem{k, v})
	}

	actionSeen := false
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		k, err := parseKey(item.key)
		if err != nil {
			return nil, implementErrf(n, "%v", err)
		}
		value, err := b.ResolveValues(ctx, item.value)
		if err != nil {
			return nil, err
		}

		switch k.Kind {
		case KeyAction:
			if actionSeen && k.Action != n.Action {
				return nil, implementErrf(n, "conflicting action tags: %s and %s", n.Action, k.Action)
			}
			n.Action = k.Action
			actionSeen = true
			n.setFilter(k.Name, value)

		case KeyExtension:
			ext, err := b.attributeExtension(k.Name)
			if err != nil {
				return nil, implementErrf(n, "%v", err)
			}
			result, err := ext.Attribute(ctx, k.Args, value, n)
			if err != nil {
				return nil, err
			}
			switch r := result.(type) {
			case nil:
			case SetAttribute:
				queue = append(queue, workItem{r.Name, r.Value})
			case *Map:
				for _, kk := range r.Keys() {
					vv, _ := r.Get(kk)
					queue = append(queue, workItem{kk, vv})
				}
			default:
				return nil, implementErrf(n, "extension !%s returned unsupported %T", k.Name, result)
			}

		case KeyLookup:
			// "site__name: x" is shorthand for "site: {name: x}".
			nested := NewMap()
			if existing, ok := n.attributes.Get(k.Name); ok {
				if em, ok := existing.(*Map); ok {
					nested = em
				}
			}
			nested.Set(k.Lookup, value)
			n.attributes.Set(k.Name, nested)

		case KeyField:
			if _, err := adapterFor(b, t, k.Name); err != nil {
				return nil, implementErrf(n, "%v", err)
			}
			n.attributes.Set(k.Name, value)
		}
	}

	scopeKeys := make([]string, 0, len(scope))
	for k := range scope {
		scopeKeys = append(scopeKeys, k)
	}
	sort.Strings(scopeKeys)
	for _, k := range scopeKeys {
		if _, ok := n.attributes.Get(k); !ok {
			n.attributes.Set(k, scope[k])
		}
		if n.Action != ActionCreate {
			n.setFilter(k, scope[k])
		}
	}

	if err := n.load(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) setFilter(key string, value any) {
	if _, ok := n.Filter[key]; !ok {
		n.filterKeys = append(n.filterKeys, key)
	}
	n.Filter[key] = value
}

// load binds the node to a storage object per its action.
func (n *Node) load(ctx context.Context) error {
	if n.Action == ActionCreate {
		n.Instance = storage.NewObject(n.Type)
		n.Created = true
		return n.snapshot(ctx)
	}

	// A lookup mapping with no action tag of its own queries by every key:
	// "site: {name: ams01}" means get the site named ams01.
	if n.Action == ActionGet && len(n.filterKeys) == 0 {
		for _, k := range n.attributes.Keys() {
			v, _ := n.attributes.Get(k)
			n.setFilter(k, v)
		}
		n.attributes = NewMap()
	}

	query, err := n.resolveFilter(ctx)
	if err != nil {
		return err
	}

	obj, err := n.builder.Tx().Get(ctx, n.Type, query)
	switch {
	case errors.Is(err, storage.ErrMultiple):
		return &MultipleMatchesError{TypeName: n.Type.Name, Filter: query, Path: nodePath(n)}
	case errors.Is(err, storage.ErrNotFound):
		if n.Action != ActionCreateOrUpdate {
			return &NotFoundError{TypeName: n.Type.Name, Filter: query, Path: nodePath(n)}
		}
		// Fall through to create: the filter becomes leading attributes.
		n.Instance = storage.NewObject(n.Type)
		n.Created = true
		n.foldFilter(query)
	case err != nil:
		return err
	default:
		n.Instance = obj
		n.Created = false
	}

	if n.Action == ActionGet && n.attributes.Len() > 0 {
		return implementErrf(n, "get cannot assign attributes (%s)", strings.Join(n.attributes.Keys(), ", "))
	}
	return n.snapshot(ctx)
}

// resolveFilter turns the document filter into a storage query. Mapping
// values are constructed as child nodes first so the query references
// persisted ids.
func (n *Node) resolveFilter(ctx context.Context) (map[string]any, error) {
	query := make(map[string]any, len(n.filterKeys))
	for _, key := range n.filterKeys {
		switch v := n.Filter[key].(type) {
		case *Map:
			f, ok := n.Type.Field(key)
			if !ok || !f.Kind.IsRelation() {
				return nil, implementErrf(n, "filter key %q does not name a relation, cannot take a mapping", key)
			}
			id, err := n.resolveRelated(ctx, f.Related, key, v, ActionGet, nil)
			if err != nil {
				return nil, err
			}
			query[key] = id
		case *Node:
			query[key] = v.Instance.ID
		case *storage.Object:
			query[key] = v.ID
		default:
			query[key] = v
		}
	}
	return query, nil
}

// foldFilter prepends the resolved filter entries to the attributes so a
// create_or_update falling through to create writes its lookup values too.
func (n *Node) foldFilter(query map[string]any) {
	merged := NewMap()
	for _, key := range n.filterKeys {
		value := query[key]
		if field, sub, ok := strings.Cut(key, "__"); ok && n.Type.HasField(field) {
			nested := NewMap()
			nested.Set(sub, value)
			merged.Set(field, nested)
			continue
		}
		merged.Set(key, value)
	}
	for _, key := range n.attributes.Keys() {
		v, _ := n.attributes.Get(key)
		merged.Set(key, v)
	}
	n.attributes = merged
}

func (n *Node) snapshot(ctx context.Context) error {
	if n.Created {
		n.initial = make(map[string]any)
	} else {
		n.initial = n.Instance.Snapshot()
	}
	n.initialSets = make(map[string][]uuid.UUID)
	for _, f := range joinFields(n.Type) {
		if n.Created {
			continue
		}
		ids, err := n.builder.Tx().RelatedIDs(ctx, n.Instance, f.Name)
		if err != nil {
			return err
		}
		n.initialSets[f.Name] = ids
	}
	return nil
}

// Save applies the node to storage:
//
//  1. immediate attributes are assigned in document order, deferrable ones
//     split out;
//  2. pre-save callbacks fire;
//  3. the object is validated and inserted or updated;
//  4. it is refreshed so database-assigned values are visible;
//  5. the change is journaled;
//  6. deferred attributes resolve in order, refreshing between each;
//  7. post-save callbacks fire.
func (n *Node) Save(ctx context.Context) error {
	if n.saved {
		return nil
	}
	tx := n.builder.Tx()

	var deferredItems []workItem
	for _, key := range n.attributes.Keys() {
		value, _ := n.attributes.Get(key)
		adapter, err := adapterFor(n.builder, n.Type, key)
		if err != nil {
			return implementErrf(n, "%v", err)
		}
		if adapter.deferrable() {
			deferredItems = append(deferredItems, workItem{key, value})
			continue
		}
		if err := adapter.assign(ctx, n, value); err != nil {
			return err
		}
	}

	for _, cb := range n.preSave {
		if err := cb(ctx, n); err != nil {
			return err
		}
	}

	if n.Action != ActionGet {
		if err := tx.Validate(ctx, n.Instance); err != nil {
			var fe storage.FieldErrors
			if errors.As(err, &fe) {
				return &ValidationError{TypeName: n.Type.Name, Fields: fe, Path: nodePath(n)}
			}
			return err
		}
		if n.Created {
			if err := tx.Insert(ctx, n.Instance); err != nil {
				return err
			}
		} else if err := tx.Update(ctx, n.Instance); err != nil {
			return err
		}
		if err := tx.Refresh(ctx, n.Instance); err != nil {
			return err
		}
		if err := n.log(ctx); err != nil {
			return err
		}
	}

	for _, item := range deferredItems {
		adapter, err := adapterFor(n.builder, n.Type, item.key)
		if err != nil {
			return implementErrf(n, "%v", err)
		}
		if err := adapter.assign(ctx, n, item.value); err != nil {
			return err
		}
		if err := tx.Refresh(ctx, n.Instance); err != nil {
			return err
		}
	}
	if n.Action != ActionGet && len(deferredItems) > 0 {
		if err := n.log(ctx); err != nil {
			return err
		}
	}

	for _, cb := range n.postSave {
		if err := cb(ctx, n); err != nil {
			return err
		}
	}
	n.saved = true
	return nil
}

// Connect registers a callback on the node's save sequence. Callbacks run in
// registration order.
func (n *Node) Connect(event SaveEvent, fn func(context.Context, *Node) error) {
	switch event {
	case PreSave:
		n.preSave = append(n.preSave, fn)
	case PostSave:
		n.postSave = append(n.postSave, fn)
	}
}

// Builder returns the builder running this node. Extensions use it to reach
// the transaction and the registry.
func (n *Node) Builder() *Builder {
	return n.builder
}

// CreateChild constructs a child node of the named type under this node.
// Scope entries become attributes (and filter entries for lookups) the child
// inherits.
func (n *Node) CreateChild(ctx context.Context, typeName string, attrs *Map, scope map[string]any) (*Node, error) {
	t, err := n.builder.registry.Type(typeName)
	if err != nil {
		return nil, implementErrf(n, "%v", err)
	}
	return n.child(ctx, t, attrs, typeName, scope, ActionCreate)
}

func (n *Node) child(ctx context.Context, t *schema.Type, attrs *Map, pathSeg string, scope map[string]any, defaultAction Action) (*Node, error) {
	return newNode(ctx, n.builder, t, attrs, n, pathSeg, scope, defaultAction)
}

// resolveRelated turns a design value into the id of an object of the given
// type. Mappings become child nodes (saved when they are not pure lookups).
func (n *Node) resolveRelated(ctx context.Context, typeName, fieldName string, value any, defaultAction Action, scope map[string]any) (uuid.UUID, error) {
	switch v := value.(type) {
	case uuid.UUID:
		return v, nil
	case *storage.Object:
		return v.ID, nil
	case *Node:
		if v.Instance == nil || v.Instance.ID == uuid.Nil {
			return uuid.Nil, implementErrf(n, "referenced %s has not been saved yet", v.Type.Name)
		}
		return v.Instance.ID, nil
	case *Map:
		t, err := n.builder.registry.Type(typeName)
		if err != nil {
			return uuid.Nil, implementErrf(n, "%v", err)
		}
		child, err := n.child(ctx, t, v, fieldName, scope, defaultAction)
		if err != nil {
			return uuid.Nil, err
		}
		if child.Action != ActionGet {
			if err := child.Save(ctx); err != nil {
				return uuid.Nil, err
			}
		}
		return child.Instance.ID, nil
	default:
		return uuid.Nil, implementErrf(n,
			"cannot resolve a %s from %v; use a lookup mapping or !ref", typeName, value)
	}
}

// log records the node's field-level diff with the journal.
func (n *Node) log(ctx context.Context) error {
	current := n.Instance.Snapshot()
	changes := make(map[string]journal.Change)

	keys := make(map[string]struct{}, len(current)+len(n.initial))
	for k := range current {
		keys[k] = struct{}{}
	}
	for k := range n.initial {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if k == "created_at" || k == "updated_at" {
			continue
		}
		oldV, newV := n.initial[k], current[k]
		if !reflect.DeepEqual(oldV, newV) {
			changes[k] = journal.Change{Old: plainChange(oldV), New: plainChange(newV)}
		}
	}

	for _, f := range joinFields(n.Type) {
		ids, err := n.builder.Tx().RelatedIDs(ctx, n.Instance, f.Name)
		if err != nil {
			return err
		}
		oldIDs := n.initialSets[f.Name]
		if !sameIDSet(oldIDs, ids) {
			changes[f.Name] = journal.Change{
				OldItems: idStrings(oldIDs),
				NewItems: idStrings(ids),
			}
		}
	}

	if len(changes) == 0 && !n.Created {
		return nil
	}
	return n.builder.record(ctx, n.Type.Name, n.Instance.ID, n.Created, changes)
}

// joinFields returns the multi-valued fields materialized as join tables,
// whose membership is journaled as item sets.
func joinFields(t *schema.Type) []*schema.Field {
	var out []*schema.Field
	for i := range t.Fields {
		f := &t.Fields[i]
		switch f.Kind {
		case schema.KindLabels:
			out = append(out, f)
		case schema.KindManyToMany:
			if f.Through == "" {
				out = append(out, f)
			}
		}
	}
	return out
}

// plainChange converts values to JSON-friendly forms for change records.
func plainChange(v any) any {
	if id, ok := v.(uuid.UUID); ok {
		return id.String()
	}
	return v
}

func sameIDSet(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[uuid.UUID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (n *Node) String() string {
	return fmt.Sprintf("%s node (%s)", n.Type.Name, n.Action)
}
