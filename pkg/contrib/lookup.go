package contrib

import (
	"context"
	"fmt"

	"github.com/opennsot/blueprint/pkg/design"
	"github.com/opennsot/blueprint/pkg/storage"
)

// LookupExtension registers "!lookup": resolve an existing object by query
// and assign it to an attribute.
//
//	"!lookup:site": {"name": "ams01"}
//	"!lookup:site:name": ams01
//
// The target type defaults to the attribute's related type; a "type" key in
// the query overrides it (useful for generic pointers).
func LookupExtension() design.Registration {
	return design.Registration{
		Tag: "lookup",
		New: func(b *design.Builder) (design.Extension, error) {
			return &lookupExtension{builder: b}, nil
		},
	}
}

type lookupExtension struct {
	builder *design.Builder
}

func (e *lookupExtension) Tag() string { return "lookup" }

func (e *lookupExtension) Attribute(ctx context.Context, args []string, value any, node *design.Node) (any, error) {
	if len(args) < 1 || args[0] == "" {
		return nil, fmt.Errorf("!lookup needs an attribute name (\"!lookup:attr\")")
	}
	attr := args[0]

	var query *design.Map
	switch v := value.(type) {
	case *design.Map:
		query = v.Clone()
	case string:
		// "!lookup:attr:field": value is shorthand for a one-key query.
		if len(args) != 2 || args[1] == "" {
			return nil, fmt.Errorf("!lookup:%s with a string value needs a query field (\"!lookup:attr:field\")", attr)
		}
		query = design.NewMap()
		query.Set(args[1], v)
	default:
		return nil, fmt.Errorf("!lookup:%s takes a query mapping or a query field and string value", attr)
	}
	if len(args) > 2 {
		return nil, fmt.Errorf("!lookup:%s takes at most one query field argument", attr)
	}

	typeName := ""
	if raw, ok := query.Pop("type"); ok {
		typeName, ok = raw.(string)
		if !ok {
			return nil, fmt.Errorf("!lookup:%s: \"type\" must be a string", attr)
		}
	} else if f, ok := node.Type.Field(attr); ok && f.Related != "" {
		typeName = f.Related
	}
	if typeName == "" {
		return nil, fmt.Errorf("!lookup:%s cannot determine the target type; add a \"type\" key", attr)
	}
	t, err := e.builder.Registry().Type(typeName)
	if err != nil {
		return nil, err
	}

	obj, err := e.builder.Tx().Get(ctx, t, flattenQuery(query))
	if err != nil {
		return nil, err
	}
	return design.SetAttribute{Name: attr, Value: obj}, nil
}

// flattenQuery converts an ordered query mapping into a storage filter.
// Handles of already-resolved objects become their ids.
func flattenQuery(m *design.Map) map[string]any {
	out := make(map[string]any, m.Len())
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		switch tv := v.(type) {
		case *design.Node:
			out[k] = tv.Instance.ID
		case *storage.Object:
			out[k] = tv.ID
		default:
			out[k] = v
		}
	}
	return out
}
