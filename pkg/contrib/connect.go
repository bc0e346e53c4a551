package contrib

import (
	"context"
	"errors"
	"fmt"

	"github.com/opennsot/blueprint/pkg/design"
	"github.com/opennsot/blueprint/pkg/storage"
)

// ConnectExtension registers "!connect": materialize a point-to-point link
// between the current node and an existing remote endpoint.
//
//	"!connect":
//	  to:
//	    device__name: core-02
//	    name: eth1
//	  status: planned
//
// Candidate remote types come from the node type's connects_to list, tried
// in priority order until a query matches. The link object (the node type's
// link_type, e.g. a cable) is created after the node is saved, with generic
// termination pointers at both ends; any extra keys become link attributes.
func ConnectExtension() design.Registration {
	return design.Registration{
		Tag: "connect",
		New: func(b *design.Builder) (design.Extension, error) {
			return &connectExtension{builder: b}, nil
		},
	}
}

type connectExtension struct {
	builder *design.Builder
}

func (e *connectExtension) Tag() string { return "connect" }

func (e *connectExtension) Attribute(ctx context.Context, _ []string, value any, node *design.Node) (any, error) {
	spec, ok := value.(*design.Map)
	if !ok {
		return nil, fmt.Errorf("!connect takes a mapping with a \"to\" query")
	}
	spec = spec.Clone()

	rawTo, ok := spec.Pop("to")
	if !ok {
		return nil, fmt.Errorf("!connect needs a \"to\" query naming the remote endpoint")
	}
	toQuery, ok := rawTo.(*design.Map)
	if !ok {
		return nil, fmt.Errorf("!connect \"to\" must be a query mapping")
	}

	if node.Type.LinkType == "" {
		return nil, fmt.Errorf("type %s declares no link type, cannot !connect", node.Type.Name)
	}
	if len(node.Type.ConnectsTo) == 0 {
		return nil, fmt.Errorf("type %s declares no connects_to candidates", node.Type.Name)
	}

	remote, err := e.findRemote(ctx, node, flattenQuery(toQuery))
	if err != nil {
		return nil, err
	}

	// The link needs both termination ids, so it is built after the node's
	// own row exists.
	node.Connect(design.PostSave, func(ctx context.Context, n *design.Node) error {
		attrs := design.NewMap()
		attrs.Set("!create_or_update:termination_a_type", n.Type.Name)
		attrs.Set("!create_or_update:termination_a_id", n.Instance.ID)
		attrs.Set("!create_or_update:termination_b_type", remote.Type.Name)
		attrs.Set("!create_or_update:termination_b_id", remote.ID)
		for _, k := range spec.Keys() {
			v, _ := spec.Get(k)
			attrs.Set(k, v)
		}
		link, err := n.CreateChild(ctx, n.Type.LinkType, attrs, nil)
		if err != nil {
			return err
		}
		return link.Save(ctx)
	})
	return nil, nil
}

// findRemote tries each connects_to candidate type in priority order until
// the query matches exactly one object. Ambiguity within a candidate type is
// an error, not a reason to try the next one.
func (e *connectExtension) findRemote(ctx context.Context, node *design.Node, query map[string]any) (*storage.Object, error) {
	for _, candidate := range node.Type.ConnectsTo {
		t, err := e.builder.Registry().Type(candidate)
		if err != nil {
			return nil, err
		}
		obj, err := e.builder.Tx().Get(ctx, t, query)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return obj, nil
	}
	return nil, fmt.Errorf("!connect found no remote endpoint among %v matching the query", node.Type.ConnectsTo)
}
