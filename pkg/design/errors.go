package design

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opennsot/blueprint/pkg/storage"
)

// ImplementationError reports a malformed design or builder configuration:
// an unknown collection key, an unknown tag or attribute, conflicting action
// tags, or an extension misuse. These always indicate the document or the
// setup is wrong, never transient state.
type ImplementationError struct {
	Msg  string
	Path []string
}

func (e *ImplementationError) Error() string {
	if len(e.Path) == 0 {
		return "failed to implement design: " + e.Msg
	}
	return fmt.Sprintf("failed to implement design at %s: %s", strings.Join(e.Path, "."), e.Msg)
}

func implementErrf(n *Node, format string, args ...any) error {
	return &ImplementationError{Msg: fmt.Sprintf(format, args...), Path: nodePath(n)}
}

// NotFoundError reports a get or update filter that matched no object.
type NotFoundError struct {
	TypeName string
	Filter   map[string]any
	Path     []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("no %s matching %s", e.TypeName, renderQuery(e.Filter))
	if len(e.Path) == 0 {
		return msg
	}
	return fmt.Sprintf("%s at %s", msg, strings.Join(e.Path, "."))
}

// MultipleMatchesError reports an ambiguous filter. The engine never picks
// one of several matches.
type MultipleMatchesError struct {
	TypeName string
	Filter   map[string]any
	Path     []string
}

func (e *MultipleMatchesError) Error() string {
	msg := fmt.Sprintf("multiple %s objects match %s", e.TypeName, renderQuery(e.Filter))
	if len(e.Path) == 0 {
		return msg
	}
	return fmt.Sprintf("%s at %s", msg, strings.Join(e.Path, "."))
}

// ValidationError reports that an object failed its declared constraints
// just before being written.
type ValidationError struct {
	TypeName string
	Fields   storage.FieldErrors
	Path     []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed validation", e.TypeName)
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, " at %s", strings.Join(e.Path, "."))
	}
	b.WriteString(":")

	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		for _, msg := range e.Fields[f] {
			fmt.Fprintf(&b, "\n  %s: %s", f, msg)
		}
	}
	return b.String()
}

// nodePath renders the ancestry of a node as document path segments.
func nodePath(n *Node) []string {
	var path []string
	for ; n != nil; n = n.Parent {
		if n.key != "" {
			path = append(path, n.key)
		}
	}
	// Ancestors were collected leaf-first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func renderQuery(filter map[string]any) string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, filter[k]))
	}
	return strings.Join(parts, ", ")
}
