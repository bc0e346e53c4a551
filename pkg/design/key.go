package design

import (
	"fmt"
	"strings"
)

// Action selects how a node binds to storage.
type Action int

const (
	// ActionCreate makes a new object unconditionally. The default when
	// an entry carries no action tag.
	ActionCreate Action = iota

	// ActionGet binds to exactly one existing object and never writes.
	ActionGet

	// ActionUpdate binds to exactly one existing object and writes the
	// remaining attributes.
	ActionUpdate

	// ActionCreateOrUpdate updates the matching object, or creates it
	// with the filter folded into the attributes when nothing matches.
	ActionCreateOrUpdate
)

func (a Action) String() string {
	switch a {
	case ActionGet:
		return "get"
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionCreateOrUpdate:
		return "create_or_update"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// KeyKind is the variant of a parsed attribute key.
type KeyKind int

const (
	// KeyField is a plain attribute name.
	KeyField KeyKind = iota

	// KeyLookup is a dotted traversal ("site__name") naming a field and a
	// lookup into its related type.
	KeyLookup

	// KeyAction is an action tag with its filter field
	// ("!create_or_update:name").
	KeyAction

	// KeyExtension is an extension tag with optional arguments
	// ("!ref:spine1", "!connect").
	KeyExtension
)

// Key is a parsed attribute key. All dispatch on key syntax happens here;
// downstream code switches on Kind, never on raw string prefixes.
type Key struct {
	Kind   KeyKind
	Name   string // field name or extension tag
	Lookup string // remainder after the first "__" for KeyLookup
	Action Action // for KeyAction
	Args   []string
}

// parseKey classifies a raw design document key.
func parseKey(raw string) (Key, error) {
	if raw == "" {
		return Key{}, fmt.Errorf("empty attribute key")
	}
	if !strings.HasPrefix(raw, "!") {
		if field, lookup, ok := strings.Cut(raw, "__"); ok && field != "" && lookup != "" {
			return Key{Kind: KeyLookup, Name: field, Lookup: lookup}, nil
		}
		return Key{Kind: KeyField, Name: raw}, nil
	}

	parts := strings.Split(raw[1:], ":")
	switch parts[0] {
	case "get", "create", "update", "create_or_update":
		if len(parts) != 2 || parts[1] == "" {
			return Key{}, fmt.Errorf("action tag %q needs exactly one field (\"!%s:field\")", raw, parts[0])
		}
		return Key{Kind: KeyAction, Name: parts[1], Action: actionFromName(parts[0])}, nil
	case "":
		return Key{}, fmt.Errorf("malformed tag %q", raw)
	default:
		return Key{Kind: KeyExtension, Name: parts[0], Args: parts[1:]}, nil
	}
}

func actionFromName(name string) Action {
	switch name {
	case "get":
		return ActionGet
	case "update":
		return ActionUpdate
	case "create_or_update":
		return ActionCreateOrUpdate
	}
	return ActionCreate
}

// parseValueTag splits a value-extension string of the form "!tag:key". The
// second return is everything after the first colon, untouched, so keys may
// themselves contain colons.
func parseValueTag(s string) (tag, key string, ok bool) {
	if !strings.HasPrefix(s, "!") {
		return "", "", false
	}
	tag, key, found := strings.Cut(s[1:], ":")
	if !found || tag == "" {
		return "", "", false
	}
	return tag, key, true
}
