package design

import (
	"testing"
)

func TestParseDocumentKeepsOrder(t *testing.T) {
	doc, err := ParseDocument([]byte(`
sites:
  - name: ams01
    region: emea
devices:
  - name: core-01
    "!ref": core
tags:
  - name: prod
`))
	if err != nil {
		t.Fatalf("ParseDocument() returned error: %v", err)
	}

	want := []string{"sites", "devices", "tags"}
	got := doc.Keys()
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	raw, _ := doc.Get("devices")
	entries, ok := raw.([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("devices = %T %v, want one-entry list", raw, raw)
	}
	entry, ok := entries[0].(*Map)
	if !ok {
		t.Fatalf("device entry = %T, want *Map", entries[0])
	}
	keys := entry.Keys()
	if len(keys) != 2 || keys[0] != "name" || keys[1] != "!ref" {
		t.Errorf("entry keys = %v, want [name !ref]", keys)
	}
}

func TestParseDocumentRejectsLists(t *testing.T) {
	if _, err := ParseDocument([]byte("- a\n- b\n")); err == nil {
		t.Error("expected error for a top-level list")
	}
}

func TestMapSetPreservesPosition(t *testing.T) {
	m := NewMap()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 3)

	keys := m.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}
	if v, _ := m.Get("a"); v != 3 {
		t.Errorf("Get(a) = %v, want 3", v)
	}

	if v, ok := m.Pop("a"); !ok || v != 3 {
		t.Errorf("Pop(a) = %v, %v", v, ok)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d after pop, want 1", m.Len())
	}
}

func TestMapCloneIsIndependent(t *testing.T) {
	inner := NewMap()
	inner.Set("x", 1)
	m := NewMap()
	m.Set("nested", inner)

	c := m.Clone()
	got, _ := c.Get("nested")
	got.(*Map).Set("x", 2)

	if v, _ := inner.Get("x"); v != 1 {
		t.Errorf("clone mutation leaked into the original: x = %v", v)
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		raw     string
		kind    KeyKind
		name    string
		lookup  string
		action  Action
		args    int
		wantErr bool
	}{
		{raw: "name", kind: KeyField, name: "name"},
		{raw: "site__name", kind: KeyLookup, name: "site", lookup: "name"},
		{raw: "device__site__name", kind: KeyLookup, name: "device", lookup: "site__name"},
		{raw: "!get:name", kind: KeyAction, name: "name", action: ActionGet},
		{raw: "!update:name", kind: KeyAction, name: "name", action: ActionUpdate},
		{raw: "!create_or_update:name", kind: KeyAction, name: "name", action: ActionCreateOrUpdate},
		{raw: "!ref:spine1", kind: KeyExtension, name: "ref", args: 1},
		{raw: "!connect", kind: KeyExtension, name: "connect"},
		{raw: "", wantErr: true},
		{raw: "!", wantErr: true},
		{raw: "!get", wantErr: true},
		{raw: "!get:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			k, err := parseKey(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseKey(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseKey(%q) returned error: %v", tt.raw, err)
			}
			if k.Kind != tt.kind || k.Name != tt.name || k.Lookup != tt.lookup {
				t.Errorf("parseKey(%q) = %+v", tt.raw, k)
			}
			if tt.kind == KeyAction && k.Action != tt.action {
				t.Errorf("parseKey(%q) action = %s, want %s", tt.raw, k.Action, tt.action)
			}
			if len(k.Args) != tt.args {
				t.Errorf("parseKey(%q) args = %v, want %d", tt.raw, k.Args, tt.args)
			}
		})
	}
}

func TestParseValueTag(t *testing.T) {
	tag, key, ok := parseValueTag("!ref:core.site.name")
	if !ok || tag != "ref" || key != "core.site.name" {
		t.Errorf("parseValueTag = %q, %q, %v", tag, key, ok)
	}
	if _, _, ok := parseValueTag("plain string"); ok {
		t.Error("plain string should not parse as a value tag")
	}
	if _, _, ok := parseValueTag("!ref"); ok {
		t.Error("tag without a key should not parse")
	}
}
