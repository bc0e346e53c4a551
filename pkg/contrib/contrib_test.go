package contrib

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/opennsot/blueprint/pkg/design"
	"github.com/opennsot/blueprint/pkg/schema"
	"github.com/opennsot/blueprint/pkg/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	reg, err := schema.New([]*schema.Type{
		{Name: "site", Fields: []schema.Field{
			{Name: "name", Required: true, Unique: true},
		}},
		{Name: "device", Fields: []schema.Field{
			{Name: "name", Required: true},
			{Name: "site", Kind: schema.KindToOne, Related: "site"},
			{Name: "local_context", Kind: schema.KindJSONMap},
		}},
		{
			Name: "interface",
			Fields: []schema.Field{
				{Name: "name", Required: true},
				{Name: "device", Kind: schema.KindToOne, Related: "device"},
			},
			ConnectsTo: []string{"interface"},
			LinkType:   "cable",
		},
		{Name: "cable", Fields: []schema.Field{
			{Name: "termination_a", Kind: schema.KindGenericToOne},
			{Name: "termination_b", Kind: schema.KindGenericToOne},
			{Name: "status"},
		}},
		{Name: "prefix", Plural: "prefixes", Fields: []schema.Field{
			{Name: "prefix", Required: true, Unique: true, Validate: "cidr"},
			{Name: "status"},
		}},
	}, nil)
	if err != nil {
		t.Fatalf("failed to build test registry: %v", err)
	}

	s, err := storage.New(storage.Config{Path: ":memory:"}, reg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() returned error: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seed inserts objects in their own committed transaction.
func seed(t *testing.T, s *storage.Store, typeName string, values ...map[string]any) []*storage.Object {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}
	typ, err := s.Registry().Type(typeName)
	if err != nil {
		t.Fatalf("Type(%s) returned error: %v", typeName, err)
	}

	var out []*storage.Object
	for _, vals := range values {
		obj := storage.NewObject(typ)
		for k, v := range vals {
			obj.Set(k, v)
		}
		if err := tx.Insert(ctx, obj); err != nil {
			t.Fatalf("failed to insert %s: %v", typeName, err)
		}
		out = append(out, obj)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() returned error: %v", err)
	}
	return out
}

func runDesign(t *testing.T, s *storage.Store, configRoot, doc string, commit bool) error {
	t.Helper()
	parsed, err := design.ParseDocument([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDocument() returned error: %v", err)
	}
	b, err := design.NewBuilder(s.Registry(), s, design.WithExtensions(Extensions(configRoot)...))
	if err != nil {
		t.Fatalf("NewBuilder() returned error: %v", err)
	}
	return b.ImplementDesign(context.Background(), parsed, commit)
}

func fetchOne(t *testing.T, s *storage.Store, typeName string, filter map[string]any) *storage.Object {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}
	defer tx.Rollback()
	typ, err := s.Registry().Type(typeName)
	if err != nil {
		t.Fatalf("Type(%s) returned error: %v", typeName, err)
	}
	obj, err := tx.Get(ctx, typ, filter)
	if err != nil {
		t.Fatalf("Get(%s, %v) returned error: %v", typeName, filter, err)
	}
	return obj
}

func TestLookupAssignsExistingObject(t *testing.T) {
	s := testStore(t)
	sites := seed(t, s, "site", map[string]any{"name": "ams01"})

	if err := runDesign(t, s, t.TempDir(), `
devices:
  - name: core-01
    "!lookup:site":
      name: ams01
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	dev := fetchOne(t, s, "device", map[string]any{"name": "core-01"})
	if id, _ := dev.Value("site_id").(uuid.UUID); id != sites[0].ID {
		t.Errorf("site_id = %v, want %s", dev.Value("site_id"), sites[0].ID)
	}
}

func TestLookupFieldShorthand(t *testing.T) {
	s := testStore(t)
	sites := seed(t, s, "site", map[string]any{"name": "ams01"})

	if err := runDesign(t, s, t.TempDir(), `
devices:
  - name: core-01
    "!lookup:site:name": ams01
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	dev := fetchOne(t, s, "device", map[string]any{"name": "core-01"})
	if id, _ := dev.Value("site_id").(uuid.UUID); id != sites[0].ID {
		t.Errorf("site_id = %v, want %s", dev.Value("site_id"), sites[0].ID)
	}
}

func TestLookupStringValueNeedsQueryField(t *testing.T) {
	s := testStore(t)
	seed(t, s, "site", map[string]any{"name": "ams01"})

	err := runDesign(t, s, t.TempDir(), `
devices:
  - name: core-01
    "!lookup:site": ams01
`, false)
	if err == nil || !strings.Contains(err.Error(), "query field") {
		t.Fatalf("ImplementDesign() error = %v, want query field complaint", err)
	}
}

func TestConnectCreatesLinkAfterSave(t *testing.T) {
	s := testStore(t)
	sites := seed(t, s, "site", map[string]any{"name": "ams01"})
	devs := seed(t, s, "device",
		map[string]any{"name": "core-01", "site_id": sites[0].ID},
		map[string]any{"name": "core-02", "site_id": sites[0].ID},
	)
	remote := seed(t, s, "interface", map[string]any{"name": "eth1", "device_id": devs[1].ID})

	if err := runDesign(t, s, t.TempDir(), `
interfaces:
  - name: eth0
    device__name: core-01
    "!connect":
      to:
        name: eth1
      status: planned
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	local := fetchOne(t, s, "interface", map[string]any{"name": "eth0"})
	cable := fetchOne(t, s, "cable", map[string]any{"status": "planned"})
	if cable.Value("termination_a_type") != "interface" {
		t.Errorf("termination_a_type = %v", cable.Value("termination_a_type"))
	}
	if id, _ := cable.Value("termination_a_id").(uuid.UUID); id != local.ID {
		t.Errorf("termination_a_id = %v, want %s", cable.Value("termination_a_id"), local.ID)
	}
	if id, _ := cable.Value("termination_b_id").(uuid.UUID); id != remote[0].ID {
		t.Errorf("termination_b_id = %v, want %s", cable.Value("termination_b_id"), remote[0].ID)
	}
}

func TestConnectFailsWithoutRemote(t *testing.T) {
	s := testStore(t)
	sites := seed(t, s, "site", map[string]any{"name": "ams01"})
	seed(t, s, "device", map[string]any{"name": "core-01", "site_id": sites[0].ID})

	err := runDesign(t, s, t.TempDir(), `
interfaces:
  - name: eth0
    device__name: core-01
    "!connect":
      to:
        name: ghost0
`, true)
	if err == nil || !strings.Contains(err.Error(), "no remote endpoint") {
		t.Fatalf("error = %v, want no-remote failure", err)
	}
}

func TestNextPrefixAllocatesFirstFreeSubnet(t *testing.T) {
	s := testStore(t)
	seed(t, s, "prefix",
		map[string]any{"prefix": "10.0.0.0/23", "status": "container"},
		map[string]any{"prefix": "10.0.0.0/24", "status": "active"},
	)

	if err := runDesign(t, s, t.TempDir(), `
prefixes:
  - "!next_prefix":
      prefix: 10.0.0.0/23
      length: 24
    status: active
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	got := fetchOne(t, s, "prefix", map[string]any{"prefix": "10.0.1.0/24"})
	if got.Value("status") != "active" {
		t.Errorf("status = %v, want active", got.Value("status"))
	}
}

func TestNextPrefixSkipsNestedSameBaseChildren(t *testing.T) {
	s := testStore(t)
	// Two stored children share the base address 10.0.0.0 with different
	// lengths; allocation must skip past both regardless of row order.
	seed(t, s, "prefix",
		map[string]any{"prefix": "10.0.0.0/23", "status": "container"},
		map[string]any{"prefix": "10.0.0.0/25", "status": "active"},
		map[string]any{"prefix": "10.0.0.0/24", "status": "active"},
	)

	if err := runDesign(t, s, t.TempDir(), `
prefixes:
  - "!next_prefix":
      prefix: 10.0.0.0/23
      length: 25
    status: active
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	fetchOne(t, s, "prefix", map[string]any{"prefix": "10.0.1.0/25"})
}

func TestNextPrefixTriesParentsInOrder(t *testing.T) {
	s := testStore(t)
	seed(t, s, "prefix",
		map[string]any{"prefix": "10.0.0.0/24", "status": "container"},
		map[string]any{"prefix": "10.0.1.0/24", "status": "container"},
		// The first parent is full.
		map[string]any{"prefix": "10.0.0.0/25", "status": "active"},
		map[string]any{"prefix": "10.0.0.128/25", "status": "active"},
	)

	if err := runDesign(t, s, t.TempDir(), `
prefixes:
  - "!next_prefix":
      prefix:
        - 10.0.0.0/24
        - 10.0.1.0/24
      length: 25
      status: container
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	fetchOne(t, s, "prefix", map[string]any{"prefix": "10.0.1.0/25"})
}

func TestNextPrefixFailsWhenExhausted(t *testing.T) {
	s := testStore(t)
	seed(t, s, "prefix",
		map[string]any{"prefix": "10.0.0.0/24", "status": "container"},
		map[string]any{"prefix": "10.0.0.0/25", "status": "active"},
		map[string]any{"prefix": "10.0.0.128/25", "status": "active"},
	)

	err := runDesign(t, s, t.TempDir(), `
prefixes:
  - "!next_prefix":
      prefix: 10.0.0.0/24
      length: 25
`, true)
	if err == nil || !strings.Contains(err.Error(), "no space") {
		t.Fatalf("error = %v, want exhaustion failure", err)
	}
}

func TestNextPrefixRequiresStoredParent(t *testing.T) {
	s := testStore(t)

	err := runDesign(t, s, t.TempDir(), `
prefixes:
  - "!next_prefix":
      prefix: 192.168.0.0/24
      length: 26
`, true)
	if err == nil || !strings.Contains(err.Error(), "no stored parent") {
		t.Fatalf("error = %v, want missing-parent failure", err)
	}
}

func TestChildPrefix(t *testing.T) {
	tests := []struct {
		name    string
		parent  string
		offset  string
		want    string
		wantErr bool
	}{
		{name: "v4 offset", parent: "10.0.0.0/24", offset: "0.0.0.4/30", want: "10.0.0.4/30"},
		{name: "longer parent wins", parent: "10.0.0.0/30", offset: "0.0.0.1/24", want: "10.0.0.0/30"},
		{name: "v6 offset", parent: "2001:db8::/56", offset: "0:0:0:8::/64", want: "2001:db8:0:8::/64"},
		{name: "family mismatch", parent: "10.0.0.0/24", offset: "::4/126", wantErr: true},
	}

	ext := &childPrefixExtension{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := design.NewMap()
			spec.Set("parent", tt.parent)
			spec.Set("offset", tt.offset)

			result, err := ext.Attribute(context.Background(), nil, spec, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Attribute() returned error: %v", err)
			}
			set, ok := result.(design.SetAttribute)
			if !ok || set.Name != "prefix" {
				t.Fatalf("result = %#v, want SetAttribute on prefix", result)
			}
			if set.Value != tt.want {
				t.Errorf("child = %v, want %s", set.Value, tt.want)
			}
		})
	}
}

func TestNextSubnet(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "10.0.0.0/24", want: "10.0.1.0/24", ok: true},
		{in: "10.0.255.0/24", want: "10.1.0.0/24", ok: true},
		{in: "10.0.0.64/26", want: "10.0.0.128/26", ok: true},
		{in: "255.255.255.0/24", ok: false},
		{in: "2001:db8::/64", want: "2001:db8:0:1::/64", ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := nextSubnet(netip.MustParsePrefix(tt.in))
			if ok != tt.ok {
				t.Fatalf("nextSubnet(%s) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && got != netip.MustParsePrefix(tt.want) {
				t.Errorf("nextSubnet(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestAddAddrs(t *testing.T) {
	got, ok := addAddrs(netip.MustParseAddr("10.0.0.0"), netip.MustParseAddr("0.0.1.4"))
	if !ok || got != netip.MustParseAddr("10.0.1.4") {
		t.Errorf("addAddrs = %s, %v", got, ok)
	}
	if _, ok := addAddrs(netip.MustParseAddr("255.255.255.255"), netip.MustParseAddr("0.0.0.1")); ok {
		t.Error("expected overflow")
	}
}

func TestFirstAvailable(t *testing.T) {
	parent := netip.MustParsePrefix("10.0.0.0/23")
	used := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}

	got, ok := firstAvailable(parent, used, 24)
	if !ok || got != netip.MustParsePrefix("10.0.1.0/24") {
		t.Errorf("firstAvailable = %s, %v", got, ok)
	}

	got, ok = firstAvailable(parent, used, 25)
	if !ok || got != netip.MustParsePrefix("10.0.1.0/25") {
		t.Errorf("firstAvailable = %s, %v", got, ok)
	}

	if _, ok := firstAvailable(parent, []netip.Prefix{parent}, 24); ok {
		t.Error("a fully used parent should have no space")
	}
}

func TestConfigContextWritesAndFinalizes(t *testing.T) {
	s := testStore(t)
	seed(t, s, "site", map[string]any{"name": "ams01"})
	root := t.TempDir()

	if err := runDesign(t, s, root, `
devices:
  - name: core-01
    site__name: ams01
    "!config_context":
      destination: devices/core-01.yaml
      data:
        ntp_servers:
          - 10.0.0.1
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	rendered, err := os.ReadFile(filepath.Join(root, "devices", "core-01.yaml"))
	if err != nil {
		t.Fatalf("rendered file missing: %v", err)
	}
	if !strings.Contains(string(rendered), "10.0.0.1") {
		t.Errorf("rendered content = %q", rendered)
	}
	if _, err := os.Stat(filepath.Join(root, ".committed")); err != nil {
		t.Errorf("commit marker missing: %v", err)
	}
}

func TestConfigContextRollsBackOnDryRun(t *testing.T) {
	s := testStore(t)
	seed(t, s, "site", map[string]any{"name": "ams01"})
	root := t.TempDir()

	if err := runDesign(t, s, root, `
devices:
  - name: core-01
    site__name: ams01
    "!config_context":
      destination: devices/core-01.yaml
      data:
        ntp_servers:
          - 10.0.0.1
`, false); err != nil {
		t.Fatalf("dry run returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "devices", "core-01.yaml")); !os.IsNotExist(err) {
		t.Errorf("rendered file survived the dry run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "devices")); !os.IsNotExist(err) {
		t.Errorf("created directory survived the dry run: %v", err)
	}
}

func TestConfigContextRejectsAbsolutePaths(t *testing.T) {
	s := testStore(t)
	seed(t, s, "site", map[string]any{"name": "ams01"})

	err := runDesign(t, s, t.TempDir(), `
devices:
  - name: core-01
    site__name: ams01
    "!config_context":
      destination: /etc/evil.yaml
      data:
        a: b
`, true)
	if err == nil || !strings.Contains(err.Error(), "must be relative") {
		t.Fatalf("error = %v, want relative-path failure", err)
	}
}
