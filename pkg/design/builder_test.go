package design

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/opennsot/blueprint/pkg/schema"
	"github.com/opennsot/blueprint/pkg/storage"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.New([]*schema.Type{
		{Name: "tag", Fields: []schema.Field{
			{Name: "name", Required: true, Unique: true},
		}},
		{Name: "site", Fields: []schema.Field{
			{Name: "name", Required: true, Unique: true},
			{Name: "region"},
		}},
		{Name: "device", Fields: []schema.Field{
			{Name: "name", Required: true},
			{Name: "site", Kind: schema.KindToOne, Related: "site", Required: true},
			{Name: "role", Choices: []string{"core", "edge"}},
			{Name: "tags", Kind: schema.KindLabels, Related: "tag"},
			{Name: "interfaces", Kind: schema.KindOneToMany, Related: "interface", RemoteField: "device"},
			{Name: "local_context", Kind: schema.KindJSONMap},
		}},
		{Name: "interface", Fields: []schema.Field{
			{Name: "name", Required: true},
			{Name: "device", Kind: schema.KindToOne, Related: "device"},
			{Name: "addresses", Kind: schema.KindGenericMany, Related: "ip_address", RemoteField: "parent"},
		}},
		{Name: "ip_address", Fields: []schema.Field{
			{Name: "address", Required: true, Validate: "cidr"},
			{Name: "parent", Kind: schema.KindGenericToOne},
		}},
	}, []*schema.Relationship{
		{Key: "device_backup_site", Source: "device", Destination: "site"},
	})
	if err != nil {
		t.Fatalf("failed to build test registry: %v", err)
	}
	return reg
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(storage.Config{Path: ":memory:"}, testRegistry(t))
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

// runDesign parses and implements a document, returning the builder for
// journal assertions alongside the run error.
func runDesign(t *testing.T, s *storage.Store, doc string, commit bool, opts ...Option) (*Builder, error) {
	t.Helper()
	parsed, err := ParseDocument([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDocument() returned error: %v", err)
	}
	b, err := NewBuilder(s.Registry(), s, opts...)
	if err != nil {
		t.Fatalf("NewBuilder() returned error: %v", err)
	}
	return b, b.ImplementDesign(context.Background(), parsed, commit)
}

func fetchOne(t *testing.T, s *storage.Store, typeName string, filter map[string]any) *storage.Object {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}
	defer tx.Rollback()
	typ, err := s.Registry().Type(typeName)
	if err != nil {
		t.Fatalf("Type(%s) returned error: %v", typeName, err)
	}
	obj, err := tx.Get(context.Background(), typ, filter)
	if err != nil {
		t.Fatalf("Get(%s, %v) returned error: %v", typeName, filter, err)
	}
	return obj
}

func countRows(t *testing.T, s *storage.Store, typeName string) int {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}
	defer tx.Rollback()
	typ, err := s.Registry().Type(typeName)
	if err != nil {
		t.Fatalf("Type(%s) returned error: %v", typeName, err)
	}
	n, err := tx.Count(context.Background(), typ)
	if err != nil {
		t.Fatalf("Count(%s) returned error: %v", typeName, err)
	}
	return n
}

func TestImplementCreatesObjectsInOrder(t *testing.T) {
	s := testStore(t)

	b, err := runDesign(t, s, `
sites:
  - name: ams01
    region: emea
devices:
  - name: core-01
    site__name: ams01
    role: core
    local_context:
      ntp_servers:
        - 10.0.0.1
`, true)
	if err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	site := fetchOne(t, s, "site", map[string]any{"name": "ams01"})
	dev := fetchOne(t, s, "device", map[string]any{"name": "core-01"})
	if id, _ := dev.Value("site_id").(uuid.UUID); id != site.ID {
		t.Errorf("device site_id = %v, want %s", dev.Value("site_id"), site.ID)
	}
	lc, _ := dev.Value("local_context").(map[string]any)
	if servers, _ := lc["ntp_servers"].([]any); len(servers) != 1 || servers[0] != "10.0.0.1" {
		t.Errorf("local_context = %v", lc)
	}

	created, updated := b.Journal().Counts()
	if created != 2 || updated != 0 {
		t.Errorf("journal counts = %d created, %d updated; want 2, 0", created, updated)
	}
}

func TestCreateOrUpdateIsIdempotent(t *testing.T) {
	s := testStore(t)
	doc := `
sites:
  - "!create_or_update:name": ams01
    region: emea
devices:
  - "!create_or_update:name": core-01
    site__name: ams01
    role: core
`

	if _, err := runDesign(t, s, doc, true); err != nil {
		t.Fatalf("first run returned error: %v", err)
	}
	b, err := runDesign(t, s, doc, true)
	if err != nil {
		t.Fatalf("second run returned error: %v", err)
	}

	if n := countRows(t, s, "device"); n != 1 {
		t.Errorf("device rows = %d, want 1", n)
	}
	if n := countRows(t, s, "site"); n != 1 {
		t.Errorf("site rows = %d, want 1", n)
	}
	created, updated := b.Journal().Counts()
	if created != 0 || updated != 0 {
		t.Errorf("second run journal counts = %d created, %d updated; want 0, 0", created, updated)
	}
}

func TestUpdateModifiesExistingObject(t *testing.T) {
	s := testStore(t)
	if _, err := runDesign(t, s, `
sites:
  - name: ams01
    region: emea
`, true); err != nil {
		t.Fatalf("seed run returned error: %v", err)
	}

	b, err := runDesign(t, s, `
sites:
  - "!update:name": ams01
    region: apac
`, true)
	if err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	site := fetchOne(t, s, "site", map[string]any{"name": "ams01"})
	if site.Value("region") != "apac" {
		t.Errorf("region = %v, want apac", site.Value("region"))
	}
	created, updated := b.Journal().Counts()
	if created != 0 || updated != 1 {
		t.Errorf("journal counts = %d created, %d updated; want 0, 1", created, updated)
	}
}

func TestGetRefusesAttributes(t *testing.T) {
	s := testStore(t)
	if _, err := runDesign(t, s, `
sites:
  - name: ams01
`, true); err != nil {
		t.Fatalf("seed run returned error: %v", err)
	}

	_, err := runDesign(t, s, `
sites:
  - "!get:name": ams01
    region: emea
`, true)
	var impl *ImplementationError
	if !errors.As(err, &impl) {
		t.Fatalf("error = %v, want ImplementationError", err)
	}
}

func TestMissingLookupFailsClosed(t *testing.T) {
	s := testStore(t)

	_, err := runDesign(t, s, `
devices:
  - "!update:name": ghost
    role: core
`, true)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
	if notFound.TypeName != "device" {
		t.Errorf("TypeName = %q, want device", notFound.TypeName)
	}
}

func TestAmbiguousLookupFailsClosed(t *testing.T) {
	s := testStore(t)
	if _, err := runDesign(t, s, `
sites:
  - name: ams01
  - name: fra01
devices:
  - name: dup
    site__name: ams01
  - name: dup
    site__name: fra01
`, true); err != nil {
		t.Fatalf("seed run returned error: %v", err)
	}

	_, err := runDesign(t, s, `
devices:
  - "!update:name": dup
    role: core
`, true)
	var multiple *MultipleMatchesError
	if !errors.As(err, &multiple) {
		t.Fatalf("error = %v, want MultipleMatchesError", err)
	}
}

func TestUnknownCollectionRollsBackEverything(t *testing.T) {
	s := testStore(t)

	_, err := runDesign(t, s, `
sites:
  - name: ams01
widgets:
  - name: nope
`, true)
	var impl *ImplementationError
	if !errors.As(err, &impl) {
		t.Fatalf("error = %v, want ImplementationError", err)
	}
	if n := countRows(t, s, "site"); n != 0 {
		t.Errorf("site rows = %d after failed run, want 0", n)
	}
}

func TestValidationFailureRollsBackEverything(t *testing.T) {
	s := testStore(t)

	_, err := runDesign(t, s, `
sites:
  - name: ams01
devices:
  - name: core-01
    site__name: ams01
    role: spine
`, true)
	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if len(invalid.Fields["role"]) == 0 {
		t.Errorf("expected a role field error, got %v", invalid.Fields)
	}
	if n := countRows(t, s, "site"); n != 0 {
		t.Errorf("site rows = %d after failed run, want 0", n)
	}
}

func TestDryRunLeavesNoRows(t *testing.T) {
	s := testStore(t)

	b, err := runDesign(t, s, `
sites:
  - name: ams01
devices:
  - name: core-01
    site__name: ams01
`, false)
	if err != nil {
		t.Fatalf("dry run returned error: %v", err)
	}

	// The journal still reports what would have happened.
	created, _ := b.Journal().Counts()
	if created != 2 {
		t.Errorf("journal created = %d, want 2", created)
	}
	if n := countRows(t, s, "site"); n != 0 {
		t.Errorf("site rows = %d after dry run, want 0", n)
	}
	if n := countRows(t, s, "device"); n != 0 {
		t.Errorf("device rows = %d after dry run, want 0", n)
	}
}

func TestRefResolvesAcrossCollections(t *testing.T) {
	s := testStore(t)

	if _, err := runDesign(t, s, `
sites:
  - name: ams01
    "!ref": campus
devices:
  - name: core-01
    site: "!ref:campus"
  - name: "!ref:campus.name"
    site: "!ref:campus"
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	site := fetchOne(t, s, "site", map[string]any{"name": "ams01"})
	dev := fetchOne(t, s, "device", map[string]any{"name": "core-01"})
	if id, _ := dev.Value("site_id").(uuid.UUID); id != site.ID {
		t.Errorf("device site_id = %v, want %s", dev.Value("site_id"), site.ID)
	}
	// The second device's name came from traversing the reference.
	named := fetchOne(t, s, "device", map[string]any{"name": "ams01"})
	if id, _ := named.Value("site_id").(uuid.UUID); id != site.ID {
		t.Errorf("traversed device site_id = %v, want %s", named.Value("site_id"), site.ID)
	}
}

func TestUnknownRefFails(t *testing.T) {
	s := testStore(t)

	_, err := runDesign(t, s, `
sites:
  - name: ams01
    region: "!ref:nobody.name"
`, true)
	var impl *ImplementationError
	if !errors.As(err, &impl) {
		t.Fatalf("error = %v, want ImplementationError", err)
	}
}

func TestNestedChildrenScopeToOwner(t *testing.T) {
	s := testStore(t)

	if _, err := runDesign(t, s, `
sites:
  - name: ams01
devices:
  - name: core-01
    site__name: ams01
    interfaces:
      - name: eth0
        addresses:
          - address: 10.0.0.1/32
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	dev := fetchOne(t, s, "device", map[string]any{"name": "core-01"})
	iface := fetchOne(t, s, "interface", map[string]any{"name": "eth0"})
	if id, _ := iface.Value("device_id").(uuid.UUID); id != dev.ID {
		t.Errorf("interface device_id = %v, want %s", iface.Value("device_id"), dev.ID)
	}

	ip := fetchOne(t, s, "ip_address", map[string]any{"address": "10.0.0.1/32"})
	if ip.Value("parent_type") != "interface" {
		t.Errorf("parent_type = %v, want interface", ip.Value("parent_type"))
	}
	if id, _ := ip.Value("parent_id").(uuid.UUID); id != iface.ID {
		t.Errorf("parent_id = %v, want %s", ip.Value("parent_id"), iface.ID)
	}
}

func TestNestedChildrenFindExistingRowsScoped(t *testing.T) {
	s := testStore(t)
	doc := `
sites:
  - "!create_or_update:name": ams01
devices:
  - "!create_or_update:name": core-01
    site__name: ams01
    interfaces:
      - "!create_or_update:name": eth0
`

	if _, err := runDesign(t, s, doc, true); err != nil {
		t.Fatalf("first run returned error: %v", err)
	}
	if _, err := runDesign(t, s, doc, true); err != nil {
		t.Fatalf("second run returned error: %v", err)
	}
	if n := countRows(t, s, "interface"); n != 1 {
		t.Errorf("interface rows = %d, want 1", n)
	}
}

func TestLabelShorthandLinksTags(t *testing.T) {
	s := testStore(t)
	doc := `
sites:
  - "!create_or_update:name": ams01
devices:
  - "!create_or_update:name": core-01
    site__name: ams01
    tags:
      - prod
      - edge
`

	if _, err := runDesign(t, s, doc, true); err != nil {
		t.Fatalf("first run returned error: %v", err)
	}
	if _, err := runDesign(t, s, doc, true); err != nil {
		t.Fatalf("second run returned error: %v", err)
	}

	if n := countRows(t, s, "tag"); n != 2 {
		t.Errorf("tag rows = %d, want 2", n)
	}

	dev := fetchOne(t, s, "device", map[string]any{"name": "core-01"})
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}
	defer tx.Rollback()
	ids, err := tx.RelatedIDs(context.Background(), dev, "tags")
	if err != nil {
		t.Fatalf("RelatedIDs() returned error: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("tag links = %d, want 2", len(ids))
	}
}

func TestRelationshipKeyRecordsAssociation(t *testing.T) {
	s := testStore(t)

	if _, err := runDesign(t, s, `
sites:
  - name: ams01
  - name: fra01
devices:
  - name: core-01
    site__name: ams01
    device_backup_site:
      - name: fra01
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	dev := fetchOne(t, s, "device", map[string]any{"name": "core-01"})
	backup := fetchOne(t, s, "site", map[string]any{"name": "fra01"})

	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}
	defer tx.Rollback()
	var n int
	err = tx.Raw().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM relationship_associations
		 WHERE relationship = ? AND source_id = ? AND destination_id = ?`,
		"device_backup_site", dev.ID.String(), backup.ID.String()).Scan(&n)
	if err != nil {
		t.Fatalf("association query returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("association rows = %d, want 1", n)
	}
}

func TestConflictingActionTagsFail(t *testing.T) {
	s := testStore(t)

	_, err := runDesign(t, s, `
sites:
  - "!get:name": ams01
    "!update:region": emea
`, true)
	var impl *ImplementationError
	if !errors.As(err, &impl) {
		t.Fatalf("error = %v, want ImplementationError", err)
	}
}

func TestEmptyDocumentFails(t *testing.T) {
	s := testStore(t)
	b, err := NewBuilder(s.Registry(), s)
	if err != nil {
		t.Fatalf("NewBuilder() returned error: %v", err)
	}
	if err := b.ImplementDesign(context.Background(), NewMap(), true); err == nil {
		t.Error("expected error for empty document")
	}
}

func TestBuilderAppliesDocumentsInSequence(t *testing.T) {
	s := testStore(t)
	b, err := NewBuilder(s.Registry(), s)
	if err != nil {
		t.Fatalf("NewBuilder() returned error: %v", err)
	}

	for _, doc := range []string{
		"sites:\n  - name: ams01\n",
		"sites:\n  - name: fra01\n",
	} {
		parsed, err := ParseDocument([]byte(doc))
		if err != nil {
			t.Fatalf("ParseDocument() returned error: %v", err)
		}
		if err := b.ImplementDesign(context.Background(), parsed, true); err != nil {
			t.Fatalf("ImplementDesign() returned error: %v", err)
		}
	}

	// Both runs must have settled their transactions; a leaked one would
	// block this count.
	if n := countRows(t, s, "site"); n != 2 {
		t.Errorf("site rows = %d, want 2", n)
	}
}

func TestDeferredEntriesSeeFreshOwner(t *testing.T) {
	s := testStore(t)

	if _, err := runDesign(t, s, `
sites:
  - name: ams01
devices:
  - name: core-01
    site__name: ams01
    tags:
      - prod
      - edge
    interfaces:
      - name: eth0
      - name: eth1
        addresses:
          - address: 10.0.0.1/32
          - address: 10.0.0.2/32
`, true); err != nil {
		t.Fatalf("ImplementDesign() returned error: %v", err)
	}

	if n := countRows(t, s, "interface"); n != 2 {
		t.Errorf("interface rows = %d, want 2", n)
	}
	if n := countRows(t, s, "ip_address"); n != 2 {
		t.Errorf("ip_address rows = %d, want 2", n)
	}
}
