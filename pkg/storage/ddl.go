package storage

import (
	"fmt"
	"strings"

	"github.com/opennsot/blueprint/pkg/schema"
)

// column maps one value-map key to a table column.
type column struct {
	name  string
	field *schema.Field
	json  bool
	ref   bool
}

// tableColumns returns the data columns of a type's table, in field
// declaration order. The id, created_at and updated_at columns are implicit
// on every table and not included here.
func tableColumns(t *schema.Type) []column {
	var cols []column
	for i := range t.Fields {
		f := &t.Fields[i]
		switch f.Kind {
		case schema.KindScalar:
			cols = append(cols, column{name: f.Name, field: f})
		case schema.KindJSONMap:
			cols = append(cols, column{name: f.Name, field: f, json: true})
		case schema.KindToOne, schema.KindOneToOne:
			cols = append(cols, column{name: f.Name + "_id", field: f, ref: true})
		case schema.KindGenericToOne:
			cols = append(cols,
				column{name: f.Name + "_type", field: f},
				column{name: f.Name + "_id", field: f, ref: true})
		}
	}
	return cols
}

// columnForKey resolves a filter or update key to its column. The key may be
// a field name ("site", "vid") or a raw column key ("site_id",
// "parent_type").
func columnForKey(t *schema.Type, key string) (column, error) {
	if f, ok := t.Field(key); ok {
		switch f.Kind {
		case schema.KindScalar:
			return column{name: f.Name, field: f}, nil
		case schema.KindJSONMap:
			return column{name: f.Name, field: f, json: true}, nil
		case schema.KindToOne, schema.KindOneToOne:
			return column{name: f.Name + "_id", field: f, ref: true}, nil
		default:
			return column{}, fmt.Errorf("field %s.%s is multi-valued and has no column", t.Name, key)
		}
	}
	for _, suffix := range []string{"_type", "_id"} {
		base, found := strings.CutSuffix(key, suffix)
		if !found {
			continue
		}
		f, ok := t.Field(base)
		if !ok {
			continue
		}
		switch f.Kind {
		case schema.KindGenericToOne:
			return column{name: key, field: f, ref: suffix == "_id"}, nil
		case schema.KindToOne, schema.KindOneToOne:
			if suffix == "_id" {
				return column{name: key, field: f, ref: true}, nil
			}
		}
	}
	return column{}, fmt.Errorf("type %s has no column for %q", t.Name, key)
}

// joinTable names the junction table for a many-to-many or labels field.
func joinTable(t *schema.Type, f *schema.Field) string {
	return t.Name + "__" + f.Name
}

func quote(name string) string {
	return `"` + name + `"`
}

// entityDDL generates CREATE TABLE statements for every registered type and
// for the join tables of its implicit many-to-many fields. Columns carry no
// declared type so SQLite keeps each stored value's own storage class; the
// id and pointer columns are TEXT (UUID strings).
func entityDDL(reg *schema.Registry) []string {
	var stmts []string
	for _, t := range reg.Types() {
		var cols []string
		cols = append(cols, `"id" TEXT PRIMARY KEY`)
		for _, c := range tableColumns(t) {
			decl := quote(c.name)
			if c.ref {
				decl += " TEXT"
			}
			cols = append(cols, decl)
		}
		cols = append(cols,
			`"created_at" TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP`,
			`"updated_at" TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP`)
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
			quote(t.Name), strings.Join(cols, ",\n    ")))

		for i := range t.Fields {
			f := &t.Fields[i]
			if !needsJoinTable(f) {
				continue
			}
			jt := joinTable(t, f)
			stmts = append(stmts, fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %s (\n    \"source_id\" TEXT NOT NULL,\n    \"target_id\" TEXT NOT NULL,\n    UNIQUE (\"source_id\", \"target_id\")\n)",
				quote(jt)))
		}
	}
	return stmts
}

// needsJoinTable reports whether the field is materialized as a junction
// table of its own. Many-to-many fields routed through an explicit junction
// type store their rows in that type's table instead.
func needsJoinTable(f *schema.Field) bool {
	switch f.Kind {
	case schema.KindLabels:
		return true
	case schema.KindManyToMany:
		return f.Through == ""
	}
	return false
}
