package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/opennsot/blueprint/pkg/schema"
)

// Tx is a transaction over the object store. Filters are column-keyed maps;
// a key of the form "field__subfield" follows a forward pointer into the
// related type's table with a subquery, nesting as deep as the pointers go.
type Tx struct {
	tx       *sql.Tx
	registry *schema.Registry
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

// Rollback aborts the transaction.
func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

// Raw exposes the underlying transaction for bookkeeping queries that run
// alongside object operations.
func (tx *Tx) Raw() *sql.Tx {
	return tx.tx
}

// Registry returns the schema registry backing the transaction.
func (tx *Tx) Registry() *schema.Registry {
	return tx.registry
}

// Get returns the single object matching the filter. It returns ErrNotFound
// when nothing matches and ErrMultiple when the filter is ambiguous.
func (tx *Tx) Get(ctx context.Context, t *schema.Type, filter map[string]any) (*Object, error) {
	objs, err := tx.selectObjects(ctx, t, filter, 2)
	if err != nil {
		return nil, err
	}
	switch len(objs) {
	case 0:
		return nil, fmt.Errorf("%w: %s with %s", ErrNotFound, t.Name, renderFilter(filter))
	case 1:
		return objs[0], nil
	default:
		return nil, fmt.Errorf("%w: %s with %s", ErrMultiple, t.Name, renderFilter(filter))
	}
}

// Select returns every object matching the filter in insertion order. A nil
// or empty filter matches all rows.
func (tx *Tx) Select(ctx context.Context, t *schema.Type, filter map[string]any) ([]*Object, error) {
	return tx.selectObjects(ctx, t, filter, 0)
}

// GetByID loads one object by primary key.
func (tx *Tx) GetByID(ctx context.Context, t *schema.Type, id uuid.UUID) (*Object, error) {
	return tx.Get(ctx, t, map[string]any{"id": id})
}

// Count returns the number of rows of the given type.
func (tx *Tx) Count(ctx context.Context, t *schema.Type) (int, error) {
	var n int
	err := tx.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(t.Name)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s rows: %w", t.Name, err)
	}
	return n, nil
}

// Insert writes a new row for the object, assigning an ID when it has none.
func (tx *Tx) Insert(ctx context.Context, o *Object) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	cols := []string{quote("id")}
	args := []any{o.ID.String()}
	for _, c := range tableColumns(o.Type) {
		v, ok := o.Get(c.name)
		if !ok {
			continue
		}
		sv, err := toSQL(c, v)
		if err != nil {
			return fmt.Errorf("field %s.%s: %w", o.Type.Name, c.name, err)
		}
		cols = append(cols, quote(c.name))
		args = append(args, sv)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(o.Type.Name), strings.Join(cols, ", "), placeholders)
	if _, err := tx.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %s: %w", o.Type.Name, err)
	}
	return nil
}

// Update writes the named columns back to the object's row. With no names it
// writes every set column. Names may be field names or raw column keys.
func (tx *Tx) Update(ctx context.Context, o *Object, keys ...string) error {
	var cols []column
	if len(keys) == 0 {
		for _, c := range tableColumns(o.Type) {
			if o.Has(c.name) {
				cols = append(cols, c)
			}
		}
	} else {
		for _, key := range keys {
			c, err := tx.resolveKey(o.Type, key)
			if err != nil {
				return err
			}
			cols = append(cols, c)
		}
	}

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		sv, err := toSQL(c, o.Value(c.name))
		if err != nil {
			return fmt.Errorf("field %s.%s: %w", o.Type.Name, c.name, err)
		}
		sets = append(sets, quote(c.name)+" = ?")
		args = append(args, sv)
	}
	sets = append(sets, `"updated_at" = CURRENT_TIMESTAMP`)
	args = append(args, o.ID.String())

	query := fmt.Sprintf("UPDATE %s SET %s WHERE \"id\" = ?",
		quote(o.Type.Name), strings.Join(sets, ", "))
	if _, err := tx.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s %s: %w", o.Type.Name, o.ID, err)
	}
	return nil
}

// Refresh reloads every column of the object from its row, picking up
// database-assigned values.
func (tx *Tx) Refresh(ctx context.Context, o *Object) error {
	fresh, err := tx.GetByID(ctx, o.Type, o.ID)
	if err != nil {
		return err
	}
	o.values = fresh.values
	return nil
}

// Delete removes the object's row along with its join-table rows and any
// relationship associations that reference it.
func (tx *Tx) Delete(ctx context.Context, o *Object) error {
	id := o.ID.String()

	for _, t := range tx.registry.Types() {
		for i := range t.Fields {
			f := &t.Fields[i]
			if !needsJoinTable(f) {
				continue
			}
			jt := quote(joinTable(t, f))
			if t.Name == o.Type.Name {
				if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+jt+" WHERE \"source_id\" = ?", id); err != nil {
					return fmt.Errorf("failed to clear %s rows: %w", joinTable(t, f), err)
				}
			}
			if f.Related == o.Type.Name {
				if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+jt+" WHERE \"target_id\" = ?", id); err != nil {
					return fmt.Errorf("failed to clear %s rows: %w", joinTable(t, f), err)
				}
			}
		}
	}

	_, err := tx.tx.ExecContext(ctx,
		`DELETE FROM relationship_associations
		 WHERE ("source_type" = ?1 AND "source_id" = ?2)
		    OR ("destination_type" = ?1 AND "destination_id" = ?2)`,
		o.Type.Name, id)
	if err != nil {
		return fmt.Errorf("failed to clear associations: %w", err)
	}

	if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+quote(o.Type.Name)+" WHERE \"id\" = ?", id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", o.Type.Name, o.ID, err)
	}
	return nil
}

// AddRelated links a related object into a join-table field. Fields routed
// through an explicit junction type are written as rows of that type, not
// here.
func (tx *Tx) AddRelated(ctx context.Context, o *Object, fieldName string, relatedID uuid.UUID) error {
	f, ok := o.Type.Field(fieldName)
	if !ok {
		return fmt.Errorf("type %s has no field %q", o.Type.Name, fieldName)
	}
	if !needsJoinTable(f) {
		return fmt.Errorf("field %s.%s does not use a join table", o.Type.Name, fieldName)
	}
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (\"source_id\", \"target_id\") VALUES (?, ?)",
		quote(joinTable(o.Type, f)))
	if _, err := tx.tx.ExecContext(ctx, query, o.ID.String(), relatedID.String()); err != nil {
		return fmt.Errorf("failed to link %s.%s: %w", o.Type.Name, fieldName, err)
	}
	return nil
}

// RelatedIDs returns the IDs currently linked under a multi-valued field, in
// insertion order. For through-typed many-to-many fields it returns the IDs
// of the junction rows pointing back at the object.
func (tx *Tx) RelatedIDs(ctx context.Context, o *Object, fieldName string) ([]uuid.UUID, error) {
	f, ok := o.Type.Field(fieldName)
	if !ok {
		return nil, fmt.Errorf("type %s has no field %q", o.Type.Name, fieldName)
	}

	var query string
	args := []any{o.ID.String()}
	switch {
	case needsJoinTable(f):
		query = fmt.Sprintf("SELECT \"target_id\" FROM %s WHERE \"source_id\" = ? ORDER BY rowid",
			quote(joinTable(o.Type, f)))
	case f.Kind == schema.KindManyToMany && f.Through != "":
		through, err := tx.registry.Type(f.Through)
		if err != nil {
			return nil, err
		}
		back, err := backPointer(through, o.Type.Name)
		if err != nil {
			return nil, err
		}
		query = fmt.Sprintf("SELECT \"id\" FROM %s WHERE %s = ? ORDER BY rowid",
			quote(through.Name), quote(back+"_id"))
	case f.Kind == schema.KindOneToMany:
		query = fmt.Sprintf("SELECT \"id\" FROM %s WHERE %s = ? ORDER BY rowid",
			quote(f.Related), quote(f.RemoteField+"_id"))
	case f.Kind == schema.KindGenericMany:
		query = fmt.Sprintf("SELECT \"id\" FROM %s WHERE %s = ? AND %s = ? ORDER BY rowid",
			quote(f.Related), quote(f.RemoteField+"_type"), quote(f.RemoteField+"_id"))
		args = []any{o.Type.Name, o.ID.String()}
	default:
		return nil, fmt.Errorf("field %s.%s is not multi-valued", o.Type.Name, fieldName)
	}

	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s.%s: %w", o.Type.Name, fieldName, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed id in %s.%s: %w", o.Type.Name, fieldName, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetRelated rewrites a join-table field to exactly the given set of IDs.
// Used when reverting recorded membership changes.
func (tx *Tx) SetRelated(ctx context.Context, o *Object, fieldName string, keep []uuid.UUID) error {
	f, ok := o.Type.Field(fieldName)
	if !ok {
		return fmt.Errorf("type %s has no field %q", o.Type.Name, fieldName)
	}
	if !needsJoinTable(f) {
		return fmt.Errorf("field %s.%s does not use a join table", o.Type.Name, fieldName)
	}
	jt := quote(joinTable(o.Type, f))

	if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+jt+" WHERE \"source_id\" = ?", o.ID.String()); err != nil {
		return fmt.Errorf("failed to clear %s.%s: %w", o.Type.Name, fieldName, err)
	}
	for _, id := range keep {
		if err := tx.AddRelated(ctx, o, fieldName, id); err != nil {
			return err
		}
	}
	return nil
}

// UpsertAssociation records one instance of a dynamic relationship between
// two objects. Re-running a design upserts the same association instead of
// duplicating it.
func (tx *Tx) UpsertAssociation(ctx context.Context, rel *schema.Relationship, srcType string, srcID uuid.UUID, dstType string, dstID uuid.UUID) error {
	_, err := tx.tx.ExecContext(ctx,
		`INSERT INTO relationship_associations
		 ("id", "relationship", "source_type", "source_id", "destination_type", "destination_id")
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT ("relationship", "source_type", "source_id", "destination_type", "destination_id") DO NOTHING`,
		uuid.NewString(), rel.Key, srcType, srcID.String(), dstType, dstID.String())
	if err != nil {
		return fmt.Errorf("failed to upsert %s association: %w", rel.Key, err)
	}
	return nil
}

func (tx *Tx) selectObjects(ctx context.Context, t *schema.Type, filter map[string]any, limit int) ([]*Object, error) {
	cols := tableColumns(t)
	names := make([]string, 0, len(cols)+3)
	names = append(names, quote("id"))
	for _, c := range cols {
		names = append(names, quote(c.name))
	}
	names = append(names, quote("created_at"), quote("updated_at"))

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), quote(t.Name))
	var args []any
	if len(filter) > 0 {
		where, whereArgs, err := tx.where(t, filter)
		if err != nil {
			return nil, err
		}
		query += " WHERE " + where
		args = whereArgs
	}
	query += " ORDER BY rowid"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []*Object
	for rows.Next() {
		dest := make([]any, len(names))
		for i := range dest {
			var v any
			dest[i] = &v
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		o := &Object{Type: t, values: make(map[string]any, len(cols)+2)}
		rawID, _ := (*dest[0].(*any)).(string)
		if o.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("malformed id in %s: %w", t.Name, err)
		}
		for i, c := range cols {
			v, err := fromSQL(c, *dest[i+1].(*any))
			if err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", t.Name, c.name, err)
			}
			if v != nil {
				o.values[c.name] = v
			}
		}
		o.values["created_at"] = normalize(*dest[len(names)-2].(*any))
		o.values["updated_at"] = normalize(*dest[len(names)-1].(*any))
		out = append(out, o)
	}
	return out, rows.Err()
}

// where builds the WHERE clause for a filter. Keys are processed in sorted
// order so generated SQL is deterministic.
func (tx *Tx) where(t *schema.Type, filter map[string]any) (string, []any, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds []string
	var args []any
	for _, key := range keys {
		cond, condArgs, err := tx.condition(t, key, filter[key])
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}
	return strings.Join(conds, " AND "), args, nil
}

func (tx *Tx) condition(t *schema.Type, key string, value any) (string, []any, error) {
	if key == "id" {
		return `"id" = ?`, []any{idArg(value)}, nil
	}

	if field, rest, nested := strings.Cut(key, "__"); nested {
		if f, ok := t.Field(field); ok && (f.Kind == schema.KindToOne || f.Kind == schema.KindOneToOne) {
			related, err := tx.registry.Type(f.Related)
			if err != nil {
				return "", nil, err
			}
			inner, args, err := tx.condition(related, rest, value)
			if err != nil {
				return "", nil, err
			}
			cond := fmt.Sprintf("%s IN (SELECT \"id\" FROM %s WHERE %s)",
				quote(field+"_id"), quote(related.Name), inner)
			return cond, args, nil
		}
		// Not a traversal; fall through so generic column keys like
		// "parent_type" resolve normally.
	}

	c, err := columnForKey(t, key)
	if err != nil {
		return "", nil, fmt.Errorf("cannot filter %s: %w", t.Name, err)
	}
	if value == nil {
		return quote(c.name) + " IS NULL", nil, nil
	}
	sv, err := toSQL(c, value)
	if err != nil {
		return "", nil, fmt.Errorf("filter %s.%s: %w", t.Name, key, err)
	}
	return quote(c.name) + " = ?", []any{sv}, nil
}

func (tx *Tx) resolveKey(t *schema.Type, key string) (column, error) {
	c, err := columnForKey(t, key)
	if err != nil {
		return column{}, fmt.Errorf("cannot update %s: %w", t.Name, err)
	}
	return c, nil
}

// backPointer finds the to-one field on a junction type that points at the
// owning type.
func backPointer(through *schema.Type, owner string) (string, error) {
	for i := range through.Fields {
		f := &through.Fields[i]
		if f.Kind == schema.KindToOne && f.Related == owner {
			return f.Name, nil
		}
	}
	return "", fmt.Errorf("junction type %s has no pointer back to %s", through.Name, owner)
}

func idArg(value any) any {
	switch v := value.(type) {
	case uuid.UUID:
		return v.String()
	case *Object:
		return v.ID.String()
	default:
		return v
	}
}

// toSQL converts a value-map entry to its driver representation.
func toSQL(c column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if c.json {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("not JSON-encodable: %w", err)
		}
		return string(data), nil
	}
	switch tv := v.(type) {
	case uuid.UUID:
		return tv.String(), nil
	case *Object:
		return tv.ID.String(), nil
	case map[string]any, []any:
		return nil, fmt.Errorf("composite value in non-JSON column")
	default:
		return v, nil
	}
}

// fromSQL converts a scanned column back into its value-map representation.
func fromSQL(c column, raw any) (any, error) {
	raw = normalize(raw)
	if raw == nil {
		return nil, nil
	}
	if c.json {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("JSON column holds %T", raw)
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("malformed JSON document: %w", err)
		}
		return m, nil
	}
	if c.ref {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("pointer column holds %T", raw)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("malformed pointer: %w", err)
		}
		return id, nil
	}
	return raw, nil
}

func normalize(raw any) any {
	if b, ok := raw.([]byte); ok {
		return string(b)
	}
	return raw
}
