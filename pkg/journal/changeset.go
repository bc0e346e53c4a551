package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/opennsot/blueprint/pkg/storage"
)

// ChangeSet groups the change records of one design run.
type ChangeSet struct {
	ID           uuid.UUID
	DeploymentID uuid.UUID
	Active       bool
	CreatedAt    string
}

// ChangeRecord is the persisted field-level delta of one object within a
// change set. Records are unique per (change set, object) and ordered by a
// monotonically increasing index; reverting walks them in reverse.
type ChangeRecord struct {
	ID          uuid.UUID
	ChangeSetID uuid.UUID
	Index       int
	ObjectType  string
	ObjectID    uuid.UUID
	FullControl bool
	Changes     map[string]Change
	Active      bool
}

// Log merges one object diff into the change set. The first write of a field
// wins for the old value, so repeated logs within a run keep the pre-run
// state; the new value always tracks the latest write.
func (cs *ChangeSet) Log(ctx context.Context, tx *storage.Tx, objType string, id uuid.UUID, created bool, changes map[string]Change) error {
	existing, err := cs.record(ctx, tx, objType, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if existing == nil {
		var next int
		err := tx.Raw().QueryRowContext(ctx,
			`SELECT COALESCE(MAX(idx) + 1, 0) FROM change_records WHERE change_set_id = ?`,
			cs.ID.String()).Scan(&next)
		if err != nil {
			return fmt.Errorf("failed to compute change record index: %w", err)
		}
		data, err := json.Marshal(changes)
		if err != nil {
			return fmt.Errorf("failed to encode changes: %w", err)
		}
		_, err = tx.Raw().ExecContext(ctx,
			`INSERT INTO change_records
			 (id, change_set_id, idx, object_type, object_id, full_control, changes, active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			uuid.NewString(), cs.ID.String(), next, objType, id.String(), created, string(data))
		if err != nil {
			return fmt.Errorf("failed to insert change record: %w", err)
		}
		return nil
	}

	for field, c := range changes {
		prev, ok := existing.Changes[field]
		if !ok {
			existing.Changes[field] = c
			continue
		}
		if c.Items() {
			prev.NewItems = c.NewItems
		} else {
			prev.New = c.New
		}
		existing.Changes[field] = prev
	}
	data, err := json.Marshal(existing.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}
	_, err = tx.Raw().ExecContext(ctx,
		`UPDATE change_records SET changes = ? WHERE id = ?`,
		string(data), existing.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update change record: %w", err)
	}
	return nil
}

func (cs *ChangeSet) record(ctx context.Context, tx *storage.Tx, objType string, id uuid.UUID) (*ChangeRecord, error) {
	row := tx.Raw().QueryRowContext(ctx,
		`SELECT id, change_set_id, idx, object_type, object_id, full_control, changes, active
		 FROM change_records WHERE change_set_id = ? AND object_type = ? AND object_id = ?`,
		cs.ID.String(), objType, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return rec, err
}

// Records returns the change records in index order.
func (cs *ChangeSet) Records(ctx context.Context, tx *storage.Tx) ([]*ChangeRecord, error) {
	rows, err := tx.Raw().QueryContext(ctx,
		`SELECT id, change_set_id, idx, object_type, object_id, full_control, changes, active
		 FROM change_records WHERE change_set_id = ? ORDER BY idx`, cs.ID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list change records: %w", err)
	}
	defer rows.Close()

	var out []*ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Revert undoes the change set's records in reverse index order. With object
// ids given, only records for those objects are reverted and the set stays
// active; a full revert deactivates the set.
func (cs *ChangeSet) Revert(ctx context.Context, tx *storage.Tx, only ...uuid.UUID) error {
	records, err := cs.Records(ctx, tx)
	if err != nil {
		return err
	}
	filter := make(map[uuid.UUID]struct{}, len(only))
	for _, id := range only {
		filter[id] = struct{}{}
	}

	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if !rec.Active {
			continue
		}
		if len(filter) > 0 {
			if _, ok := filter[rec.ObjectID]; !ok {
				continue
			}
		}
		if err := rec.Revert(ctx, tx); err != nil {
			return err
		}
	}

	if len(filter) == 0 {
		if _, err := tx.Raw().ExecContext(ctx,
			`UPDATE change_sets SET active = 0 WHERE id = ?`, cs.ID.String()); err != nil {
			return fmt.Errorf("failed to deactivate change set: %w", err)
		}
		cs.Active = false
	}
	return nil
}

// Diff returns the records of a previous change set whose objects do not
// appear in this one. After a re-run those are the objects the new document
// no longer provisions, ready to be reverted.
func (cs *ChangeSet) Diff(ctx context.Context, tx *storage.Tx, previous *ChangeSet) ([]*ChangeRecord, error) {
	current, err := cs.Records(ctx, tx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(current))
	for _, rec := range current {
		present[rec.ObjectType+"/"+rec.ObjectID.String()] = struct{}{}
	}

	prev, err := previous.Records(ctx, tx)
	if err != nil {
		return nil, err
	}
	var out []*ChangeRecord
	for _, rec := range prev {
		if _, ok := present[rec.ObjectType+"/"+rec.ObjectID.String()]; !ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Revert undoes this record. Objects the run created are deleted, after
// checking no other deployment's active change set also touches them;
// updated objects get each recorded field restored without clobbering edits
// made since by others.
func (r *ChangeRecord) Revert(ctx context.Context, tx *storage.Tx) error {
	t, err := tx.Registry().Type(r.ObjectType)
	if err != nil {
		return err
	}
	obj, err := tx.GetByID(ctx, t, r.ObjectID)
	if errors.Is(err, storage.ErrNotFound) {
		// Already gone; nothing to restore.
		return r.deactivate(ctx, tx)
	}
	if err != nil {
		return err
	}

	if r.FullControl {
		shared, err := r.crossReferenced(ctx, tx)
		if err != nil {
			return err
		}
		if shared {
			return fmt.Errorf("cannot revert %s %s: another active deployment also depends on it",
				r.ObjectType, r.ObjectID)
		}
		if err := tx.Delete(ctx, obj); err != nil {
			return err
		}
		return r.deactivate(ctx, tx)
	}

	fields := make([]string, 0, len(r.Changes))
	for f := range r.Changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var updateKeys []string
	for _, field := range fields {
		c := r.Changes[field]
		switch {
		case c.Items():
			if err := revertItems(ctx, tx, obj, field, c); err != nil {
				return err
			}
		case isMapChange(c):
			current, _ := obj.Value(field).(map[string]any)
			obj.Set(field, RevertMap(asMap(c.Old), asMap(c.New), current))
			updateKeys = append(updateKeys, field)
		default:
			obj.Set(field, c.Old)
			updateKeys = append(updateKeys, field)
		}
	}
	if len(updateKeys) > 0 {
		if err := tx.Update(ctx, obj, updateKeys...); err != nil {
			return err
		}
	}
	return r.deactivate(ctx, tx)
}

// crossReferenced reports whether an active change set of another deployment
// also recorded this object.
func (r *ChangeRecord) crossReferenced(ctx context.Context, tx *storage.Tx) (bool, error) {
	var n int
	err := tx.Raw().QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM change_records cr
		 JOIN change_sets cs ON cs.id = cr.change_set_id
		 WHERE cr.object_type = ? AND cr.object_id = ?
		   AND cr.active = 1 AND cs.active = 1
		   AND cs.deployment_id != (SELECT deployment_id FROM change_sets WHERE id = ?)`,
		r.ObjectType, r.ObjectID.String(), r.ChangeSetID.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to cross-reference %s %s: %w", r.ObjectType, r.ObjectID, err)
	}
	return n > 0, nil
}

func (r *ChangeRecord) deactivate(ctx context.Context, tx *storage.Tx) error {
	if _, err := tx.Raw().ExecContext(ctx,
		`UPDATE change_records SET active = 0 WHERE id = ?`, r.ID.String()); err != nil {
		return fmt.Errorf("failed to deactivate change record: %w", err)
	}
	r.Active = false
	return nil
}

// revertItems removes the membership this run added, keeping items that were
// already there and items added by others since.
func revertItems(ctx context.Context, tx *storage.Tx, obj *storage.Object, field string, c Change) error {
	current, err := tx.RelatedIDs(ctx, obj, field)
	if err != nil {
		return err
	}
	old := make(map[string]struct{}, len(c.OldItems))
	for _, s := range c.OldItems {
		old[s] = struct{}{}
	}
	added := make(map[string]struct{}, len(c.NewItems))
	for _, s := range c.NewItems {
		if _, was := old[s]; !was {
			added[s] = struct{}{}
		}
	}

	keep := current[:0]
	for _, id := range current {
		if _, drop := added[id.String()]; !drop {
			keep = append(keep, id)
		}
	}
	return tx.SetRelated(ctx, obj, field, keep)
}

func isMapChange(c Change) bool {
	if _, ok := c.Old.(map[string]any); ok {
		return true
	}
	_, ok := c.New.(map[string]any)
	return ok
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeSet(row rowScanner) (*ChangeSet, error) {
	cs := &ChangeSet{}
	var id, depID string
	if err := row.Scan(&id, &depID, &cs.Active, &cs.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if cs.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("malformed change set id: %w", err)
	}
	if cs.DeploymentID, err = uuid.Parse(depID); err != nil {
		return nil, fmt.Errorf("malformed deployment id: %w", err)
	}
	return cs, nil
}

func scanRecord(row rowScanner) (*ChangeRecord, error) {
	rec := &ChangeRecord{}
	var id, csID, objID, changes string
	if err := row.Scan(&id, &csID, &rec.Index, &rec.ObjectType, &objID, &rec.FullControl, &changes, &rec.Active); err != nil {
		return nil, err
	}
	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("malformed change record id: %w", err)
	}
	if rec.ChangeSetID, err = uuid.Parse(csID); err != nil {
		return nil, fmt.Errorf("malformed change set id: %w", err)
	}
	if rec.ObjectID, err = uuid.Parse(objID); err != nil {
		return nil, fmt.Errorf("malformed object id: %w", err)
	}
	if err := json.Unmarshal([]byte(changes), &rec.Changes); err != nil {
		return nil, fmt.Errorf("malformed change record payload: %w", err)
	}
	if rec.Changes == nil {
		rec.Changes = make(map[string]Change)
	}
	return rec, nil
}
