package journal

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/opennsot/blueprint/pkg/storage"
)

// Journal is the in-memory record of one design run: which objects it
// created and which it updated. An object appears in at most one of the two
// partitions; repeated logs of the same object are collapsed.
type Journal struct {
	created map[string][]uuid.UUID
	updated map[string][]uuid.UUID
	seen    map[string]map[uuid.UUID]bool // true when created
}

// New returns an empty journal.
func New() *Journal {
	return &Journal{
		created: make(map[string][]uuid.UUID),
		updated: make(map[string][]uuid.UUID),
		seen:    make(map[string]map[uuid.UUID]bool),
	}
}

// Log records one touched object. The changes map is accepted for symmetry
// with persisted logging; the in-memory journal only indexes identities.
func (j *Journal) Log(objType string, id uuid.UUID, created bool, _ map[string]Change) {
	byID, ok := j.seen[objType]
	if !ok {
		byID = make(map[uuid.UUID]bool)
		j.seen[objType] = byID
	}
	if _, logged := byID[id]; logged {
		return
	}
	byID[id] = created
	if created {
		j.created[objType] = append(j.created[objType], id)
	} else {
		j.updated[objType] = append(j.updated[objType], id)
	}
}

// Created returns the created object ids partitioned by type.
func (j *Journal) Created() map[string][]uuid.UUID {
	return copyIndex(j.created)
}

// Updated returns the updated object ids partitioned by type.
func (j *Journal) Updated() map[string][]uuid.UUID {
	return copyIndex(j.updated)
}

// Counts returns how many objects the run created and updated.
func (j *Journal) Counts() (created, updated int) {
	for _, ids := range j.created {
		created += len(ids)
	}
	for _, ids := range j.updated {
		updated += len(ids)
	}
	return created, updated
}

// CreatedObjects loads every created object from storage.
func (j *Journal) CreatedObjects(ctx context.Context, tx *storage.Tx) ([]*storage.Object, error) {
	var out []*storage.Object
	for _, typeName := range sortedKeys(j.created) {
		t, err := tx.Registry().Type(typeName)
		if err != nil {
			return nil, err
		}
		for _, id := range j.created[typeName] {
			obj, err := tx.GetByID(ctx, t, id)
			if err != nil {
				return nil, err
			}
			out = append(out, obj)
		}
	}
	return out, nil
}

// Summary renders a per-type count line, for CLI output.
func (j *Journal) Summary() string {
	var parts []string
	for _, typeName := range sortedKeys(j.created) {
		parts = append(parts, fmt.Sprintf("%s: %d created", typeName, len(j.created[typeName])))
	}
	for _, typeName := range sortedKeys(j.updated) {
		parts = append(parts, fmt.Sprintf("%s: %d updated", typeName, len(j.updated[typeName])))
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, ", ")
}

func copyIndex(idx map[string][]uuid.UUID) map[string][]uuid.UUID {
	out := make(map[string][]uuid.UUID, len(idx))
	for k, ids := range idx {
		out[k] = append([]uuid.UUID(nil), ids...)
	}
	return out
}

func sortedKeys(idx map[string][]uuid.UUID) []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
