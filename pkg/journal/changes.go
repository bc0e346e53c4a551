package journal

// Change is the recorded delta of one field. Scalar and pointer columns use
// Old/New; join-table membership uses OldItems/NewItems.
type Change struct {
	Old      any      `json:"old,omitempty"`
	New      any      `json:"new,omitempty"`
	OldItems []string `json:"old_items,omitempty"`
	NewItems []string `json:"new_items,omitempty"`
}

// Items reports whether the change records membership sets.
func (c Change) Items() bool {
	return c.OldItems != nil || c.NewItems != nil
}

// RevertMap merges a recorded map change back into the map's current value.
// Every key the run touched (present in old or new) reverts to its old value:
// keys the run added are removed, keys it changed or deleted are restored.
// Keys added since by someone else are kept.
func RevertMap(old, new, current map[string]any) map[string]any {
	result := make(map[string]any, len(current))
	for k, v := range current {
		if _, wrote := new[k]; wrote {
			continue
		}
		if _, had := old[k]; had {
			continue
		}
		result[k] = v
	}
	for k, v := range old {
		result[k] = v
	}
	return result
}
