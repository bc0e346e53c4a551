package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors returned by Tx query operations. Callers classify lookup
// failures with errors.Is.
var (
	// ErrNotFound is returned by Get when no row matches the filter.
	ErrNotFound = errors.New("object not found")

	// ErrMultiple is returned by Get when the filter matches more than
	// one row.
	ErrMultiple = errors.New("multiple objects matched")
)

// FieldErrors maps field names to validation failure messages. It is the
// error type returned by Tx.Validate.
type FieldErrors map[string][]string

// Add appends a failure message for the named field.
func (fe FieldErrors) Add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

func (fe FieldErrors) Error() string {
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", f, strings.Join(fe[f], ", "))
	}
	return b.String()
}

// renderFilter formats a filter map for error messages, keys sorted.
func renderFilter(filter map[string]any) string {
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
