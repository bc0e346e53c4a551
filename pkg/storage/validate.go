package storage

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/opennsot/blueprint/pkg/schema"
)

var fieldValidator = validator.New()

// Validate checks the object against its type's declared constraints:
// required fields, choice lists, validator tags and uniqueness. It returns
// FieldErrors when any check fails; uniqueness is checked against the
// current transaction's view of the table.
func (tx *Tx) Validate(ctx context.Context, o *Object) error {
	fe := make(FieldErrors)

	for i := range o.Type.Fields {
		f := &o.Type.Fields[i]
		key := valueKey(f)
		if key == "" {
			continue
		}
		v, present := o.Get(key)
		empty := !present || v == nil || v == ""

		if f.Required && empty {
			fe.Add(f.Name, "this field is required")
			continue
		}
		if empty {
			continue
		}

		if len(f.Choices) > 0 {
			if s, ok := v.(string); !ok || !contains(f.Choices, s) {
				fe.Add(f.Name, fmt.Sprintf("%v is not a valid choice", v))
			}
		}
		if f.Validate != "" {
			if err := fieldValidator.VarCtx(ctx, v, f.Validate); err != nil {
				fe.Add(f.Name, fmt.Sprintf("%v failed %s validation", v, f.Validate))
			}
		}
		if f.Unique {
			taken, err := tx.valueTaken(ctx, o, key, v)
			if err != nil {
				return err
			}
			if taken {
				fe.Add(f.Name, fmt.Sprintf("%s with this %s already exists", o.Type.DisplayName(), f.Name))
			}
		}
	}

	if len(fe) > 0 {
		return fe
	}
	return nil
}

// valueKey maps a field to the value-map key its single value lives under.
// Multi-valued kinds have no key and are skipped by validation.
func valueKey(f *schema.Field) string {
	switch f.Kind {
	case schema.KindScalar, schema.KindJSONMap:
		return f.Name
	case schema.KindToOne, schema.KindOneToOne, schema.KindGenericToOne:
		return f.Name + "_id"
	}
	return ""
}

func (tx *Tx) valueTaken(ctx context.Context, o *Object, key string, v any) (bool, error) {
	c, err := columnForKey(o.Type, key)
	if err != nil {
		return false, err
	}
	sv, err := toSQL(c, v)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ? AND \"id\" != ?",
		quote(o.Type.Name), quote(c.name))
	var n int
	if err := tx.tx.QueryRowContext(ctx, query, sv, o.ID.String()).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check %s.%s uniqueness: %w", o.Type.Name, key, err)
	}
	return n > 0, nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
