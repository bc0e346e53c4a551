package journal

import (
	"reflect"
	"testing"
)

func TestRevertMap(t *testing.T) {
	tests := []struct {
		name    string
		old     map[string]any
		new     map[string]any
		current map[string]any
		want    map[string]any
	}{
		{
			name:    "restores changed key",
			old:     map[string]any{"ntp": "10.0.0.1"},
			new:     map[string]any{"ntp": "10.0.0.2"},
			current: map[string]any{"ntp": "10.0.0.2"},
			want:    map[string]any{"ntp": "10.0.0.1"},
		},
		{
			name:    "removes added key",
			old:     map[string]any{},
			new:     map[string]any{"dns": "10.0.0.53"},
			current: map[string]any{"dns": "10.0.0.53", "ntp": "10.0.0.1"},
			want:    map[string]any{"ntp": "10.0.0.1"},
		},
		{
			name:    "restores keys changed again since",
			old:     map[string]any{"ntp": "10.0.0.1"},
			new:     map[string]any{"ntp": "10.0.0.2"},
			current: map[string]any{"ntp": "10.0.0.99"},
			want:    map[string]any{"ntp": "10.0.0.1"},
		},
		{
			name:    "keeps keys the run never touched",
			old:     map[string]any{"ntp": "10.0.0.1"},
			new:     map[string]any{"ntp": "10.0.0.2"},
			current: map[string]any{"ntp": "10.0.0.2", "domain": "example.net"},
			want:    map[string]any{"ntp": "10.0.0.1", "domain": "example.net"},
		},
		{
			name:    "restores keys removed since by others",
			old:     map[string]any{"ntp": "10.0.0.1"},
			new:     map[string]any{"ntp": "10.0.0.2"},
			current: map[string]any{},
			want:    map[string]any{"ntp": "10.0.0.1"},
		},
		{
			name:    "restores keys the run deleted",
			old:     map[string]any{"ntp": "10.0.0.1", "domain": "example.net"},
			new:     map[string]any{"domain": "example.org", "dns": "10.0.0.53"},
			current: map[string]any{"domain": "example.org", "dns": "10.0.0.53", "rack": "r1"},
			want:    map[string]any{"ntp": "10.0.0.1", "domain": "example.net", "rack": "r1"},
		},
		{
			name:    "removes added keys even when changed since",
			old:     map[string]any{},
			new:     map[string]any{"dns": "10.0.0.53"},
			current: map[string]any{"dns": "10.0.0.54"},
			want:    map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RevertMap(tt.old, tt.new, tt.current)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("RevertMap() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChangeItems(t *testing.T) {
	if (Change{Old: "a", New: "b"}).Items() {
		t.Error("scalar change should not report items")
	}
	if !(Change{NewItems: []string{"x"}}).Items() {
		t.Error("membership change should report items")
	}
	if !(Change{OldItems: []string{}}).Items() {
		t.Error("empty but present old items should report items")
	}
}
