package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// document is the on-disk YAML layout for a schema file.
type document struct {
	Types         []*Type         `yaml:"types"`
	Relationships []*Relationship `yaml:"relationships"`
}

// FromYAML builds a registry from a YAML schema document.
func FromYAML(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: failed to parse schema document: %w", err)
	}
	if len(doc.Types) == 0 {
		return nil, fmt.Errorf("schema: document declares no types")
	}
	return New(doc.Types, doc.Relationships)
}

// LoadFile reads a YAML schema file and builds a registry from it.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to read %s: %w", path, err)
	}
	return FromYAML(data)
}
