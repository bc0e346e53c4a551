package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/opennsot/blueprint/pkg/design"
	"github.com/opennsot/blueprint/pkg/schema"
	"github.com/opennsot/blueprint/pkg/storage"
)

// openStore loads the schema registry and opens the migrated object store.
func openStore(ctx context.Context) (*schema.Registry, *storage.Store, error) {
	registry, err := schema.LoadFile(schemaPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.New(storage.Config{Path: dbPath}, registry)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return registry, store, nil
}

// loadDesign parses a design document from disk.
func loadDesign(path string) (*design.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read design %s: %w", path, err)
	}
	return design.ParseDocument(data)
}
