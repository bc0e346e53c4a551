package contrib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/opennsot/blueprint/pkg/design"
)

// ConfigContextExtension registers "!config_context": render a data mapping
// to a YAML file under the given working tree.
//
//	"!config_context":
//	  destination: devices/core-01.yaml
//	  data:
//	    ntp_servers: [10.0.0.1]
//
// File writes happen outside the database transaction, so the extension
// tracks everything it creates: RollBack removes exactly those files and
// directories, Commit drops a marker recording when the tree was finalized.
func ConfigContextExtension(root string) design.Registration {
	return design.Registration{
		Tag: "config_context",
		New: func(*design.Builder) (design.Extension, error) {
			if root == "" {
				return nil, fmt.Errorf("!config_context needs a working tree root")
			}
			return &configContextExtension{root: root}, nil
		},
	}
}

type configContextExtension struct {
	root         string
	createdFiles []string
	createdDirs  []string
}

func (e *configContextExtension) Tag() string { return "config_context" }

func (e *configContextExtension) Attribute(_ context.Context, _ []string, value any, node *design.Node) (any, error) {
	spec, ok := value.(*design.Map)
	if !ok {
		return nil, fmt.Errorf("!config_context takes a mapping with \"destination\" and \"data\"")
	}
	spec = spec.Clone()

	rawDest, ok := spec.Pop("destination")
	if !ok {
		return nil, fmt.Errorf("!config_context needs a \"destination\" path")
	}
	dest, ok := rawDest.(string)
	if !ok || dest == "" {
		return nil, fmt.Errorf("!config_context: \"destination\" must be a relative path")
	}
	if filepath.IsAbs(dest) {
		return nil, fmt.Errorf("!config_context: destination %q must be relative to the working tree", dest)
	}

	rawData, ok := spec.Pop("data")
	if !ok {
		return nil, fmt.Errorf("!config_context needs a \"data\" mapping")
	}
	data, ok := rawData.(*design.Map)
	if !ok {
		return nil, fmt.Errorf("!config_context: \"data\" must be a mapping")
	}

	path := filepath.Join(e.root, filepath.Clean(dest))
	if err := e.mkdirAll(filepath.Dir(path)); err != nil {
		return nil, err
	}

	payload, err := yaml.Marshal(data.Plain())
	if err != nil {
		return nil, fmt.Errorf("!config_context: failed to render %s: %w", dest, err)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("!config_context: %s already exists", dest)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return nil, fmt.Errorf("!config_context: failed to write %s: %w", dest, err)
	}
	e.createdFiles = append(e.createdFiles, path)

	log.Debug().
		Str("component", "contrib").
		Str("node", node.Type.Name).
		Str("path", path).
		Msg("config context written")
	return nil, nil
}

// mkdirAll creates missing directories one level at a time so rollback knows
// exactly which ones are ours.
func (e *configContextExtension) mkdirAll(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := e.mkdirAll(filepath.Dir(dir)); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return fmt.Errorf("!config_context: failed to create %s: %w", dir, err)
	}
	e.createdDirs = append(e.createdDirs, dir)
	return nil
}

// Commit finalizes the working tree with a timestamp marker.
func (e *configContextExtension) Commit() error {
	if len(e.createdFiles) == 0 {
		return nil
	}
	marker := filepath.Join(e.root, ".committed")
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(marker, []byte(stamp), 0644); err != nil {
		return fmt.Errorf("!config_context: failed to write commit marker: %w", err)
	}
	return nil
}

// RollBack removes the files this run created, then its directories deepest
// first. Files and directories that existed before are never touched.
func (e *configContextExtension) RollBack() error {
	for _, path := range e.createdFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	for i := len(e.createdDirs) - 1; i >= 0; i-- {
		if err := os.Remove(e.createdDirs[i]); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	e.createdFiles = nil
	e.createdDirs = nil
	return nil
}

// Extensions returns every built-in extension, wired for the given config
// context working tree.
func Extensions(configRoot string) []design.Registration {
	return []design.Registration{
		LookupExtension(),
		ConnectExtension(),
		NextPrefixExtension(),
		ChildPrefixExtension(),
		ConfigContextExtension(configRoot),
	}
}
