package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opennsot/blueprint/pkg/storage"
)

// Deployment statuses.
const (
	StatusActive         = "active"
	StatusDecommissioned = "decommissioned"
)

// Deployment is one named instance of a design: the unit of ownership for
// change sets and the thing that gets decommissioned as a whole.
type Deployment struct {
	ID              uuid.UUID
	Name            string
	Version         string
	Status          string
	CreatedAt       string
	LastImplemented string
}

// CreateDeployment inserts a new active deployment.
func CreateDeployment(ctx context.Context, tx *storage.Tx, name, version string) (*Deployment, error) {
	d := &Deployment{
		ID:      uuid.New(),
		Name:    name,
		Version: version,
		Status:  StatusActive,
	}
	_, err := tx.Raw().ExecContext(ctx,
		`INSERT INTO deployments (id, name, version, status, last_implemented)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		d.ID.String(), name, version, d.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment %q: %w", name, err)
	}
	return GetDeployment(ctx, tx, name)
}

// GetDeployment loads a deployment by name.
func GetDeployment(ctx context.Context, tx *storage.Tx, name string) (*Deployment, error) {
	d := &Deployment{}
	var id string
	var last sql.NullString
	err := tx.Raw().QueryRowContext(ctx,
		`SELECT id, name, version, status, created_at, last_implemented
		 FROM deployments WHERE name = ?`, name).
		Scan(&id, &d.Name, &d.Version, &d.Status, &d.CreatedAt, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: deployment %q", storage.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment %q: %w", name, err)
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("malformed deployment id: %w", err)
	}
	d.LastImplemented = last.String
	return d, nil
}

// GetOrCreateDeployment returns the named deployment, creating it on first
// use and stamping version and last-implemented time on re-use.
func GetOrCreateDeployment(ctx context.Context, tx *storage.Tx, name, version string) (*Deployment, error) {
	d, err := GetDeployment(ctx, tx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return CreateDeployment(ctx, tx, name, version)
	}
	if err != nil {
		return nil, err
	}
	if d.Status != StatusActive {
		return nil, fmt.Errorf("deployment %q is %s and cannot be re-implemented", name, d.Status)
	}
	_, err = tx.Raw().ExecContext(ctx,
		`UPDATE deployments SET version = ?, last_implemented = CURRENT_TIMESTAMP WHERE id = ?`,
		version, d.ID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to stamp deployment %q: %w", name, err)
	}
	d.Version = version
	return d, nil
}

// ListDeployments returns every deployment, oldest first.
func ListDeployments(ctx context.Context, tx *storage.Tx) ([]*Deployment, error) {
	rows, err := tx.Raw().QueryContext(ctx,
		`SELECT id, name, version, status, created_at, last_implemented
		 FROM deployments ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d := &Deployment{}
		var id string
		var last sql.NullString
		if err := rows.Scan(&id, &d.Name, &d.Version, &d.Status, &d.CreatedAt, &last); err != nil {
			return nil, err
		}
		if d.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("malformed deployment id: %w", err)
		}
		d.LastImplemented = last.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// NewChangeSet opens a change set for one run of this deployment.
func (d *Deployment) NewChangeSet(ctx context.Context, tx *storage.Tx) (*ChangeSet, error) {
	cs := &ChangeSet{
		ID:           uuid.New(),
		DeploymentID: d.ID,
		Active:       true,
	}
	_, err := tx.Raw().ExecContext(ctx,
		`INSERT INTO change_sets (id, deployment_id, active) VALUES (?, ?, 1)`,
		cs.ID.String(), d.ID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create change set: %w", err)
	}
	return cs, nil
}

// ChangeSets returns the deployment's change sets, oldest first.
func (d *Deployment) ChangeSets(ctx context.Context, tx *storage.Tx) ([]*ChangeSet, error) {
	rows, err := tx.Raw().QueryContext(ctx,
		`SELECT id, deployment_id, active, created_at FROM change_sets
		 WHERE deployment_id = ? ORDER BY rowid`, d.ID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list change sets: %w", err)
	}
	defer rows.Close()

	var out []*ChangeSet
	for rows.Next() {
		cs, err := scanChangeSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// LatestActiveChangeSet returns the most recent active change set, or
// storage.ErrNotFound when the deployment has none.
func (d *Deployment) LatestActiveChangeSet(ctx context.Context, tx *storage.Tx) (*ChangeSet, error) {
	sets, err := d.ChangeSets(ctx, tx)
	if err != nil {
		return nil, err
	}
	for i := len(sets) - 1; i >= 0; i-- {
		if sets[i].Active {
			return sets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: active change set for deployment %q", storage.ErrNotFound, d.Name)
}

// Decommission reverts every active change set, newest first, then marks the
// deployment decommissioned.
func (d *Deployment) Decommission(ctx context.Context, tx *storage.Tx) error {
	sets, err := d.ChangeSets(ctx, tx)
	if err != nil {
		return err
	}
	for i := len(sets) - 1; i >= 0; i-- {
		if !sets[i].Active {
			continue
		}
		if err := sets[i].Revert(ctx, tx); err != nil {
			return err
		}
	}

	_, err = tx.Raw().ExecContext(ctx,
		`UPDATE deployments SET status = ? WHERE id = ?`,
		StatusDecommissioned, d.ID.String())
	if err != nil {
		return fmt.Errorf("failed to mark deployment %q decommissioned: %w", d.Name, err)
	}
	d.Status = StatusDecommissioned
	log.Info().
		Str("component", "journal").
		Str("deployment", d.Name).
		Int("change_sets", len(sets)).
		Msg("deployment decommissioned")
	return nil
}

// Delete removes the deployment and its change history. Only decommissioned
// deployments may be deleted.
func (d *Deployment) Delete(ctx context.Context, tx *storage.Tx) error {
	if d.Status != StatusDecommissioned {
		return fmt.Errorf("deployment %q must be decommissioned before deletion", d.Name)
	}
	if _, err := tx.Raw().ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, d.ID.String()); err != nil {
		return fmt.Errorf("failed to delete deployment %q: %w", d.Name, err)
	}
	return nil
}
