package design

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opennsot/blueprint/pkg/journal"
	"github.com/opennsot/blueprint/pkg/schema"
	"github.com/opennsot/blueprint/pkg/storage"
	"github.com/opennsot/blueprint/pkg/telemetry"
)

// Builder applies design documents to the object store. A builder is
// per-run state: its journal, transaction and extension instances live for
// one ImplementDesign call and are not shared across goroutines.
type Builder struct {
	registry *schema.Registry
	store    *storage.Store
	tx       *storage.Tx

	journal   *journal.Journal
	changeSet *journal.ChangeSet

	registrations map[string]Registration
	instances     map[string]Extension
	instOrder     []string

	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	finished bool
}

// Option configures a builder.
type Option func(*Builder) error

// WithExtensions registers additional extension tags.
func WithExtensions(regs ...Registration) Option {
	return func(b *Builder) error {
		for _, reg := range regs {
			if reg.Tag == "" || reg.New == nil {
				return fmt.Errorf("extension registration needs a tag and a constructor")
			}
			if _, dup := b.registrations[reg.Tag]; dup {
				return fmt.Errorf("extension tag %q registered twice", reg.Tag)
			}
			b.registrations[reg.Tag] = reg
		}
		return nil
	}
}

// WithChangeSet persists every recorded change into the given change set in
// addition to the in-memory journal.
func WithChangeSet(cs *journal.ChangeSet) Option {
	return func(b *Builder) error {
		b.changeSet = cs
		return nil
	}
}

// WithLogger replaces the builder's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Builder) error {
		b.logger = logger
		return nil
	}
}

// WithMetrics wires run counters and timings.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Builder) error {
		b.metrics = m
		return nil
	}
}

// NewBuilder creates a builder over the given registry and store. The "ref"
// extension is always registered.
func NewBuilder(registry *schema.Registry, store *storage.Store, opts ...Option) (*Builder, error) {
	if registry == nil || store == nil {
		return nil, fmt.Errorf("builder needs a registry and a store")
	}
	b := &Builder{
		registry:      registry,
		store:         store,
		journal:       journal.New(),
		registrations: make(map[string]Registration),
		instances:     make(map[string]Extension),
		logger:        log.With().Str("component", "design").Logger(),
	}
	ref := RefExtension()
	b.registrations[ref.Tag] = ref
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Registry returns the schema registry.
func (b *Builder) Registry() *schema.Registry {
	return b.registry
}

// Tx returns the transaction of the current run.
func (b *Builder) Tx() *storage.Tx {
	return b.tx
}

// Journal returns the in-memory journal of the current run.
func (b *Builder) Journal() *journal.Journal {
	return b.journal
}

// ImplementDesign walks the document in order and applies every entry inside
// one transaction. With commit=false the run is a dry run: all work is rolled
// back and extension side effects are undone, but errors surface exactly as
// they would on a real run. On any error the original error is returned
// unchanged after rollback.
func (b *Builder) ImplementDesign(ctx context.Context, doc *Map, commit bool) (err error) {
	if doc == nil || doc.Len() == 0 {
		return &ImplementationError{Msg: "empty design document"}
	}
	start := time.Now()

	b.tx, err = b.store.Begin(ctx)
	if err != nil {
		return err
	}
	// A builder may apply several documents in sequence; the settle-once
	// guard is per run, not per builder.
	b.finished = false
	defer func() {
		finErr := b.finish(err == nil && commit)
		if err == nil {
			err = finErr
		}
		b.observe(start, commit, err)
	}()

	for _, key := range doc.Keys() {
		t, ok := b.registry.ByPlural(key)
		if !ok {
			return &ImplementationError{Msg: fmt.Sprintf("unknown collection key %q", key)}
		}
		value, _ := doc.Get(key)
		for i, entry := range asList(value) {
			attrs, ok := entry.(*Map)
			if !ok {
				return &ImplementationError{
					Msg: fmt.Sprintf("collection %q entry %d is not a mapping", key, i),
				}
			}
			node, err := newNode(ctx, b, t, attrs, nil, fmt.Sprintf("%s[%d]", key, i), nil, ActionCreate)
			if err != nil {
				return err
			}
			if err := node.Save(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// finish settles the transaction and finalizes extensions exactly once.
func (b *Builder) finish(commit bool) error {
	if b.finished {
		return nil
	}
	b.finished = true

	if commit {
		if err := b.tx.Commit(); err != nil {
			b.rollBackExtensions()
			return fmt.Errorf("failed to commit design: %w", err)
		}
		return b.commitExtensions()
	}

	if err := b.tx.Rollback(); err != nil {
		b.logger.Warn().Err(err).Msg("transaction rollback failed")
	}
	b.rollBackExtensions()
	return nil
}

func (b *Builder) commitExtensions() error {
	for _, tag := range b.instOrder {
		if c, ok := b.instances[tag].(Committer); ok {
			if err := c.Commit(); err != nil {
				return fmt.Errorf("extension !%s commit failed: %w", tag, err)
			}
		}
	}
	return nil
}

// rollBackExtensions undoes extension side effects. Failures are logged, not
// returned: the run's original error must reach the caller unchanged.
func (b *Builder) rollBackExtensions() {
	for _, tag := range b.instOrder {
		if r, ok := b.instances[tag].(RollBacker); ok {
			if err := r.RollBack(); err != nil {
				b.logger.Error().Err(err).Str("extension", tag).Msg("extension rollback failed")
			}
		}
	}
}

func (b *Builder) observe(start time.Time, commit bool, err error) {
	elapsed := time.Since(start)
	created, updated := b.journal.Counts()

	evt := b.logger.Info()
	result := "committed"
	switch {
	case err != nil:
		evt = b.logger.Error().Err(err)
		result = "error"
	case !commit:
		result = "rolled_back"
	}
	evt.Str("result", result).
		Int("created", created).
		Int("updated", updated).
		Dur("elapsed", elapsed).
		Msg("design run finished")

	if b.metrics != nil {
		b.metrics.DesignsApplied.WithLabelValues(result).Inc()
		b.metrics.ObjectsCreated.Add(float64(created))
		b.metrics.ObjectsUpdated.Add(float64(updated))
		b.metrics.ApplyDuration.Observe(elapsed.Seconds())
	}
}

// record routes one object diff to the in-memory journal and, when
// configured, the persisted change set.
func (b *Builder) record(ctx context.Context, objType string, id uuid.UUID, created bool, changes map[string]journal.Change) error {
	b.journal.Log(objType, id, created, changes)
	if b.changeSet != nil {
		return b.changeSet.Log(ctx, b.tx, objType, id, created, changes)
	}
	return nil
}

// extension returns the lazily-created singleton for a tag.
func (b *Builder) extension(tag string) (Extension, error) {
	if inst, ok := b.instances[tag]; ok {
		return inst, nil
	}
	reg, ok := b.registrations[tag]
	if !ok {
		return nil, fmt.Errorf("unknown extension tag !%s", tag)
	}
	inst, err := reg.New(b)
	if err != nil {
		return nil, fmt.Errorf("failed to create extension !%s: %w", tag, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("extension !%s constructor returned nothing", tag)
	}
	b.instances[tag] = inst
	b.instOrder = append(b.instOrder, tag)
	return inst, nil
}

func (b *Builder) attributeExtension(tag string) (AttributeExtension, error) {
	inst, err := b.extension(tag)
	if err != nil {
		return nil, err
	}
	ae, ok := inst.(AttributeExtension)
	if !ok {
		return nil, fmt.Errorf("extension !%s cannot be used as an attribute", tag)
	}
	return ae, nil
}

func (b *Builder) valueExtension(tag string) (ValueExtension, error) {
	inst, err := b.extension(tag)
	if err != nil {
		return nil, err
	}
	ve, ok := inst.(ValueExtension)
	if !ok {
		return nil, fmt.Errorf("extension !%s cannot be used in a value", tag)
	}
	return ve, nil
}

// ResolveValue substitutes a single "!tag:key" string through its value
// extension. Other values pass through unchanged.
func (b *Builder) ResolveValue(ctx context.Context, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	tag, key, ok := parseValueTag(s)
	if !ok {
		return value, nil
	}
	ext, err := b.valueExtension(tag)
	if err != nil {
		return nil, &ImplementationError{Msg: err.Error()}
	}
	return ext.Value(ctx, key)
}

// ResolveValues recursively substitutes value-extension strings inside maps
// and lists. The input is never mutated.
func (b *Builder) ResolveValues(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case string:
		return b.ResolveValue(ctx, v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			resolved, err := b.ResolveValues(ctx, e)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case *Map:
		out := NewMap()
		for _, k := range v.Keys() {
			e, _ := v.Get(k)
			resolved, err := b.ResolveValues(ctx, e)
			if err != nil {
				return nil, err
			}
			out.Set(k, resolved)
		}
		return out, nil
	default:
		return value, nil
	}
}
