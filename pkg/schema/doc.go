// Package schema defines the persistable type registry consumed by the
// design engine and the object store.
//
// A Registry describes every object type the engine can provision: its
// fields (scalars, relations of various shapes, label sets, generic
// pointers) and any dynamic relationships that exist between types. The
// registry is immutable once built and is injected into every Store and
// Builder instance; there is no process-wide mutable state.
package schema
