// Package design implements the declarative provisioning engine: it walks a
// YAML design document in order, resolves each entry into an object node,
// applies action tags (get, create, update, create_or_update), defers
// relation assignments that need both sides persisted, and records every
// field-level change so a deployment can later be reverted.
//
// The engine is a synchronous recursive descent over the document. One
// storage transaction wraps an entire ImplementDesign call; either every
// object in the document is written or none are. Extensions hook into the
// walk twice: attribute extensions ("!connect", "!next_prefix", ...) run
// while a node's attributes are parsed, value extensions ("!ref:...") run
// when a raw value is resolved.
package design
