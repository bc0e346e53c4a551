// Package storage implements a generic relational object store over SQLite.
//
// The store persists objects described by a schema.Registry: each type gets
// its own table (generated from the registry at migration time), forward
// pointers become foreign-key columns, generic pointers become a
// discriminator/id column pair, and multi-valued relations are materialized
// as join tables. The engine's own bookkeeping tables (deployments, change
// sets, change records, relationship associations) ship as embedded
// migrations.
//
// All object operations happen inside a transaction (Tx); the design engine
// wraps one Tx around an entire design application so that either every
// object in a document is durably written or none are.
package storage
