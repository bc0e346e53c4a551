// Package journal tracks what a design run did to the object store, both
// in memory (per run, for summaries and created-object lookups) and
// persisted (deployments, change sets and field-level change records in the
// bookkeeping tables).
//
// Persisted records carry enough to reverse a run: for each touched object,
// the old and new value of every changed column, membership item sets for
// join-table fields, and whether the run created the object outright
// (full control). Reverting walks records in reverse order, restores old
// values with a three-way merge so edits made by other actors survive, and
// deletes only objects the deployment fully controls.
package journal
