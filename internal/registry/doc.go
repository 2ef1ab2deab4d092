// Package registry persists VirtualMachine records.
//
// Two backends implement Store: MemoryStore for tests and single-process
// use, and BadgerStore for durable local storage. Both enforce the
// one-VM-per-order rule with a unique order index written in the same
// transaction as the record, and both use optimistic versioning so a
// stale write cannot silently overwrite a newer one.
//
// Records are returned as deep copies; callers own what they receive.
package registry
