// Package catalog provides the magicdb metadata catalog on top of a [kv.Store].
//
// The catalog models a namespace of databases, machines (workers bound to one
// database), tables and versioned table snapshots. Every entity is a JSON
// document at a fixed key, and parents carry denormalized lists of their
// children so that listings never scan the store.
//
// # Key Layout
//
// See [Keys]. A namespace "magicdb" lays out as:
//
//	/magicdb                                          engine
//	/magicdb/databases/sales                          database
//	/magicdb/databases/machines/worker-1              machine
//	/magicdb/databases/tables/sales/orders            table
//	/magicdb/databases/versions/sales/orders/v1       version
//	/magicdb/databases/current_versions/sales/orders  current version
//
// # Consistency
//
// Every mutation takes the namespace-wide lock, re-checks its preconditions,
// and commits all of its writes as one [kv.Txn]. If the lock's TTL runs out
// while a mutation is in flight, the mutation's context is cancelled with
// cause [kv.ErrLockLost]. Creates carry an "absent" condition on the created
// key, so two concurrent creates of the same name never both succeed.
//
// [Client.Check] reports index inconsistencies and [Client.Repair] fixes
// them. [Client.PruneDatabase] and [Client.PruneTable] clean up after a
// document removed outside the client.
//
// # Errors
//
//   - [ErrNotFound] - targeted entity doesn't exist
//   - [ErrAlreadyExists] - entity with that name already exists
//   - [ErrInvalidProperties] - required property keys missing
//   - [ErrInvalidName] - identifier unusable as a key segment
//   - [ErrMachineInUse] - machine is bound to another database
//   - [ErrCorruptDocument] - stored document cannot be decoded
//
// [IsRejected] separates these from store faults.
package catalog
