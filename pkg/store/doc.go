// Package store provides the durable key/value layer shared by every coffeecue
// component and every client session instance.
//
// # Overview
//
// The store holds last-known-good domain snapshots (order lists, stations,
// inventory), the current bearer credential, resilience flags and per-station
// queue snapshots. Its contents outlive a single process: a barista screen that
// restarts, or a second tab pointed at the same backend, sees the same records.
//
// # Records
//
// A Record is always written as a whole. There is no partial, in-place update of
// a record's payload, so a reader never observes half of a write. When several
// logical keys must change together (a credential token and its claims, a live
// queue snapshot and its backup) PutMany writes them in one transaction.
//
// # Change Events
//
// Every successful write or delete emits a ChangeEvent. Subscribers filter
// events by logical key prefix. The Origin field identifies the writer so that a
// session instance can ignore its own writes.
//
// # Backends
//
// RedisStore keeps records as Redis hashes and publishes change events on a
// Pub/Sub channel, so any number of processes can share state.
//
// BadgerStore keeps records in an embedded BadgerDB directory. It needs no
// server and survives restarts, but a Badger directory can only be opened by one
// process, so change events are fanned out in-process.
//
// # Key Schema
//
// Physical keys follow: coffeecue:{namespace}:{logical key}
//
// Logical keys: see the Key* constants and SnapshotKey/SnapshotBackupKey.
//
// Change channel (Redis): coffeecue:{namespace}:changes
package store
