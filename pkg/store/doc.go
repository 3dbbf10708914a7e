/*
Package store persists orchestrator state in a relational database.

The Store interface covers tasks, workers, the model catalog, and metric
samples. GormStore is the concrete implementation; SQLite backs a
single-host deployment by default and Postgres can be selected through
configuration. Schema migrations are forward-only and idempotent:
AutoMigrate creates missing tables and adds missing columns without
rewriting existing rows.

Status writes are guarded: a transition the task state machine forbids,
or an update for a row that does not exist, is logged and ignored rather
than surfaced as an error. The scheduler treats the store as a durable
log it retries opportunistically, never as a gate for in-memory
progress. The one exception is completion: a task is only reported
completed after its terminal write has succeeded.
*/
package store
