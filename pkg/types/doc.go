/*
Package types defines the core data structures used throughout Kiln.

It contains the domain model shared by every other package: tasks and
their lifecycle state machine, workers and their status labels, the
model catalog, metric samples, and the message envelope exchanged
between the orchestrator and worker processes.

# Task lifecycle

A task moves strictly forward:

	queued -> assigned -> running -> (completed | failed | cancelled)

Terminal states are immutable. TaskStatus.CanTransition encodes the
permitted edges and is consulted by the scheduler and the store before
every status write.

# Workers

Workers are identified by their device: worker_<device_id>. A worker is
starting until its registration message arrives, idle when it has no
task, busy while it owns one, error after it reports a fault, and
offline once heartbeats stop or its process dies.

# Messages

Message is a single envelope type with one optional payload per message
kind. Instruction payloads carry a closed InstructionAction set; workers
dispatch on the action with one handler per variant rather than by
string comparison at call sites.
*/
package types
