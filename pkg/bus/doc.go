/*
Package bus implements the in-process message queues between the
orchestrator and its workers: one bounded inbound channel per worker id
plus two shared outbound channels for results and status events.
*/
package bus
