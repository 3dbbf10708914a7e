/*
Package wire frames messages on the orchestrator <-> worker pipe as
newline-delimited JSON, one envelope per line.
*/
package wire
