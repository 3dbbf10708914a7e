// Package registry manages the worker fleet: spawning one child
// process per device, bridging their stdio pipes onto the message bus,
// monitoring their health, and choosing dispatch targets.
package registry
