// Package scheduler drives the orchestrator's control loop: draining
// worker feedback, advancing task state, and dispatching queued tasks
// to idle workers. All task mutation funnels through this single loop.
package scheduler
