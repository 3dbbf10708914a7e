// Package worker implements the per-device worker process. Each worker
// owns exactly one GPU, holds at most one model, and executes
// instructions from the orchestrator strictly one at a time.
package worker
