package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/kilnworks/kiln/pkg/types"
)

var (
	// ErrUnknownWorker is returned when sending to an unregistered worker queue
	ErrUnknownWorker = errors.New("no queue registered for worker")

	// ErrClosed is returned when the bus has been shut down
	ErrClosed = errors.New("message bus closed")
)

// Bus routes messages between the orchestrator and its workers.
//
// Each worker gets its own bounded inbound queue, addressed by worker
// id, so one worker can never consume another's instruction. Results
// and status events flow back on two shared outbound queues. Puts block
// when a queue is at capacity; gets never block. Ordering is FIFO per
// (source, destination) pair. Nothing here is durable: messages in
// flight at a crash are lost and recovery relies on the store.
type Bus struct {
	mu       sync.RWMutex
	inbound  map[string]chan types.Message
	results  chan types.Message
	statuses chan types.Message
	capacity int
	closed   bool
}

// New creates a bus whose queues hold up to capacity messages each
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{
		inbound:  make(map[string]chan types.Message),
		results:  make(chan types.Message, capacity),
		statuses: make(chan types.Message, capacity),
		capacity: capacity,
	}
}

// Register creates the inbound queue for a worker id. Registering an
// already-known id is a no-op and returns the existing queue.
func (b *Bus) Register(workerID string) chan types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inbound[workerID]; ok {
		return ch
	}
	ch := make(chan types.Message, b.capacity)
	b.inbound[workerID] = ch
	return ch
}

// Unregister drops a worker's inbound queue. Pending messages are
// discarded; the caller is expected to have torn the worker down.
func (b *Bus) Unregister(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inbound, workerID)
}

// Inbound returns the queue for a worker id, or nil if unregistered.
// The registry's writer pump drains this channel into the worker pipe.
func (b *Bus) Inbound(workerID string) chan types.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inbound[workerID]
}

// Send puts a message on the target worker's inbound queue. It blocks
// while the queue is full, honoring ctx for cancellation so the
// scheduler never stalls past its tick budget.
func (b *Bus) Send(ctx context.Context, msg types.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	ch, ok := b.inbound[msg.WorkerID]
	b.mu.RUnlock()
	if !ok {
		return ErrUnknownWorker
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushResult puts a result message on the shared outbound queue
func (b *Bus) PushResult(ctx context.Context, msg types.Message) error {
	select {
	case b.results <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushStatus puts a status message on the shared outbound queue
func (b *Bus) PushStatus(ctx context.Context, msg types.Message) error {
	select {
	case b.statuses <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PopResult returns the next result message without blocking
func (b *Bus) PopResult() (types.Message, bool) {
	select {
	case msg := <-b.results:
		return msg, true
	default:
		return types.Message{}, false
	}
}

// PopStatus returns the next status message without blocking
func (b *Bus) PopStatus() (types.Message, bool) {
	select {
	case msg := <-b.statuses:
		return msg, true
	default:
		return types.Message{}, false
	}
}

// DrainStatuses pops every immediately available status message, in
// emission order per worker.
func (b *Bus) DrainStatuses() []types.Message {
	var out []types.Message
	for {
		msg, ok := b.PopStatus()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// DrainResults pops every immediately available result message
func (b *Bus) DrainResults() []types.Message {
	var out []types.Message
	for {
		msg, ok := b.PopResult()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// Close marks the bus closed for sends. Queues are left open so late
// readers can drain what remains.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
