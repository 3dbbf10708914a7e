package worker

import (
	"errors"
	"io"

	"github.com/kilnworks/kiln/pkg/types"
	"github.com/kilnworks/kiln/pkg/wire"
)

// ErrTransportClosed is returned once a transport can carry no more messages
var ErrTransportClosed = errors.New("transport closed")

// Transport is the worker's view of its link to the orchestrator
type Transport interface {
	// Recv blocks until the next inbound message arrives
	Recv() (types.Message, error)

	// Send delivers a message to the orchestrator
	Send(types.Message) error

	// Close tears the link down; pending Recv calls unblock with an error
	Close() error
}

// StdioTransport frames messages as JSON lines over a reader/writer
// pair, normally the process's stdin and stdout.
type StdioTransport struct {
	dec *wire.Decoder
	enc *wire.Encoder
}

// NewStdioTransport builds a transport over the given streams
func NewStdioTransport(r io.Reader, w io.Writer) *StdioTransport {
	return &StdioTransport{
		dec: wire.NewDecoder(r),
		enc: wire.NewEncoder(w),
	}
}

func (t *StdioTransport) Recv() (types.Message, error) {
	msg, err := t.dec.Decode()
	if errors.Is(err, io.EOF) {
		return types.Message{}, ErrTransportClosed
	}
	return msg, err
}

func (t *StdioTransport) Send(msg types.Message) error {
	return t.enc.Encode(msg)
}

func (t *StdioTransport) Close() error { return nil }

// ChannelTransport carries messages over in-process channels. Tests use
// it to run a worker without spawning a child process.
type ChannelTransport struct {
	In     chan types.Message
	Out    chan types.Message
	closed chan struct{}
}

// NewChannelTransport builds a buffered in-process transport
func NewChannelTransport(buffer int) *ChannelTransport {
	return &ChannelTransport{
		In:     make(chan types.Message, buffer),
		Out:    make(chan types.Message, buffer),
		closed: make(chan struct{}),
	}
}

func (t *ChannelTransport) Recv() (types.Message, error) {
	select {
	case msg, ok := <-t.In:
		if !ok {
			return types.Message{}, ErrTransportClosed
		}
		return msg, nil
	case <-t.closed:
		return types.Message{}, ErrTransportClosed
	}
}

func (t *ChannelTransport) Send(msg types.Message) error {
	select {
	case t.Out <- msg:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	}
}

func (t *ChannelTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}
