package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/kilnworks/kiln/pkg/types"
)

// MaxLineBytes bounds a single encoded message on the pipe
const MaxLineBytes = 1 << 20

// Encoder writes newline-delimited JSON messages to a pipe. Writes are
// serialized so concurrent senders inside a worker cannot interleave
// partial lines.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder wraps a pipe writer
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message as a single line and flushes
func (e *Encoder) Encode(msg types.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	if len(data) > MaxLineBytes {
		return fmt.Errorf("message %s exceeds line limit (%d bytes)", msg.ID, len(data))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads newline-delimited JSON messages from a pipe
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps a pipe reader
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return &Decoder{scanner: scanner}
}

// Decode reads the next message. It returns io.EOF once the pipe is
// closed and drained.
func (d *Decoder) Decode() (types.Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return types.Message{}, fmt.Errorf("failed to decode message line: %w", err)
		}
		if err := msg.Validate(); err != nil {
			return types.Message{}, err
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return types.Message{}, err
	}
	return types.Message{}, io.EOF
}
