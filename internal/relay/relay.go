// Package relay implements the primary/relay replication bus: a private
// TCP connection pushing block templates from a primary region to relay
// regions with sub-second latency, with automatic failover to independent
// local template generation when the primary goes quiet.
package relay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/basaltpool/stratum-engine/internal/workbase"
)

// Kind is one of the relay bus's message types.
type Kind string

const (
	KindHello    Kind = "HELLO"
	KindTemplate Kind = "TEMPLATE"
	KindEvent    Kind = "EVENT"
	KindBlock    Kind = "BLOCK"
	KindPing     Kind = "PING"
	KindPong     Kind = "PONG"
)

// maxMessageSize bounds the length prefix so a corrupt or hostile peer
// can't make a reader allocate unbounded memory.
const maxMessageSize = 16 << 20

const pingInterval = 5 * time.Second

// message is the wire envelope for every frame on the bus.
type message struct {
	Kind      Kind               `json:"kind"`
	Region    string             `json:"region,omitempty"`
	Workbase  *workbase.Workbase `json:"workbase,omitempty"`
	Event     json.RawMessage    `json:"event,omitempty"`
	BlockHex  string             `json:"block_hex,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by the JSON
// encoding of msg.
func writeFrame(w io.Writer, mu *sync.Mutex, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON message from r.
func readFrame(r *bufio.Reader) (message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageSize {
		return message{}, fmt.Errorf("relay frame too large: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return message{}, fmt.Errorf("read frame body: %w", err)
	}

	var msg message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return message{}, fmt.Errorf("unmarshal relay message: %w", err)
	}
	return msg, nil
}
