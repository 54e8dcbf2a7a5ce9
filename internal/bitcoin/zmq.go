package bitcoin

import (
	"context"
	"fmt"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// HashBlockSubscriber subscribes to a Bitcoin node's ZMQ "hashblock"
// publisher and delivers a signal on every new block, letting the work
// generator re-poll immediately instead of waiting on its backoff timer.
type HashBlockSubscriber struct {
	socket *zmq.Socket
	logger *zap.Logger
}

// NewHashBlockSubscriber connects to the ZMQ publisher endpoint and
// subscribes to the "hashblock" topic.
func NewHashBlockSubscriber(zmqURL string, logger *zap.Logger) (*HashBlockSubscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create zmq socket: %w", err)
	}
	if err := socket.Connect(zmqURL); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to zmq endpoint %s: %w", zmqURL, err)
	}
	if err := socket.SetSubscribe("hashblock"); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to subscribe to hashblock: %w", err)
	}

	return &HashBlockSubscriber{socket: socket, logger: logger.Named("zmq")}, nil
}

// Run blocks, reading hashblock notifications and forwarding a signal on
// notify for each one, until ctx is cancelled.
func (h *HashBlockSubscriber) Run(ctx context.Context, notify chan<- struct{}) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			parts, err := h.socket.RecvMessageBytes(0)
			if err != nil {
				h.logger.Warn("zmq receive error", zap.Error(err))
				return
			}
			if len(parts) < 2 {
				continue
			}
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		h.socket.Close()
	case <-done:
	}
}

// Close releases the underlying ZMQ socket.
func (h *HashBlockSubscriber) Close() error {
	return h.socket.Close()
}
