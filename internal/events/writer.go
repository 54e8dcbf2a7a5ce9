package events

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// UnixSocketSink writes one compact JSON line per event to a Unix-domain
// socket, reconnecting lazily if the listener isn't up yet.
type UnixSocketSink struct {
	path   string
	logger *zap.Logger
	conn   net.Conn
}

// NewUnixSocketSink creates a sink targeting the given socket path. The
// first connection attempt is deferred to the first Publish call so a
// missing consumer at startup doesn't block the pipeline.
func NewUnixSocketSink(path string, logger *zap.Logger) *UnixSocketSink {
	return &UnixSocketSink{path: path, logger: logger.Named("events.unix")}
}

func (s *UnixSocketSink) Publish(e Event) error {
	if s.conn == nil {
		conn, err := net.DialTimeout("unix", s.path, 2*time.Second)
		if err != nil {
			return fmt.Errorf("dial unix socket: %w", err)
		}
		s.conn = conn
	}
	data, err := e.Encode()
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.conn.Write(data); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("write unix socket: %w", err)
	}
	return nil
}

// RedisStreamSink publishes events onto a region-scoped Redis stream
// (mining:events:<region>).
type RedisStreamSink struct {
	client *redis.Client
	region string
}

func NewRedisStreamSink(client *redis.Client, region string) *RedisStreamSink {
	return &RedisStreamSink{client: client, region: region}
}

func (s *RedisStreamSink) Publish(e Event) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	stream := fmt.Sprintf("mining:events:%s", s.region)
	return s.client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": data},
	}).Err()
}

// NATSSink publishes events onto a JetStream subject scoped by region and
// event kind: tbg.mining.<region>.<kind>.
type NATSSink struct {
	js     nats.JetStreamContext
	region string
}

func NewNATSSink(nc *nats.Conn, region string) (*NATSSink, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("init jetstream context: %w", err)
	}
	return &NATSSink{js: js, region: region}, nil
}

func (s *NATSSink) Publish(e Event) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("tbg.mining.%s.%s", s.region, e.Kind)
	_, err = s.js.Publish(subject, data)
	return err
}

// Writer drains a Ring on a fixed interval and fans each event out to every
// configured Sink. A failing sink is logged and skipped; it never blocks
// the others or the hot-path producer.
type Writer struct {
	ring     *Ring
	sinks    []Sink
	region   string
	logger   *zap.Logger
	interval time.Duration
}

func NewWriter(ring *Ring, sinks []Sink, region string, logger *zap.Logger, interval time.Duration) *Writer {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Writer{ring: ring, sinks: sinks, region: region, logger: logger.Named("events.writer"), interval: interval}
}

// Run drains the ring until ctx is cancelled, publishing a synthetic
// events_dropped record whenever backpressure discarded events since the
// last drain.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drainOnce()
			return
		case <-ticker.C:
			w.drainOnce()
		}
	}
}

func (w *Writer) drainOnce() {
	batch := w.ring.Drain(1024)
	for _, e := range batch {
		w.publish(e)
	}

	if dropped := w.ring.DroppedAndReset(); dropped > 0 {
		w.publish(DroppedEvent(w.region, time.Now(), dropped))
	}
}

func (w *Writer) publish(e Event) {
	for _, sink := range w.sinks {
		if err := sink.Publish(e); err != nil {
			w.logger.Warn("event sink publish failed", zap.String("kind", string(e.Kind)), zap.Error(err))
		}
	}
}
