package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/basaltpool/stratum-engine/internal/workbase"
)

// Client connects to a primary region's relay bus, feeds received
// templates to the local Work Generator, and promotes itself to
// independent (locally-polling) mode if the primary goes quiet for too
// long, per spec §4.6.
type Client struct {
	primaryAddr      string
	region           string
	failoverTimeout  time.Duration
	logger           *zap.Logger

	// OnTemplate is invoked for every TEMPLATE received from the primary,
	// while in relayed mode. The caller publishes it to the shared
	// workbase.Store and broadcasts mining.notify.
	OnTemplate func(wb *workbase.Workbase)
	// OnPromote is invoked when the client promotes to independent mode
	// (primary silent past failoverTimeout); the caller should start local
	// GBT polling.
	OnPromote func()
	// OnDemote is invoked the first time a HELLO ack is received after a
	// reconnect; the caller should stop local GBT polling.
	OnDemote func()

	mu           sync.Mutex
	conn         net.Conn
	writeMu      sync.Mutex
	independent  bool
	lastContact  time.Time
}

// NewClient creates a relay client targeting primaryAddr ("host:port").
func NewClient(primaryAddr, region string, failoverTimeout time.Duration, logger *zap.Logger) *Client {
	if failoverTimeout <= 0 {
		failoverTimeout = 10 * time.Second
	}
	return &Client{
		primaryAddr:     primaryAddr,
		region:          region,
		failoverTimeout: failoverTimeout,
		logger:          logger.Named("relay.client"),
		independent:     true, // no primary contact yet; treat as independent until connected
	}
}

// IsIndependent reports whether the client currently believes it is on its
// own (no live primary link), and should be serving from its local GBT
// poll rather than relayed templates.
func (c *Client) IsIndependent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.independent
}

// Run connects to the primary and reconnects with backoff until ctx is
// cancelled. Independently of connection state, a watchdog promotes the
// client to independent mode whenever contact has lapsed past the
// failover timeout.
func (c *Client) Run(ctx context.Context) {
	go c.watchdog(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil {
			c.logger.Warn("relay link failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) watchdog(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			silent := !c.independent && time.Since(c.lastContact) > c.failoverTimeout
			if silent {
				c.independent = true
			}
			c.mu.Unlock()

			if silent {
				c.logger.Warn("primary silent past failover timeout, promoting to independent mode")
				if c.OnPromote != nil {
					c.OnPromote()
				}
			}
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", c.primaryAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial primary: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := writeFrame(conn, &c.writeMu, message{Kind: KindHello, Region: c.region}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	reader := bufio.NewReader(conn)
	ack, err := readFrame(reader)
	if err != nil || ack.Kind != KindHello {
		return fmt.Errorf("primary did not ack hello: %w", err)
	}

	c.mu.Lock()
	wasIndependent := c.independent
	c.independent = false
	c.lastContact = time.Now()
	c.mu.Unlock()

	if wasIndependent {
		c.logger.Info("primary hello acked, demoting to relayed mode")
		if c.OnDemote != nil {
			c.OnDemote()
		}
	}

	for {
		msg, err := readFrame(reader)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.lastContact = time.Now()
		c.mu.Unlock()

		switch msg.Kind {
		case KindTemplate:
			if msg.Workbase != nil && c.OnTemplate != nil {
				c.OnTemplate(msg.Workbase)
			}
		case KindPing:
			if err := writeFrame(conn, &c.writeMu, message{Kind: KindPong}); err != nil {
				return err
			}
		}
	}
}

// ForwardEvent forwards an aggregated mining event upstream to the primary
// as an EVENT message. Safe to call even when disconnected; the send is
// best-effort and errors are swallowed since event forwarding must never
// block the hot path.
func (c *Client) ForwardEvent(event json.RawMessage) {
	c.mu.Lock()
	conn := c.conn
	independent := c.independent
	c.mu.Unlock()

	if conn == nil || independent {
		return
	}
	_ = writeFrame(conn, &c.writeMu, message{Kind: KindEvent, Event: event})
}

// SubmitFoundBlock is called by the caller's validator hook when this
// relay region itself finds a block: it forwards the block to the primary
// for faster global propagation, in addition to the caller's own
// submitblock RPC to its local node. Duplicate submission across nodes is
// harmless per spec §4.6.
func (c *Client) SubmitFoundBlock(blockHex string) {
	c.mu.Lock()
	conn := c.conn
	independent := c.independent
	c.mu.Unlock()

	if conn == nil || independent {
		return
	}
	_ = writeFrame(conn, &c.writeMu, message{Kind: KindBlock, BlockHex: blockHex})
}
