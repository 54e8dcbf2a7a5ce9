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

const maxMissedPings = 3

// peer is one connected relay client from the primary's perspective.
type peer struct {
	conn         net.Conn
	writeMu      sync.Mutex
	region       string
	missedPings  int
	lastPongAt   time.Time
}

// Primary accepts relay-client connections and broadcasts every fresh
// workbase as soon as it becomes current, per spec §4.6.
type Primary struct {
	listener net.Listener
	logger   *zap.Logger

	mu    sync.Mutex
	peers map[string]*peer // keyed by remote addr

	// OnEvent, if set, receives aggregated mining events forwarded upstream
	// by a relay client, tagged with that relay's region.
	OnEvent func(region string, event json.RawMessage)
	// OnBlock, if set, receives blocks a relay region solved and forwarded
	// upstream for faster global propagation. The primary should submit
	// blockHex to its own node; duplicate submission is harmless.
	OnBlock func(region string, blockHex string)
}

// NewPrimary binds a listener on the given port and returns a Primary ready
// to accept relay connections once Run is called.
func NewPrimary(port int, logger *zap.Logger) (*Primary, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return &Primary{
		listener: ln,
		logger:   logger.Named("relay.primary"),
		peers:    make(map[string]*peer),
	}, nil
}

// Run accepts connections until ctx is cancelled.
func (p *Primary) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.listener.Close()
	}()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		go p.handlePeer(ctx, conn)
	}
}

func (p *Primary) handlePeer(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	pr := &peer{conn: conn, lastPongAt: time.Now()}

	reader := bufio.NewReader(conn)
	hello, err := readFrame(reader)
	if err != nil || hello.Kind != KindHello {
		p.logger.Warn("relay peer failed to say hello", zap.String("addr", addr), zap.Error(err))
		conn.Close()
		return
	}
	pr.region = hello.Region

	p.mu.Lock()
	p.peers[addr] = pr
	p.mu.Unlock()

	p.logger.Info("relay peer connected", zap.String("addr", addr), zap.String("region", pr.region))

	defer func() {
		p.mu.Lock()
		delete(p.peers, addr)
		p.mu.Unlock()
		conn.Close()
		p.logger.Info("relay peer disconnected", zap.String("addr", addr), zap.String("region", pr.region))
	}()

	// Ack the hello so the peer can demote out of independent mode.
	if err := writeFrame(conn, &pr.writeMu, message{Kind: KindHello}); err != nil {
		return
	}

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.pingLoop(pingCtx, pr)

	for {
		msg, err := readFrame(reader)
		if err != nil {
			return
		}
		switch msg.Kind {
		case KindPong:
			p.mu.Lock()
			pr.missedPings = 0
			pr.lastPongAt = time.Now()
			p.mu.Unlock()
		case KindEvent:
			// Forwarded aggregated events from the relay region; the caller
			// wires these into the local event pipeline via OnEvent.
			if p.OnEvent != nil {
				p.OnEvent(pr.region, msg.Event)
			}
		case KindBlock:
			if p.OnBlock != nil {
				p.OnBlock(pr.region, msg.BlockHex)
			}
		}
	}
}

func (p *Primary) pingLoop(ctx context.Context, pr *peer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			pr.missedPings++
			missed := pr.missedPings
			p.mu.Unlock()

			if missed > maxMissedPings {
				p.logger.Warn("relay peer missed too many pings, dropping", zap.String("region", pr.region))
				pr.conn.Close()
				return
			}

			if err := writeFrame(pr.conn, &pr.writeMu, message{Kind: KindPing}); err != nil {
				return
			}
		}
	}
}

// Broadcast pushes wb to every connected relay peer as a TEMPLATE message.
// Failures to individual peers are logged and otherwise ignored; the next
// template broadcast will reach them if they've reconnected.
func (p *Primary) Broadcast(wb *workbase.Workbase) {
	p.mu.Lock()
	peers := make([]*peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.Unlock()

	for _, pr := range peers {
		if err := writeFrame(pr.conn, &pr.writeMu, message{Kind: KindTemplate, Workbase: wb}); err != nil {
			p.logger.Warn("template broadcast failed", zap.String("region", pr.region), zap.Error(err))
		}
	}
}

// PeerCount returns the number of currently connected relay peers.
func (p *Primary) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Close closes the listener.
func (p *Primary) Close() error {
	return p.listener.Close()
}
