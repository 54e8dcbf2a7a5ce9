package server

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"go.uber.org/zap"

	"github.com/basaltpool/stratum-engine/internal/address"
	"github.com/basaltpool/stratum-engine/internal/config"
	"github.com/basaltpool/stratum-engine/internal/events"
	"github.com/basaltpool/stratum-engine/internal/metrics"
	"github.com/basaltpool/stratum-engine/internal/relay"
	"github.com/basaltpool/stratum-engine/internal/storage"
	"github.com/basaltpool/stratum-engine/internal/user"
	"github.com/basaltpool/stratum-engine/internal/validator"
	"github.com/basaltpool/stratum-engine/internal/vardiff"
	"github.com/basaltpool/stratum-engine/internal/workbase"
)

// Deps holds every shared component the Stratum server needs, wired by
// main at startup.
type Deps struct {
	Store           *workbase.Store
	Validator       *validator.Validator
	VarDiff         *vardiff.Engine
	Users           *user.Registry
	Reconnect       *storage.ReconnectStore // nil disables reconnect memory
	Ledger          *storage.PostgresClient // nil disables found-block persistence
	EventRing       *events.Ring
	Metrics         *metrics.Registry
	RelayClient     *relay.Client // non-nil only in relay mode, for found-block forwarding

	Network         address.Network
	Region          string
	Extranonce1Size int
	Extranonce2Size int
	InitialDiff     float64
	MinDiff         float64
	MaxDiff         float64
	MaxSessions     int
	RateLimits      config.RateLimitConfig
}

// Server is the Stratum TCP server: it accepts connections, runs one
// session state machine per connection, and multicasts mining.notify to
// every authorized session whenever the Work Generator publishes a fresh
// workbase.
type Server struct {
	deps   Deps
	logger *zap.Logger

	listener net.Listener

	sessions     sync.Map // map[string]*Session, authorized sessions only
	sessionCount atomic.Int64

	extranonceCounter atomic.Uint64

	connLimitersMu sync.Mutex
	connLimiters   map[string]*rate.Limiter

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New creates a Server ready to Listen.
func New(deps Deps, logger *zap.Logger) *Server {
	return &Server{
		deps:         deps,
		logger:       logger.Named("server"),
		connLimiters: make(map[string]*rate.Limiter),
	}
}

// Listen binds the TCP listener. Call Run afterward to start accepting.
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on :%d: %w", port, err)
	}
	s.listener = ln
	return nil
}

// Run accepts connections until ctx is cancelled or Shutdown is called.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("stratum server listening", zap.String("addr", s.listener.Addr().String()))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if !s.allowConnect(conn.RemoteAddr()) {
			conn.Close()
			continue
		}

		if int(s.sessionCount.Load()) >= s.deps.MaxSessions {
			s.logger.Warn("max sessions reached, rejecting connection", zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		sess := s.newSession(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession(ctx, sess)
		}()
	}
}

// allowConnect enforces the per-IP connect-rate limit.
func (s *Server) allowConnect(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	s.connLimitersMu.Lock()
	lim, ok := s.connLimiters[host]
	if !ok {
		rps := s.deps.RateLimits.ConnectsPerSecond
		if rps <= 0 {
			rps = 10
		}
		lim = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		s.connLimiters[host] = lim
	}
	s.connLimitersMu.Unlock()

	return lim.Allow()
}

func (s *Server) newMessageLimiter() *rate.Limiter {
	rps := s.deps.RateLimits.MessagesPerSecond
	if rps <= 0 {
		rps = 100
	}
	return rate.NewLimiter(rate.Limit(rps), int(rps)+1)
}

// allocateExtranonce1 hands out a unique, fixed-width hex extranonce1 for a
// new session. Counter-based rather than random so assignments never
// collide while a session holds one, per the pool's uniqueness invariant.
func (s *Server) allocateExtranonce1() string {
	n := s.extranonceCounter.Add(1)
	size := s.deps.Extranonce1Size
	if size <= 0 {
		size = 4
	}

	full := make([]byte, 8)
	binary.BigEndian.PutUint64(full, n)

	out := make([]byte, size)
	if size <= 8 {
		copy(out, full[8-size:])
	} else {
		copy(out[size-8:], full)
	}
	return hex.EncodeToString(out)
}

// BroadcastNotify sends mining.notify to every authorized session. Wired
// as the Work Generator's onPublish callback.
func (s *Server) BroadcastNotify(wb *workbase.Workbase) {
	params := notifyParamsFor(wb, wb.CleanJobs)
	s.sessions.Range(func(_, v interface{}) bool {
		sess := v.(*Session)
		if err := sess.SendNotify(params); err != nil {
			s.logger.Debug("notify send failed", zap.String("session", sess.ID), zap.Error(err))
		}
		return true
	})
}

// SessionCount returns the current number of authorized sessions.
func (s *Server) SessionCount() int64 {
	return s.sessionCount.Load()
}

// Shutdown stops accepting new connections, persists reconnect memory for
// every live session, and closes all sessions, waiting up to the context
// deadline for in-flight reads to unwind.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	s.sessions.Range(func(_, v interface{}) bool {
		sess := v.(*Session)
		if s.deps.Reconnect != nil && sess.VarDiffState != nil {
			_ = s.deps.Reconnect.SaveDifficulty(context.Background(), sess.Username, sess.VarDiffState.CurrentDiff)
		}
		sess.Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions closed")
	case <-ctx.Done():
		s.logger.Warn("shutdown grace period elapsed, sessions forcefully closed")
	}
	return nil
}
