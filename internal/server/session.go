// Package server implements the Stratum TCP server and the per-connection
// session state machine described in spec §4.2.
package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/basaltpool/stratum-engine/internal/protocol"
	"github.com/basaltpool/stratum-engine/internal/user"
	"github.com/basaltpool/stratum-engine/internal/validator"
	"github.com/basaltpool/stratum-engine/internal/vardiff"
)

// State is the session's position in the Connected -> Subscribed ->
// Authorized -> Closed state machine.
type State int32

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const sessionWriteTimeout = 5 * time.Second

// recentTuple is a submitted-share fingerprint kept for the duplicate
// detection window.
type recentTuple struct {
	tuple validator.ShareTuple
	at    time.Time
}

const duplicateWindow = 10 * time.Minute

// Session is one connected miner: its wire state, its vardiff tracking
// state, and its duplicate-submission window. Writes are serialized with
// writeMu so a set_difficulty always completes before the next notify's
// bytes hit the wire.
type Session struct {
	ID     string
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	state State // accessed only via atomic helpers below

	Extranonce1     string
	Extranonce2Size int

	Username   string
	WorkerName string
	User       *user.User

	VarDiffState *vardiff.State

	msgLimiter *rate.Limiter

	tuplesMu sync.Mutex
	tuples   []recentTuple

	closeChan chan struct{}
	closeOnce sync.Once
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(atomic.LoadInt32((*int32)(&s.state)))
}

func (s *Session) setState(st State) {
	atomic.StoreInt32((*int32)(&s.state), int32(st))
}

// AlreadySeen reports whether tuple was submitted within the duplicate
// detection window, pruning expired entries as a side effect.
func (s *Session) AlreadySeen(tuple validator.ShareTuple) bool {
	now := time.Now()
	s.tuplesMu.Lock()
	defer s.tuplesMu.Unlock()

	kept := s.tuples[:0]
	seen := false
	for _, rt := range s.tuples {
		if now.Sub(rt.at) > duplicateWindow {
			continue
		}
		kept = append(kept, rt)
		if rt.tuple == tuple {
			seen = true
		}
	}
	s.tuples = kept
	return seen
}

// RecordSeen adds tuple to the duplicate detection window.
func (s *Session) RecordSeen(tuple validator.ShareTuple) {
	s.tuplesMu.Lock()
	defer s.tuplesMu.Unlock()
	s.tuples = append(s.tuples, recentTuple{tuple: tuple, at: time.Now()})
}

// AllowMessage consumes one token from the per-session message-rate bucket.
func (s *Session) AllowMessage() bool {
	return s.msgLimiter.Allow()
}

// sendResult writes a JSON-RPC result response.
func (s *Session) sendResult(id interface{}, result interface{}) error {
	return s.send(protocol.Response{ID: id, Result: result})
}

// sendError writes a JSON-RPC error response.
func (s *Session) sendError(id interface{}, code int, message string) error {
	return s.send(protocol.Response{ID: id, Error: (&protocol.StratumError{Code: code, Message: message}).ToJSON()})
}

// sendNotification writes a JSON-RPC notification (no id).
func (s *Session) sendNotification(method string, params interface{}) error {
	return s.send(protocol.Notification{Method: method, Params: params})
}

// SendDifficulty sends mining.set_difficulty.
func (s *Session) SendDifficulty(diff float64) error {
	return s.sendNotification("mining.set_difficulty", protocol.SetDifficultyParams{Difficulty: diff})
}

// SendNotify sends mining.notify built from the given positional params.
func (s *Session) SendNotify(params protocol.NotifyParams) error {
	return s.sendNotification("mining.notify", params)
}

func (s *Session) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	_, err = s.conn.Write(data)
	return err
}

// Close tears the session down exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closeChan)
		s.conn.Close()
	})
}
