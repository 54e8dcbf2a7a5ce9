package server

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basaltpool/stratum-engine/internal/address"
	"github.com/basaltpool/stratum-engine/internal/events"
	"github.com/basaltpool/stratum-engine/internal/protocol"
	"github.com/basaltpool/stratum-engine/internal/storage"
	"github.com/basaltpool/stratum-engine/internal/validator"
	"github.com/basaltpool/stratum-engine/internal/vardiff"
	"github.com/basaltpool/stratum-engine/internal/workbase"
	"github.com/basaltpool/stratum-engine/pkg/crypto"
)

const sessionReadTimeout = 10 * time.Minute

// newSession wraps a freshly accepted connection. State starts at
// Connected; extranonce1 is assigned immediately since mining.subscribe
// needs it synchronously, but the session is only usable for mining after
// mining.authorize succeeds.
func (s *Server) newSession(conn net.Conn) *Session {
	return &Session{
		ID:              uuid.New().String()[:8],
		conn:            conn,
		reader:          bufio.NewReader(conn),
		Extranonce1:     s.allocateExtranonce1(),
		Extranonce2Size: s.deps.Extranonce2Size,
		msgLimiter:      s.newMessageLimiter(),
		closeChan:       make(chan struct{}),
		state:           StateConnected,
	}
}

// serveSession runs the read loop for one session until it closes or ctx
// is cancelled. One goroutine per connection, matching the teacher's
// per-connection task model.
func (s *Server) serveSession(ctx context.Context, sess *Session) {
	defer s.closeSession(sess)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.closeChan:
			return
		default:
		}

		sess.conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
		line, err := sess.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				var netErr net.Error
				if !(errors.As(err, &netErr) && netErr.Timeout()) {
					s.logger.Debug("session read error", zap.String("session", sess.ID), zap.Error(err))
				}
			}
			return
		}

		if !sess.AllowMessage() {
			sess.sendError(nil, protocol.ErrInvalidRequest, "rate limit exceeded")
			continue
		}

		if err := s.dispatch(ctx, sess, line); err != nil {
			s.logger.Debug("message handling failed", zap.String("session", sess.ID), zap.Error(err))
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *Session, line string) error {
	var req protocol.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return sess.sendError(nil, protocol.ErrParseError, "parse error")
	}

	switch req.Method {
	case "mining.subscribe":
		return s.handleSubscribe(sess, req)
	case "mining.authorize":
		return s.handleAuthorize(sess, req)
	case "mining.submit":
		return s.handleSubmit(sess, req)
	case "mining.suggest_difficulty":
		return s.handleSuggestDifficulty(sess, req)
	case "mining.suggest_signature":
		return s.handleSuggestSignature(sess, req)
	default:
		return sess.sendError(req.ID, protocol.ErrMethodNotFound, "method not found")
	}
}

func (s *Server) handleSubscribe(sess *Session, req protocol.Request) error {
	if sess.State() != StateConnected {
		return sess.sendError(req.ID, protocol.ErrInvalidRequest, "already subscribed")
	}

	sess.setState(StateSubscribed)

	result := protocol.SubscribeResult{
		Subscriptions: [][]interface{}{
			{"mining.set_difficulty", sess.ID},
			{"mining.notify", sess.ID},
		},
		Extranonce1:     sess.Extranonce1,
		Extranonce2Size: sess.Extranonce2Size,
	}
	return sess.sendResult(req.ID, result)
}

func (s *Server) handleAuthorize(sess *Session, req protocol.Request) error {
	if sess.State() != StateSubscribed {
		return sess.sendError(req.ID, protocol.ErrUnauthorized, "must subscribe first")
	}

	params, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil {
		return sess.sendError(req.ID, protocol.ErrInvalidParams, err.Error())
	}

	if _, verr := address.Validate(splitAddress(params.Username), s.deps.Network); verr != nil {
		s.emit(events.KindAuthorize, "", map[string]any{"username": params.Username, "ok": false})
		return sess.sendResult(req.ID, false)
	}

	sess.Username = params.Username
	sess.WorkerName = params.Username
	sess.User = s.deps.Users.GetOrCreate(params.Username, s.deps.Network)

	initialDiff := s.deps.InitialDiff
	if s.deps.Reconnect != nil {
		if d, found, rerr := s.deps.Reconnect.LoadDifficulty(context.Background(), params.Username); rerr == nil && found {
			initialDiff = d
		}
	}
	sess.VarDiffState = vardiff.NewState(initialDiff)

	sess.setState(StateAuthorized)
	s.sessions.Store(sess.ID, sess)
	s.sessionCount.Add(1)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ConnectedMiners.Inc()
	}

	s.emit(events.KindAuthorize, sess.Username, map[string]any{"session": sess.ID})

	if err := sess.sendResult(req.ID, true); err != nil {
		return err
	}
	if err := sess.SendDifficulty(sess.VarDiffState.CurrentDiff); err != nil {
		return err
	}

	if wb := s.deps.Store.Current(); wb != nil {
		return sess.SendNotify(notifyParamsFor(wb, true))
	}
	return nil
}

func (s *Server) handleSubmit(sess *Session, req protocol.Request) error {
	if sess.State() != StateAuthorized {
		return sess.sendError(req.ID, protocol.ErrUnauthorized, "not authorized")
	}

	params, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		return sess.sendError(req.ID, protocol.ErrInvalidParams, err.Error())
	}

	jobID, perr := parseWorkbaseID(params.JobID)
	if perr != nil {
		s.recordReject(sess, "stale")
		return sess.sendError(req.ID, protocol.ErrStaleShare, "unknown job")
	}

	now := time.Now()
	result, verr := s.deps.Validator.Validate(validator.Submission{
		WorkbaseID:  jobID,
		Extranonce1: sess.Extranonce1,
		Extranonce2: params.Extranonce2,
		NTime:       params.NTime,
		Nonce:       params.Nonce,
		SessionDiff: sess.VarDiffState.CurrentDiff,
		AlreadySeen: sess.AlreadySeen,
		RecordSeen:  sess.RecordSeen,
	}, now)
	if verr != nil {
		s.logger.Warn("share validation error", zap.String("session", sess.ID), zap.Error(verr))
		return sess.sendError(req.ID, protocol.ErrMalformed, "internal validation error")
	}

	switch result.Outcome {
	case validator.Accepted:
		sessionBest, allTimeBest := sess.User.RecordAccepted(result.ShareDiff, now)
		if s.deps.Metrics != nil {
			s.deps.Metrics.SharesAccepted.Inc()
			s.deps.Metrics.AcceptedDifficultyTotal.Add(result.ShareDiff)
		}
		s.emit(events.KindShareAccepted, sess.Username, map[string]any{
			"session": sess.ID, "share_diff": result.ShareDiff, "job_id": params.JobID,
		})
		if sessionBest || allTimeBest {
			s.emit(events.KindShareBest, sess.Username, map[string]any{"share_diff": result.ShareDiff})
		}
		if result.BlockFound {
			s.onBlockFound(sess, result)
		}

		vres := s.deps.VarDiff.RecordShare(sess.VarDiffState, now)
		if vres.Changed {
			s.emit(events.KindDifficultyChanged, sess.Username, map[string]any{
				"session": sess.ID, "prev_diff": vres.PrevDiff, "new_diff": vres.NewDiff,
			})
			if err := sess.SendDifficulty(vres.NewDiff); err != nil {
				return err
			}
		}
		return sess.sendResult(req.ID, true)

	case validator.RejectedStale:
		s.recordReject(sess, "stale")
		return sess.sendError(req.ID, protocol.ErrStaleShare, "stale share")
	case validator.RejectedDuplicate:
		s.recordReject(sess, "duplicate")
		return sess.sendError(req.ID, protocol.ErrDuplicateShare, "duplicate share")
	case validator.RejectedTimeWindow:
		s.recordReject(sess, "time_window")
		return sess.sendError(req.ID, protocol.ErrInvalidParams, "ntime out of window")
	case validator.RejectedLowDifficulty:
		s.recordReject(sess, "low_difficulty")
		return sess.sendError(req.ID, protocol.ErrLowDifficultyShare, "share below target")
	default:
		s.recordReject(sess, "malformed")
		return sess.sendError(req.ID, protocol.ErrMalformed, result.Reason)
	}
}

// recordReject increments both the user and process-wide rejection
// counters, logs the rejection and emits a rejection event; every reason
// is counted the same way. Rejected shares are not passed to the variance
// engine, whose rate signal comes from accepted shares only.
func (s *Server) recordReject(sess *Session, reason string) {
	s.logger.Debug("share rejected", zap.String("session", sess.ID), zap.String("reason", reason))
	if sess.User != nil {
		sess.User.RecordRejected(time.Now())
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SharesRejected.WithLabelValues(reason).Inc()
	}
	s.emit(events.KindShareRejected, sess.Username, map[string]any{"session": sess.ID, "reason": reason})
}

func (s *Server) onBlockFound(sess *Session, result *validator.Result) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.BlocksFound.Inc()
	}
	s.emit(events.KindBlockFound, sess.Username, map[string]any{
		"session": sess.ID, "height": result.Workbase.Height, "share_diff": result.ShareDiff,
	})
	if s.deps.RelayClient != nil {
		s.deps.RelayClient.SubmitFoundBlock(result.BlockHex)
	}

	if s.deps.Ledger != nil {
		blockHash := blockHashHex(result.BlockHex)
		record := &storage.FoundBlock{
			Hash:        blockHash,
			Height:      result.Workbase.Height,
			Username:    sess.Username,
			ShareDiff:   result.ShareDiff,
			NetworkDiff: result.Workbase.NetworkDiff,
			FoundAt:     time.Now(),
		}
		if err := s.deps.Ledger.InsertBlock(context.Background(), record, result.Workbase.CoinbaseValue); err != nil {
			s.logger.Error("failed to record found block in ledger", zap.String("session", sess.ID), zap.Error(err))
		}
	}
}

func (s *Server) handleSuggestDifficulty(sess *Session, req protocol.Request) error {
	if sess.State() != StateAuthorized {
		return sess.sendError(req.ID, protocol.ErrUnauthorized, "not authorized")
	}
	params, err := protocol.ParseSuggestDifficultyParams(req.Params)
	if err != nil {
		return sess.sendError(req.ID, protocol.ErrInvalidParams, err.Error())
	}

	newDiff := clampDiff(params.Difficulty, s.deps.MinDiff, s.deps.MaxDiff)
	prev := sess.VarDiffState.CurrentDiff
	sess.VarDiffState.CurrentDiff = newDiff
	if newDiff != prev {
		s.emit(events.KindDifficultyChanged, sess.Username, map[string]any{
			"session": sess.ID, "prev_diff": prev, "new_diff": newDiff, "source": "suggest",
		})
		return sess.SendDifficulty(newDiff)
	}
	return nil
}

func (s *Server) handleSuggestSignature(sess *Session, req protocol.Request) error {
	if sess.State() != StateAuthorized {
		return sess.sendError(req.ID, protocol.ErrUnauthorized, "not authorized")
	}
	params, err := protocol.ParseSuggestSignatureParams(req.Params)
	if err != nil {
		return sess.sendError(req.ID, protocol.ErrInvalidParams, err.Error())
	}
	if err := address.ValidateSignature(params.Signature); err != nil {
		return sess.sendError(req.ID, protocol.ErrInvalidParams, "invalid signature")
	}
	// Accepted but not wired into coinbase assembly yet: the pool-wide
	// signature is fixed per workbase at generation time. Per-session
	// tagging would require generating a dedicated workbase per signature,
	// which the Work Generator does not currently do.
	return sess.sendResult(req.ID, true)
}

func (s *Server) closeSession(sess *Session) {
	wasAuthorized := sess.State() == StateAuthorized
	sess.Close()
	s.sessions.Delete(sess.ID)

	if wasAuthorized {
		s.sessionCount.Add(-1)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ConnectedMiners.Dec()
		}
		if s.deps.Reconnect != nil && sess.VarDiffState != nil {
			_ = s.deps.Reconnect.SaveDifficulty(context.Background(), sess.Username, sess.VarDiffState.CurrentDiff)
		}
		s.emit(events.KindDisconnect, sess.Username, map[string]any{"session": sess.ID})
	}
}

func (s *Server) emit(kind events.Kind, username string, payload map[string]any) {
	if s.deps.EventRing == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if username != "" {
		payload["username"] = username
	}
	s.deps.EventRing.Push(events.New(kind, s.deps.Region, time.Now(), payload))
}

func notifyParamsFor(wb *workbase.Workbase, cleanJobs bool) protocol.NotifyParams {
	return protocol.NotifyParams{
		JobID:          fmt.Sprintf("%d", wb.ID),
		PrevBlockHash:  wb.PrevBlockHash,
		Coinbase1:      hex.EncodeToString(wb.Coinb1),
		Coinbase2:      hex.EncodeToString(wb.Coinb2),
		MerkleBranches: hexBranch(wb.MerkleBranch),
		Version:        fmt.Sprintf("%08x", wb.Version),
		NBits:          wb.Bits,
		NTime:          fmt.Sprintf("%08x", wb.CurTime),
		CleanJobs:      cleanJobs,
	}
}

func hexBranch(branch [][]byte) []string {
	out := make([]string, len(branch))
	for i, b := range branch {
		out[i] = hex.EncodeToString(b)
	}
	return out
}

// blockHashHex computes the display (byte-reversed) block hash from a
// fully assembled block's hex encoding by hashing its first 80 bytes, the
// serialized header. Returns the empty string if blockHex is malformed,
// which should never happen for a block this process just assembled.
func blockHashHex(blockHex string) string {
	raw, err := hex.DecodeString(blockHex)
	if err != nil || len(raw) < 80 {
		return ""
	}
	return hex.EncodeToString(crypto.ReverseBytes(crypto.DoubleSHA256(raw[:80])))
}

func parseWorkbaseID(jobID string) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(jobID, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", jobID, err)
	}
	return id, nil
}

func splitAddress(username string) string {
	for i := 0; i < len(username); i++ {
		if username[i] == '.' {
			return username[:i]
		}
	}
	return username
}

func clampDiff(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
