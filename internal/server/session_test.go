package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/basaltpool/stratum-engine/internal/validator"
)

func newTestSession() *Session {
	return &Session{
		ID:         "test",
		msgLimiter: rate.NewLimiter(rate.Limit(100), 100),
		closeChan:  make(chan struct{}),
	}
}

func TestSessionStateString(t *testing.T) {
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "subscribed", StateSubscribed.String())
	require.Equal(t, "authorized", StateAuthorized.String())
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "unknown", State(99).String())
}

func TestSessionStateTransitions(t *testing.T) {
	sess := newTestSession()
	require.Equal(t, StateConnected, sess.State())

	sess.setState(StateSubscribed)
	require.Equal(t, StateSubscribed, sess.State())

	sess.setState(StateAuthorized)
	require.Equal(t, StateAuthorized, sess.State())
}

func TestSessionDuplicateDetection(t *testing.T) {
	sess := newTestSession()
	tuple := validator.ShareTuple{WorkbaseID: 1, Extranonce2: "aa", NTime: "11223344", Nonce: "aabbccdd"}

	require.False(t, sess.AlreadySeen(tuple))
	sess.RecordSeen(tuple)
	require.True(t, sess.AlreadySeen(tuple))

	other := tuple
	other.Nonce = "deadbeef"
	require.False(t, sess.AlreadySeen(other))
}

func TestSessionDuplicateDetectionExpires(t *testing.T) {
	sess := newTestSession()
	tuple := validator.ShareTuple{WorkbaseID: 1, Extranonce2: "aa", NTime: "11223344", Nonce: "aabbccdd"}

	sess.tuplesMu.Lock()
	sess.tuples = append(sess.tuples, recentTuple{tuple: tuple, at: time.Now().Add(-duplicateWindow - time.Second)})
	sess.tuplesMu.Unlock()

	require.False(t, sess.AlreadySeen(tuple))
}
