package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basaltpool/stratum-engine/internal/address"
	"github.com/basaltpool/stratum-engine/internal/config"
	"github.com/basaltpool/stratum-engine/internal/events"
	"github.com/basaltpool/stratum-engine/internal/metrics"
	"github.com/basaltpool/stratum-engine/internal/user"
	"github.com/basaltpool/stratum-engine/internal/validator"
	"github.com/basaltpool/stratum-engine/internal/vardiff"
	"github.com/basaltpool/stratum-engine/internal/workbase"
)

const testAddress = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

func newTestServer(t *testing.T) (*Server, *workbase.Store) {
	t.Helper()

	store := workbase.NewStore(16, time.Minute)
	deps := Deps{
		Store:           store,
		Validator:       validator.New(store, nil),
		VarDiff: vardiff.New(vardiff.Config{
			TargetIntervalS: 10, EMAAlpha: 0.3, DeadBandLow: 0.8, DeadBandHigh: 1.2,
			Dampening: 0.5, CooldownS: 30, FastRampThreshold: 4, FastRampMaxJump: 64,
			MinDiff: 0.001, MaxDiff: 1_000_000,
		}),
		Users:           user.NewRegistry(zap.NewNop()),
		EventRing:       events.NewRing(1024),
		Metrics:         metrics.NewRegistry(),
		Network:         address.Mainnet,
		Region:          "test",
		Extranonce1Size: 4,
		Extranonce2Size: 4,
		InitialDiff:     1.0,
		MinDiff:         0.001,
		MaxDiff:         1_000_000,
		MaxSessions:     100,
		RateLimits:      config.RateLimitConfig{MessagesPerSecond: 1000, ConnectsPerSecond: 1000},
	}

	srv := New(deps, zap.NewNop())
	require.NoError(t, srv.Listen(0))
	return srv, store
}

func runServer(t *testing.T, srv *Server) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
	})
	return cancel
}

func dialAndSubscribe(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, reader, _ := dialSubscribeExtranonce(t, addr)
	return conn, reader
}

func dialSubscribeExtranonce(t *testing.T, addr string) (net.Conn, *bufio.Reader, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	_, err = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["test/1.0"]}` + "\n"))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp struct {
		Result []interface{} `json:"result"`
		Error  interface{}   `json:"error"`
	}
	require.NoError(t, json.Unmarshal(line, &resp))
	require.Nil(t, resp.Error)
	require.Len(t, resp.Result, 3)

	en1, ok := resp.Result[1].(string)
	require.True(t, ok)

	return conn, reader, en1
}

func authorize(t *testing.T, conn net.Conn, reader *bufio.Reader, username string) {
	t.Helper()
	_, err := conn.Write([]byte(fmt.Sprintf(`{"id":2,"method":"mining.authorize","params":["%s","x"]}`, username) + "\n"))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp struct {
		Result bool        `json:"result"`
		Error  interface{} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(line, &resp))
	require.Nil(t, resp.Error)
	require.True(t, resp.Result)

	// mining.set_difficulty notification.
	_, err = reader.ReadBytes('\n')
	require.NoError(t, err)
}

func TestServerSubscribeAndAuthorize(t *testing.T) {
	srv, _ := newTestServer(t)
	runServer(t, srv)

	conn, reader := dialAndSubscribe(t, srv.listener.Addr().String())
	defer conn.Close()

	authorize(t, conn, reader, testAddress)

	require.Eventually(t, func() bool {
		return srv.SessionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerRejectsInvalidAddress(t *testing.T) {
	srv, _ := newTestServer(t)
	runServer(t, srv)

	conn, reader := dialAndSubscribe(t, srv.listener.Addr().String())
	defer conn.Close()

	_, err := conn.Write([]byte(`{"id":2,"method":"mining.authorize","params":["not-an-address","x"]}` + "\n"))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp struct {
		Result bool        `json:"result"`
		Error  interface{} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(line, &resp))
	require.False(t, resp.Result)

	require.Equal(t, int64(0), srv.SessionCount())
}

func TestServerExtranonceUniqueness(t *testing.T) {
	srv, _ := newTestServer(t)
	runServer(t, srv)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		conn, _, en1 := dialSubscribeExtranonce(t, srv.listener.Addr().String())
		defer conn.Close()

		require.False(t, seen[en1], "duplicate extranonce1: %s", en1)
		seen[en1] = true
	}
}

func TestServerBroadcastNotify(t *testing.T) {
	srv, store := newTestServer(t)
	runServer(t, srv)

	conn, reader := dialAndSubscribe(t, srv.listener.Addr().String())
	defer conn.Close()
	authorize(t, conn, reader, testAddress)

	wb := &workbase.Workbase{
		ID:            workbase.NextID(),
		Height:        100,
		PrevBlockHash: "00" + fmt.Sprintf("%062d", 0),
		Coinb1:        []byte{0x01, 0x02},
		Coinb2:        []byte{0x03, 0x04},
		Bits:          "1d00ffff",
		CurTime:       1700000000,
		NetworkDiff:   1.0,
		CleanJobs:     true,
	}
	store.Publish(wb)
	srv.BroadcastNotify(wb)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var notif struct {
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(line, &notif))
	require.Equal(t, "mining.notify", notif.Method)
	require.Len(t, notif.Params, 9)
}

func TestServerMaxSessionsRejectsExtraConnections(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.deps.MaxSessions = 1
	runServer(t, srv)

	conn1, reader1 := dialAndSubscribe(t, srv.listener.Addr().String())
	defer conn1.Close()
	authorize(t, conn1, reader1, testAddress)

	require.Eventually(t, func() bool {
		return srv.SessionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn2, err := net.DialTimeout("tcp", srv.listener.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn2.Close()

	_, err = conn2.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["test"]}` + "\n"))
	require.NoError(t, err)

	conn2.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = conn2.Read(buf)
	require.Error(t, err) // connection should have been closed by the server
}
