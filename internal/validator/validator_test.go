package validator

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/basaltpool/stratum-engine/internal/workbase"
	"github.com/stretchr/testify/require"
)

func buildTestWorkbase(t *testing.T, curTime uint32, networkDiff float64) (*workbase.Store, []byte, []byte) {
	t.Helper()

	extranonce1Size, extranonce2Size := 4, 4
	coinb1, coinb2, err := workbase.BuildCoinbase(workbase.CoinbaseParams{
		Height:          1,
		PoolSignature:   "test-pool",
		PayoutScript:    make([]byte, 25),
		CoinbaseValue:   100,
		Extranonce1Size: extranonce1Size,
		Extranonce2Size: extranonce2Size,
	})
	require.NoError(t, err)

	wb := &workbase.Workbase{
		ID:            1,
		PrevBlockHash: strings.Repeat("00", 32),
		Coinb1:        coinb1,
		Coinb2:        coinb2,
		MerkleBranch:  nil,
		Version:       1,
		Bits:          "1d00ffff",
		CurTime:       curTime,
		NetworkDiff:   networkDiff,
		CreatedAt:     time.Now(),
	}

	store := workbase.NewStore(16, time.Minute)
	store.Publish(wb)

	extranonce1 := []byte{0x01, 0x02, 0x03, 0x04}
	extranonce2 := []byte{0x00, 0x00, 0x00, 0x01}
	return store, extranonce1, extranonce2
}

func TestValidateRejectsUnknownWorkbase(t *testing.T) {
	store, _, _ := buildTestWorkbase(t, uint32(time.Now().Unix()), 1000000)
	v := New(store, nil)

	result, err := v.Validate(Submission{
		WorkbaseID:  999,
		Extranonce1: "01020304",
		Extranonce2: "00000001",
		NTime:       hex.EncodeToString([]byte{0, 0, 0, 1}),
		Nonce:       "00000000",
		SessionDiff: 1,
	}, time.Now())

	require.NoError(t, err)
	require.Equal(t, RejectedStale, result.Outcome)
	require.True(t, result.IsStale)
}

func TestValidateRejectsDuplicate(t *testing.T) {
	store, e1, e2 := buildTestWorkbase(t, uint32(time.Now().Unix()), 1e15)
	v := New(store, nil)

	seen := map[ShareTuple]bool{}
	sub := Submission{
		WorkbaseID:  1,
		Extranonce1: hex.EncodeToString(e1),
		Extranonce2: hex.EncodeToString(e2),
		NTime:       hex.EncodeToString(u32be(uint32(time.Now().Unix()))),
		Nonce:       "00000000",
		SessionDiff: 0,
		AlreadySeen: func(tup ShareTuple) bool { return seen[tup] },
		RecordSeen:  func(tup ShareTuple) { seen[tup] = true },
	}

	first, err := v.Validate(sub, time.Now())
	require.NoError(t, err)
	require.Equal(t, Accepted, first.Outcome)

	second, err := v.Validate(sub, time.Now())
	require.NoError(t, err)
	require.Equal(t, RejectedDuplicate, second.Outcome)
}

func TestValidateRejectsNtimeOutOfWindow(t *testing.T) {
	now := time.Now()
	store, e1, e2 := buildTestWorkbase(t, uint32(now.Unix()), 1e15)
	v := New(store, nil)

	tooOld := uint32(now.Unix()) - 10000
	sub := Submission{
		WorkbaseID:  1,
		Extranonce1: hex.EncodeToString(e1),
		Extranonce2: hex.EncodeToString(e2),
		NTime:       hex.EncodeToString(u32be(tooOld)),
		Nonce:       "00000000",
		SessionDiff: 1,
	}

	result, err := v.Validate(sub, now)
	require.NoError(t, err)
	require.Equal(t, RejectedTimeWindow, result.Outcome)
}

func TestValidateRejectsLowDifficultyShare(t *testing.T) {
	now := time.Now()
	store, e1, e2 := buildTestWorkbase(t, uint32(now.Unix()), 1e15)
	v := New(store, nil)

	sub := Submission{
		WorkbaseID:  1,
		Extranonce1: hex.EncodeToString(e1),
		Extranonce2: hex.EncodeToString(e2),
		NTime:       hex.EncodeToString(u32be(uint32(now.Unix()))),
		Nonce:       "00000000",
		SessionDiff: 1e18, // impossibly high, guaranteed rejection
	}

	result, err := v.Validate(sub, now)
	require.NoError(t, err)
	require.Equal(t, RejectedLowDifficulty, result.Outcome)
}

func TestValidateAcceptsPlausibleShare(t *testing.T) {
	now := time.Now()
	store, e1, e2 := buildTestWorkbase(t, uint32(now.Unix()), 1e15)
	v := New(store, nil)

	sub := Submission{
		WorkbaseID:  1,
		Extranonce1: hex.EncodeToString(e1),
		Extranonce2: hex.EncodeToString(e2),
		NTime:       hex.EncodeToString(u32be(uint32(now.Unix()))),
		Nonce:       "00000000",
		SessionDiff: 0,
	}

	result, err := v.Validate(sub, now)
	require.NoError(t, err)
	require.Equal(t, Accepted, result.Outcome)
	require.Greater(t, result.ShareDiff, 0.0)
	require.False(t, result.BlockFound)
}

func TestValidateLowNetworkDiffStillComparesRealShareDiff(t *testing.T) {
	now := time.Now()
	store, e1, e2 := buildTestWorkbase(t, uint32(now.Unix()), 1.0) // signet-style trivial network diff
	v := New(store, nil)

	sub := Submission{
		WorkbaseID:  1,
		Extranonce1: hex.EncodeToString(e1),
		Extranonce2: hex.EncodeToString(e2),
		NTime:       hex.EncodeToString(u32be(uint32(now.Unix()))),
		Nonce:       "00000000",
		SessionDiff: 0,
	}

	result, err := v.Validate(sub, now)
	require.NoError(t, err)
	require.Equal(t, Accepted, result.Outcome)
	require.False(t, result.BlockFound)
	require.Empty(t, result.BlockHex)
}

func TestAssembleBlockProducesSegwitCoinbase(t *testing.T) {
	store, e1, e2 := buildTestWorkbase(t, uint32(time.Now().Unix()), 1.0)
	wb := store.Current()

	header := make([]byte, 80)
	blockHex, err := AssembleBlock(header, wb, e1, e2)
	require.NoError(t, err)
	require.NotEmpty(t, blockHex)

	raw, err := hex.DecodeString(blockHex)
	require.NoError(t, err)
	require.Greater(t, len(raw), 80)

	coinbaseStart := 80 + 1 // header + tx-count varint (1 tx, <0xfd)
	require.Equal(t, byte(0x00), raw[coinbaseStart+4])
	require.Equal(t, byte(0x01), raw[coinbaseStart+5])
}

func u32be(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
