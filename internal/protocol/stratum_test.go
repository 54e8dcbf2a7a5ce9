package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSubmitParams(t *testing.T) {
	raw := json.RawMessage(`["bc1q....rig01", "j1", "00000001", "5f5e1000", "deadbeef"]`)
	params, err := ParseSubmitParams(raw)
	require.NoError(t, err)
	require.Equal(t, "j1", params.JobID)
	require.Equal(t, "deadbeef", params.Nonce)
}

func TestParseSubmitParamsMalformed(t *testing.T) {
	raw := json.RawMessage(`["only", "two"]`)
	_, err := ParseSubmitParams(raw)
	require.Error(t, err)
	serr, ok := err.(*StratumError)
	require.True(t, ok)
	require.Equal(t, ErrMalformed, serr.Code)
}

func TestSubscribeResultMarshalsPositionally(t *testing.T) {
	result := SubscribeResult{
		Subscriptions: [][]interface{}{
			{"mining.set_difficulty", "sub1"},
			{"mining.notify", "sub1"},
		},
		Extranonce1:     "a1b2c3d4",
		Extranonce2Size: 4,
	}
	out, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded []interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded, 3)
	require.Equal(t, "a1b2c3d4", decoded[1])
}

func TestNotifyParamsMarshalsPositionally(t *testing.T) {
	p := NotifyParams{
		JobID:          "j1",
		PrevBlockHash:  "00" + "aa",
		Coinbase1:      "01",
		Coinbase2:      "02",
		MerkleBranches: []string{"aa", "bb"},
		Version:        "20000000",
		NBits:          "1d00ffff",
		NTime:          "5f5e1000",
		CleanJobs:      true,
	}
	out, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded []interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded, 9)
	require.Equal(t, true, decoded[8])
}

func TestErrorCodesMatchTaxonomy(t *testing.T) {
	require.Equal(t, 21, ErrStaleShare)
	require.Equal(t, 22, ErrDuplicateShare)
	require.Equal(t, 23, ErrLowDifficultyShare)
	require.Equal(t, 24, ErrUnauthorized)
	require.Equal(t, 25, ErrInvalidParams)
	require.Equal(t, 26, ErrMalformed)
}
