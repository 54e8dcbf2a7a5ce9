package workbase

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/basaltpool/stratum-engine/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func TestBuildCoinbaseSplitRecombinesToValidScriptSig(t *testing.T) {
	coinb1, coinb2, err := BuildCoinbase(CoinbaseParams{
		Height:          800000,
		PoolSignature:   "basalt-pool/1.0",
		PayoutScript:    []byte{0x76, 0xa9, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 0x88, 0xac},
		CoinbaseValue:   625000000,
		Extranonce1Size: 4,
		Extranonce2Size: 4,
	})
	require.NoError(t, err)
	require.NotEmpty(t, coinb1)
	require.NotEmpty(t, coinb2)

	extranonce1 := []byte{0xa1, 0xb2, 0xc3, 0xd4}
	extranonce2 := []byte{0x00, 0x00, 0x00, 0x01}

	full := append(append(append([]byte{}, coinb1...), extranonce1...), extranonce2...)
	full = append(full, coinb2...)

	// version (4) + input count (1) + prevout hash (32) + prevout index (4) + scriptsig varint (1)
	scriptSigLenOffset := 4 + 1 + 32 + 4
	scriptSigLen := int(full[scriptSigLenOffset])
	scriptSigStart := scriptSigLenOffset + 1
	scriptSig := full[scriptSigStart : scriptSigStart+scriptSigLen]

	require.Len(t, scriptSig, scriptSigLen)
	// scriptSig must end with the extranonce bytes we just inserted.
	require.Equal(t, extranonce2, scriptSig[len(scriptSig)-4:])
	require.Equal(t, extranonce1, scriptSig[len(scriptSig)-8:len(scriptSig)-4])
}

func TestCoinbaseMessageClampedToScriptSigLimit(t *testing.T) {
	longSig := ""
	for i := 0; i < 50; i++ {
		longSig += "x"
	}
	coinb1, coinb2, err := BuildCoinbase(CoinbaseParams{
		Height:          1,
		PoolSignature:   longSig,
		PayoutScript:    make([]byte, 25),
		CoinbaseValue:   100,
		Extranonce1Size: 4,
		Extranonce2Size: 4,
	})
	require.NoError(t, err)

	scriptSigLenOffset := 4 + 1 + 32 + 4
	full := append(append([]byte{}, coinb1...), coinb2...)
	scriptSigLen := int(full[scriptSigLenOffset])
	require.LessOrEqual(t, scriptSigLen, maxScriptSigLen)
}

func TestStorePublishAndLookup(t *testing.T) {
	store := NewStore(2, time.Minute)

	wb1 := &Workbase{ID: 1, PrevBlockHash: "aa", CreatedAt: time.Now()}
	store.Publish(wb1)

	found, stale, ok := store.Lookup(1, time.Now())
	require.True(t, ok)
	require.False(t, stale)
	require.Equal(t, wb1, found)

	wb2 := &Workbase{ID: 2, PrevBlockHash: "bb", CreatedAt: time.Now()}
	store.Publish(wb2)

	found, stale, ok = store.Lookup(1, time.Now())
	require.True(t, ok)
	require.True(t, stale)
	require.Equal(t, wb1, found)

	require.Equal(t, wb2, store.Current())
}

func TestStoreLookupUnknownID(t *testing.T) {
	store := NewStore(16, time.Minute)
	store.Publish(&Workbase{ID: 1, CreatedAt: time.Now()})

	_, _, ok := store.Lookup(999, time.Now())
	require.False(t, ok)
}

func TestStoreExpiresPastGrace(t *testing.T) {
	store := NewStore(16, 60*time.Second)
	old := &Workbase{ID: 1, CreatedAt: time.Now().Add(-2 * time.Minute)}
	store.Publish(old)
	store.Publish(&Workbase{ID: 2, CreatedAt: time.Now()})

	_, stale, ok := store.Lookup(1, time.Now())
	require.False(t, ok)
	require.True(t, stale)
}

func TestHeaderPrefixLayout(t *testing.T) {
	wb := &Workbase{
		Version:       0x20000000,
		PrevBlockHash: "0000000000000000000000000000000000000000000000000000000000000000",
	}
	merkleRoot := make([]byte, 32)
	merkleRoot[0] = 0xAB

	prefix, err := wb.HeaderPrefix(merkleRoot)
	require.NoError(t, err)
	require.Len(t, prefix, 68)

	version := binary.LittleEndian.Uint32(prefix[0:4])
	require.Equal(t, wb.Version, version)
	require.Equal(t, merkleRoot, prefix[36:68])
}

func TestMerkleBranchFoldsWithRealCoinbaseHash(t *testing.T) {
	coinb1, coinb2, err := BuildCoinbase(CoinbaseParams{
		Height:          1,
		PoolSignature:   "x",
		PayoutScript:    make([]byte, 25),
		CoinbaseValue:   100,
		Extranonce1Size: 4,
		Extranonce2Size: 4,
	})
	require.NoError(t, err)

	full := append(append(append([]byte{}, coinb1...), []byte{1, 2, 3, 4, 5, 6, 7, 8}...), coinb2...)
	coinbaseHash := crypto.DoubleSHA256(full)

	tx1 := crypto.DoubleSHA256([]byte("tx1"))
	branch := crypto.BuildMerkleBranch([][]byte{tx1})
	root := crypto.MerkleRoot([][]byte{coinbaseHash, tx1})
	folded := crypto.FoldMerkleBranch(coinbaseHash, branch)

	require.Equal(t, root, folded)
}
