package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerkleRoundTrip(t *testing.T) {
	coinbase := DoubleSHA256([]byte("coinbase"))
	tx1 := DoubleSHA256([]byte("tx1"))
	tx2 := DoubleSHA256([]byte("tx2"))
	tx3 := DoubleSHA256([]byte("tx3"))

	root := MerkleRoot([][]byte{coinbase, tx1, tx2, tx3})

	branch := BuildMerkleBranch([][]byte{tx1, tx2, tx3})
	folded := FoldMerkleBranch(coinbase, branch)

	require.Equal(t, root, folded)
}

func TestMerkleRootSingleton(t *testing.T) {
	coinbase := DoubleSHA256([]byte("only"))
	require.Equal(t, coinbase, MerkleRoot([][]byte{coinbase}))
	require.Nil(t, BuildMerkleBranch(nil))
}

func TestDifficultyToTargetAtDifficultyOne(t *testing.T) {
	target := DifficultyToTarget(1.0)
	// difficulty 1 target is 0x00000000FFFF0000...
	require.Equal(t, byte(0xFF), target[4])
	require.Equal(t, byte(0xFF), target[5])
}

func TestCompactToDifficulty(t *testing.T) {
	// Bitcoin mainnet genesis nBits: 0x1d00ffff corresponds to difficulty 1.0
	diff := CompactToDifficulty(0x1d00ffff)
	require.InDelta(t, 1.0, diff, 0.001)
}

func TestHashMeetsTarget(t *testing.T) {
	low := make([]byte, 32)
	high := make([]byte, 32)
	high[0] = 0xFF
	require.True(t, HashMeetsTarget(low, high))
	require.False(t, HashMeetsTarget(high, low))
}
