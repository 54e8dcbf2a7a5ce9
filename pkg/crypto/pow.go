// Package crypto provides cryptographic utilities for mining: hashing,
// byte-order helpers, merkle computation, and exact difficulty/target
// arithmetic over 256-bit integers.
package crypto

import (
	"crypto/sha256"
	"math/big"
)

// DoubleSHA256 computes SHA256(SHA256(data)).
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes reverses a byte slice, returning a new slice.
func ReverseBytes(data []byte) []byte {
	result := make([]byte, len(data))
	for i := 0; i < len(data); i++ {
		result[i] = data[len(data)-1-i]
	}
	return result
}

// CompareHashes compares two hashes as big-endian 256-bit numbers.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func CompareHashes(a, b []byte) int {
	if len(a) != 32 || len(b) != 32 {
		return 0
	}
	for i := 0; i < 32; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// HashMeetsTarget reports whether hash (big-endian bytes) is <= target.
func HashMeetsTarget(hash, target []byte) bool {
	return CompareHashes(hash, target) <= 0
}

// diff1Target is the Bitcoin "difficulty 1" target:
// 0x00000000FFFF0000000000000000000000000000000000000000000000000000
var diff1Target = func() *big.Int {
	t, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
	return t
}()

var pow2_256 = new(big.Int).Lsh(big.NewInt(1), 256)

// HashToDifficulty computes the share difficulty of a block header hash.
// hash is the raw SHA256d output in internal (little-endian) byte order,
// exactly as produced by DoubleSHA256 on the 80-byte header. Per spec it is
// interpreted as a little-endian 256-bit integer: difficulty = diff1Target
// / H, computed with exact big.Int division rather than the teacher's
// float approximation.
func HashToDifficulty(hash []byte) float64 {
	if len(hash) != 32 {
		return 0
	}
	h := new(big.Int).SetBytes(ReverseBytes(hash)) // big-endian value of the LE hash
	if h.Sign() == 0 {
		return 0
	}
	// Scale the numerator before dividing to retain fractional precision.
	const scaleBits = 64
	scaled := new(big.Int).Lsh(diff1Target, scaleBits)
	scaled.Div(scaled, h)
	f := new(big.Float).SetInt(scaled)
	f.Quo(f, new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), scaleBits)))
	result, _ := f.Float64()
	return result
}

// DifficultyToTarget converts a pool difficulty into a 32-byte big-endian
// target: target = diff1Target / difficulty.
func DifficultyToTarget(difficulty float64) []byte {
	if difficulty <= 0 {
		difficulty = 1e-9
	}
	const scaleBits = 64
	num := new(big.Int).Lsh(diff1Target, scaleBits)
	denomFloat := new(big.Float).SetFloat64(difficulty)
	denomFloat.Mul(denomFloat, new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), scaleBits)))
	denom, _ := denomFloat.Int(nil)
	if denom.Sign() == 0 {
		denom = big.NewInt(1)
	}
	target := new(big.Int).Div(num, denom)
	if target.Cmp(pow2_256) >= 0 {
		target.Sub(pow2_256, big.NewInt(1))
	}
	buf := make([]byte, 32)
	target.FillBytes(buf)
	return buf
}

// CompactToTarget converts the compact "nBits" representation to a 32-byte
// big-endian target.
func CompactToTarget(bits uint32) []byte {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff

	target := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	} else {
		target.Lsh(target, uint(8*(exponent-3)))
	}

	buf := make([]byte, 32)
	target.FillBytes(buf)
	return buf
}

// CompactToDifficulty converts compact "nBits" directly to a difficulty value.
func CompactToDifficulty(bits uint32) float64 {
	target := CompactToTarget(bits)
	h := new(big.Int).SetBytes(target)
	if h.Sign() == 0 {
		return 0
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(diff1Target), new(big.Float).SetInt(h))
	result, _ := f.Float64()
	return result
}

// MerkleRoot calculates the merkle root from a list of transaction hashes
// (each already double-SHA256'd, internal byte order).
func MerkleRoot(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return make([]byte, 32)
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([][]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 64)
			copy(combined[0:32], level[i])
			copy(combined[32:64], level[i+1])
			next[i/2] = DoubleSHA256(combined)
		}
		level = next
	}
	return level[0]
}

// FoldMerkleBranch folds a coinbase hash through a precomputed merkle
// branch (the authentication path from coinbase to root) to produce the
// block's merkle root.
func FoldMerkleBranch(coinbaseHash []byte, branch [][]byte) []byte {
	hash := make([]byte, 32)
	copy(hash, coinbaseHash)

	for _, sibling := range branch {
		combined := make([]byte, 64)
		copy(combined[0:32], hash)
		copy(combined[32:64], sibling)
		hash = DoubleSHA256(combined)
	}
	return hash
}

// BuildMerkleBranch computes the authentication path for the coinbase
// transaction (assumed to be index 0) given the full list of non-coinbase
// transaction hashes in block order.
func BuildMerkleBranch(txHashes [][]byte) [][]byte {
	if len(txHashes) == 0 {
		return nil
	}

	level := make([][]byte, 0, len(txHashes)+1)
	level = append(level, make([]byte, 32)) // coinbase placeholder at index 0
	level = append(level, txHashes...)

	var branch [][]byte
	index := 0
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		siblingIndex := index ^ 1
		branch = append(branch, level[siblingIndex])

		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 64)
			copy(combined[0:32], level[i])
			copy(combined[32:64], level[i+1])
			next[i/2] = DoubleSHA256(combined)
		}
		level = next
		index /= 2
	}
	return branch
}
