// Package validator implements the Share Validator: the authoritative
// accept/reject decision for every submitted share, per the ordered
// algorithm of the pool's protocol (lookup, duplicate check, time window,
// header reconstruction, difficulty comparison, and the block-found path).
package validator

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/basaltpool/stratum-engine/internal/bitcoin"
	"github.com/basaltpool/stratum-engine/internal/workbase"
	"github.com/basaltpool/stratum-engine/pkg/crypto"
)

// Outcome is the disposition of a submitted share.
type Outcome int

const (
	Accepted Outcome = iota
	RejectedStale
	RejectedDuplicate
	RejectedTimeWindow
	RejectedLowDifficulty
	RejectedMalformed
)

// ShareTuple identifies a unique submission for duplicate detection.
type ShareTuple struct {
	WorkbaseID  uint64
	Extranonce2 string
	NTime       string
	Nonce       string
}

// Submission carries everything the validator needs to judge one share.
type Submission struct {
	WorkbaseID     uint64
	Extranonce1    string // hex, pool-assigned per session
	Extranonce2    string // hex, miner-supplied
	NTime          string // hex, miner-supplied
	Nonce          string // hex, miner-supplied
	SessionDiff    float64
	AlreadySeen    func(ShareTuple) bool
	RecordSeen     func(ShareTuple)
}

// Result is the validator's verdict plus the measurements needed downstream
// (vardiff rate tracking, event emission, block submission).
type Result struct {
	Outcome    Outcome
	ShareDiff  float64
	Workbase   *workbase.Workbase
	IsStale    bool
	BlockFound bool
	BlockHex   string
	Reason     string
}

// Validator holds the dependencies shared across all submissions: the
// workbase store to resolve ids against and the Bitcoin RPC client to
// submit found blocks to.
type Validator struct {
	store *workbase.Store
	rpc   *bitcoin.Client
}

// New creates a Share Validator.
func New(store *workbase.Store, rpc *bitcoin.Client) *Validator {
	return &Validator{store: store, rpc: rpc}
}

// Validate runs the ordered acceptance algorithm against one submission.
// now is supplied by the caller so tests can drive exact timings.
func (v *Validator) Validate(sub Submission, now time.Time) (*Result, error) {
	wb, stale, ok := v.store.Lookup(sub.WorkbaseID, now)
	if !ok {
		return &Result{Outcome: RejectedStale, IsStale: true, Reason: "unknown or expired workbase"}, nil
	}

	tuple := ShareTuple{
		WorkbaseID:  sub.WorkbaseID,
		Extranonce2: sub.Extranonce2,
		NTime:       sub.NTime,
		Nonce:       sub.Nonce,
	}
	if sub.AlreadySeen != nil && sub.AlreadySeen(tuple) {
		return &Result{Outcome: RejectedDuplicate, Workbase: wb, IsStale: stale, Reason: "duplicate submission"}, nil
	}

	ntimeVal, err := hexToUint32(sub.NTime)
	if err != nil {
		return &Result{Outcome: RejectedMalformed, Workbase: wb, Reason: "malformed ntime"}, nil
	}
	lowerBound := int64(wb.CurTime) - 600
	upperBound := now.Unix() + 7200
	if int64(ntimeVal) < lowerBound || int64(ntimeVal) > upperBound {
		return &Result{Outcome: RejectedTimeWindow, Workbase: wb, IsStale: stale, Reason: "ntime out of window"}, nil
	}

	extranonce1, err := hex.DecodeString(sub.Extranonce1)
	if err != nil {
		return nil, fmt.Errorf("invalid extranonce1: %w", err)
	}
	extranonce2, err := hex.DecodeString(sub.Extranonce2)
	if err != nil {
		return &Result{Outcome: RejectedMalformed, Workbase: wb, Reason: "malformed extranonce2"}, nil
	}

	coinbase := make([]byte, 0, len(wb.Coinb1)+len(extranonce1)+len(extranonce2)+len(wb.Coinb2))
	coinbase = append(coinbase, wb.Coinb1...)
	coinbase = append(coinbase, extranonce1...)
	coinbase = append(coinbase, extranonce2...)
	coinbase = append(coinbase, wb.Coinb2...)
	coinbaseHash := crypto.DoubleSHA256(coinbase)
	merkleRoot := crypto.FoldMerkleBranch(coinbaseHash, wb.MerkleBranch)

	headerPrefix, err := wb.HeaderPrefix(merkleRoot)
	if err != nil {
		return nil, fmt.Errorf("build header prefix: %w", err)
	}

	bitsBytes, err := hex.DecodeString(wb.Bits)
	if err != nil || len(bitsBytes) != 4 {
		return nil, fmt.Errorf("invalid workbase bits %q", wb.Bits)
	}

	header := make([]byte, 0, 80)
	header = append(header, headerPrefix...)
	var ntimeLE [4]byte
	putUint32LE(ntimeLE[:], ntimeVal)
	header = append(header, ntimeLE[:]...)
	header = append(header, reverseCopy(bitsBytes)...)
	nonceVal, err := hexToUint32(sub.Nonce)
	if err != nil {
		return &Result{Outcome: RejectedMalformed, Workbase: wb, Reason: "malformed nonce"}, nil
	}
	var nonceLE [4]byte
	putUint32LE(nonceLE[:], nonceVal)
	header = append(header, nonceLE[:]...)

	headerHash := crypto.DoubleSHA256(header)
	shareDiff := crypto.HashToDifficulty(headerHash)

	if shareDiff < sub.SessionDiff*0.999 {
		return &Result{Outcome: RejectedLowDifficulty, ShareDiff: shareDiff, Workbase: wb, IsStale: stale, Reason: "below session difficulty"}, nil
	}

	if sub.RecordSeen != nil {
		sub.RecordSeen(tuple)
	}

	result := &Result{Outcome: Accepted, ShareDiff: shareDiff, Workbase: wb, IsStale: stale}

	if shareDiff >= wb.NetworkDiff {
		blockHex, assembleErr := AssembleBlock(header, wb, extranonce1, extranonce2)
		if assembleErr != nil {
			return result, fmt.Errorf("assemble block: %w", assembleErr)
		}
		result.BlockFound = true
		result.BlockHex = blockHex
		if v.rpc != nil {
			_ = v.rpc.SubmitBlock(blockHex) // result intentionally ignored here; caller logs/emits
		}
	}

	return result, nil
}

func hexToUint32(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("invalid 4-byte hex %q", s)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func putUint32LE(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func reverseCopy(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}
