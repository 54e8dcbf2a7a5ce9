// Package workbase defines the block-template data type (Workbase) and the
// Work Generator that keeps a current one up to date by polling a Bitcoin
// node and reacting to ZMQ block notifications.
package workbase

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/basaltpool/stratum-engine/pkg/crypto"
)

// Workbase is one pending/active block template, immutable once
// constructed per spec §3's invariant that stale-but-retained workbases
// never mutate.
type Workbase struct {
	ID            uint64
	Height        int64
	PrevBlockHash string // hex, node byte order (big-endian display, as returned by GBT)
	Coinb1        []byte
	Coinb2        []byte
	MerkleBranch  [][]byte
	Version       uint32
	Bits          string // hex compact target, as returned by GBT
	CurTime       uint32
	NetworkDiff   float64
	CleanJobs     bool
	CreatedAt     time.Time

	// CoinbaseValue is the total block reward in satoshis (subsidy plus
	// fees) as reported by getblocktemplate, carried through for the solo
	// payout ledger's found-block record.
	CoinbaseValue int64

	// RawTransactions holds the non-coinbase transactions exactly as
	// returned by getblocktemplate (full serialized hex, witness data
	// included), needed only for full-block assembly on the block-found
	// path; never touched by the merkle/header hot path above.
	RawTransactions []string
	// WitnessCommitmentHex is the node-supplied default_witness_commitment
	// scriptPubKey, kept alongside the workbase so block assembly doesn't
	// need to re-derive it.
	WitnessCommitmentHex string
}

// Expired reports whether the workbase has aged past the configured grace
// period, measured from its creation time.
func (w *Workbase) Expired(now time.Time, grace time.Duration) bool {
	return now.Sub(w.CreatedAt) > grace
}

// HeaderPrefix returns the first 68 bytes of the 80-byte block header
// (everything before ntime, bits and nonce): version || prev_hash ||
// merkle_root.
// merkleRoot is supplied by the caller since it depends on the session's
// extranonces and is only known at share-submission time.
func (w *Workbase) HeaderPrefix(merkleRoot []byte) ([]byte, error) {
	prevHash, err := hex.DecodeString(w.PrevBlockHash)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 68)
	var verBuf [4]byte
	putUint32LE(verBuf[:], w.Version)
	out = append(out, verBuf[:]...)
	out = append(out, crypto.ReverseBytes(prevHash)...)
	out = append(out, merkleRoot...)
	return out, nil
}

func putUint32LE(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

// idCounter assigns monotonically increasing, process-unique workbase ids.
var idCounter uint64

// NextID returns the next monotonically increasing workbase id.
func NextID() uint64 {
	return atomic.AddUint64(&idCounter, 1)
}

// Store holds the current workbase plus a bounded set of recently-expired
// ones, published via atomic pointer swap so readers (the validator, the
// broadcast loop) never block on a writer (spec §5's "read-mostly
// structure protected by an atomic pointer swap").
type Store struct {
	snapshot atomic.Pointer[snapshotData]
	maxStale int
	grace    time.Duration
}

type snapshotData struct {
	current *Workbase
	stale   []*Workbase // newest first, bounded to maxStale
}

// NewStore creates an empty workbase store with the given retention
// bounds (spec §5's "maximum workbases retained", default 16, and §4.1's
// default 60s grace).
func NewStore(maxStale int, grace time.Duration) *Store {
	s := &Store{maxStale: maxStale, grace: grace}
	s.snapshot.Store(&snapshotData{})
	return s
}

// Publish installs wb as the new current workbase, demoting the previous
// current into the stale set (trimmed to maxStale entries).
func (s *Store) Publish(wb *Workbase) {
	prev := s.snapshot.Load()
	next := &snapshotData{current: wb}

	if prev.current != nil {
		next.stale = append(next.stale, prev.current)
	}
	next.stale = append(next.stale, prev.stale...)
	if len(next.stale) > s.maxStale {
		next.stale = next.stale[:s.maxStale]
	}

	s.snapshot.Store(next)
}

// Current returns the current workbase, or nil if none has been published
// yet.
func (s *Store) Current() *Workbase {
	return s.snapshot.Load().current
}

// Lookup finds a workbase (current or recently-stale) by id. ok is false
// if the id is unknown or the workbase has aged past its grace period.
func (s *Store) Lookup(id uint64, now time.Time) (wb *Workbase, stale bool, ok bool) {
	snap := s.snapshot.Load()

	if snap.current != nil && snap.current.ID == id {
		return snap.current, false, true
	}
	for _, w := range snap.stale {
		if w.ID == id {
			if w.Expired(now, s.grace) {
				return nil, true, false
			}
			return w, true, true
		}
	}
	return nil, false, false
}
