package validator

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/basaltpool/stratum-engine/internal/workbase"
)

// witnessReservedValue is the all-zero 32-byte value pools commonly place in
// the coinbase's witness stack. default_witness_commitment, taken verbatim
// from the node, was computed assuming this same all-zero reserved value,
// so no independent commitment math is needed here.
var witnessReservedValue = make([]byte, 32)

// AssembleBlock rebuilds the full serialized block (header + segwit
// coinbase transaction + the node-supplied raw transactions) for
// submission via submitblock. header is the already-assembled 80-byte
// block header (the same one the validator hashed to judge share_diff).
// Unlike the coinb1/coinb2 halves used for merkle-root computation
// (legacy, non-witness serialization per consensus), the coinbase
// transaction submitted in the final block must carry the segwit marker,
// flag, and witness stack.
func AssembleBlock(header []byte, wb *workbase.Workbase, extranonce1, extranonce2 []byte) (string, error) {
	if len(header) != 80 {
		return "", fmt.Errorf("block header must be 80 bytes, got %d", len(header))
	}

	coinbaseTx, err := segwitCoinbaseTx(wb, extranonce1, extranonce2)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.Write(header)
	writeVarInt(&buf, uint64(1+len(wb.RawTransactions)))
	buf.Write(coinbaseTx)
	for _, txHex := range wb.RawTransactions {
		txBytes, err := hex.DecodeString(txHex)
		if err != nil {
			return "", fmt.Errorf("invalid raw transaction hex: %w", err)
		}
		buf.Write(txBytes)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

func segwitCoinbaseTx(wb *workbase.Workbase, extranonce1, extranonce2 []byte) ([]byte, error) {
	if len(wb.Coinb1) < 4+1+36+1 {
		return nil, fmt.Errorf("coinb1 too short")
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // version
	buf.WriteByte(0x00)                                // segwit marker
	buf.WriteByte(0x01)                                // segwit flag
	writeVarInt(&buf, 1)                               // input count
	buf.Write(wb.Coinb1[5 : 5+36])                     // null prevout hash + index

	scriptSig := extractScriptSig(wb.Coinb1, extranonce1, extranonce2)
	writeVarInt(&buf, uint64(len(scriptSig)))
	buf.Write(scriptSig)
	buf.Write(wb.Coinb2[0:4]) // sequence

	buf.Write(wb.Coinb2[4 : len(wb.Coinb2)-4]) // output count + outputs, verbatim from coinb2 (its trailing locktime is written below)

	writeVarInt(&buf, 1) // one witness stack item on the single input
	writeVarInt(&buf, uint64(len(witnessReservedValue)))
	buf.Write(witnessReservedValue)

	binary.Write(&buf, binary.LittleEndian, uint32(0)) // locktime

	return buf.Bytes(), nil
}

// extractScriptSig rebuilds the full scriptSig (height push + signature
// push + extranonce1 + extranonce2) from coinb1's tail, which already
// contains everything up to and including the signature push.
func extractScriptSig(coinb1, extranonce1, extranonce2 []byte) []byte {
	const prefixLen = 4 + 1 + 36 + 1
	tail := coinb1[prefixLen:]
	full := make([]byte, 0, len(tail)+len(extranonce1)+len(extranonce2))
	full = append(full, tail...)
	full = append(full, extranonce1...)
	full = append(full, extranonce2...)
	return full
}

func writeVarInt(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		binary.Write(buf, binary.LittleEndian, uint16(n))
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		binary.Write(buf, binary.LittleEndian, uint32(n))
	default:
		buf.WriteByte(0xff)
		binary.Write(buf, binary.LittleEndian, n)
	}
}
