package workbase

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// CoinbaseParams describes everything needed to assemble a pool coinbase
// transaction, grounded in the pack's job-building reference
// (job_build.go's scriptSig clamping and witness-commitment handling),
// adapted to this pool's split coinb1/coinb2 + extranonce placeholder
// design (spec §4.1).
type CoinbaseParams struct {
	Height                int64
	PoolSignature         string
	PayoutScript          []byte
	WitnessCommitmentHex  string // node-supplied default_witness_commitment scriptPubKey, hex
	CoinbaseValue         int64
	Extranonce1Size       int
	Extranonce2Size       int
}

const maxScriptSigLen = 100 // consensus coinbase scriptSig limit (2-100 bytes)

// bip34HeightScript encodes the block height as a minimal-length
// little-endian push, per BIP34.
func bip34HeightScript(height int64) []byte {
	if height == 0 {
		return []byte{0x01, 0x00}
	}
	var buf []byte
	v := height
	for v > 0 {
		buf = append(buf, byte(v&0xff))
		v >>= 8
	}
	if buf[len(buf)-1]&0x80 != 0 {
		buf = append(buf, 0x00)
	}
	return append([]byte{byte(len(buf))}, buf...)
}

// pushData returns a scriptSig push opcode sequence for small (<76 byte)
// data, which both the height push and the pool signature always are.
func pushData(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) < 0x4c {
		return append([]byte{byte(len(data))}, data...)
	}
	return append([]byte{0x4c, byte(len(data))}, data...)
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

// clampCoinbaseMessage truncates the pool signature so the combined
// scriptSig (height push + signature push + extranonce region) never
// exceeds the consensus coinbase scriptSig limit, mirroring the pack's
// clampCoinbaseMessage helper.
func clampCoinbaseMessage(signature string, heightPushLen, extranonceLen int) string {
	budget := maxScriptSigLen - heightPushLen - extranonceLen - 2 // 2 bytes: push opcode + push length
	if budget < 0 {
		budget = 0
	}
	if len(signature) > budget {
		return signature[:budget]
	}
	return signature
}

// BuildCoinbase assembles the legacy (non-witness) serialization of the
// pool's coinbase transaction split around the extranonce1/extranonce2
// placeholder, returning coinb1 (bytes before the placeholder) and coinb2
// (bytes after). The merkle root computed from the resulting transaction
// uses this legacy serialization per consensus rules (txid, not wtxid).
func BuildCoinbase(p CoinbaseParams) (coinb1, coinb2 []byte, err error) {
	if p.Extranonce1Size <= 0 || p.Extranonce2Size <= 0 {
		return nil, nil, fmt.Errorf("invalid extranonce sizes: %d/%d", p.Extranonce1Size, p.Extranonce2Size)
	}

	heightPush := bip34HeightScript(p.Height)
	extranonceLen := p.Extranonce1Size + p.Extranonce2Size
	signature := clampCoinbaseMessage(p.PoolSignature, len(heightPush), extranonceLen)
	sigPush := pushData([]byte(signature))

	scriptSigLen := len(heightPush) + len(sigPush) + extranonceLen

	var buf bytes.Buffer
	// version
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	// single null input
	writeVarInt(&buf, 1)
	buf.Write(make([]byte, 32)) // prevout hash
	binary.Write(&buf, binary.LittleEndian, uint32(0xffffffff))
	writeVarInt(&buf, uint64(scriptSigLen))
	buf.Write(heightPush)
	buf.Write(sigPush)

	coinb1 = append([]byte(nil), buf.Bytes()...)

	buf.Reset()
	binary.Write(&buf, binary.LittleEndian, uint32(0xffffffff)) // sequence

	outputs, err := buildOutputs(p)
	if err != nil {
		return nil, nil, err
	}
	buf.Write(outputs)

	binary.Write(&buf, binary.LittleEndian, uint32(0)) // locktime

	coinb2 = append([]byte(nil), buf.Bytes()...)
	return coinb1, coinb2, nil
}

func buildOutputs(p CoinbaseParams) ([]byte, error) {
	var buf bytes.Buffer

	numOutputs := uint64(1)
	if p.WitnessCommitmentHex != "" {
		numOutputs++
	}
	writeVarInt(&buf, numOutputs)

	binary.Write(&buf, binary.LittleEndian, uint64(p.CoinbaseValue))
	writeVarInt(&buf, uint64(len(p.PayoutScript)))
	buf.Write(p.PayoutScript)

	if p.WitnessCommitmentHex != "" {
		commitScript, err := hex.DecodeString(p.WitnessCommitmentHex)
		if err != nil {
			return nil, fmt.Errorf("invalid witness commitment hex: %w", err)
		}
		binary.Write(&buf, binary.LittleEndian, uint64(0))
		writeVarInt(&buf, uint64(len(commitScript)))
		buf.Write(commitScript)
	}

	return buf.Bytes(), nil
}
