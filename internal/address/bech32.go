// Package address validates Bitcoin payout addresses (base58check P2PKH/P2SH,
// bech32 witness v0, bech32m witness v1+) and the pool/per-session coinbase
// signature tag, per BIP173 and BIP350.
package address

import (
	"fmt"
	"strings"
)

const (
	bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	// checksumConstBech32 is the polymod XOR constant for plain bech32
	// (BIP173), used for witness version 0.
	checksumConstBech32 = 1
	// checksumConstBech32m is the polymod XOR constant for bech32m
	// (BIP350), used for witness versions 1 and above.
	checksumConstBech32m = 0x2bc830a3
)

// bech32Variant identifies which checksum constant validated a decode.
type bech32Variant int

const (
	variantInvalid bech32Variant = iota
	variantBech32
	variantBech32m
)

var charsetRev = func() [128]int8 {
	var rev [128]int8
	for i := range rev {
		rev[i] = -1
	}
	for i, c := range bech32Charset {
		rev[c] = int8(i)
	}
	return rev
}()

// polymod implements the BIP173 generator polynomial over GF(32).
func polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

// hrpExpand expands the human-readable part into the polymod input
// described by BIP173: high bits of each character, a zero separator, then
// low bits of each character.
func hrpExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]&31)
	}
	return out
}

// bech32Decode decodes a bech32 or bech32m string, verifying the checksum
// against both known constants and reporting which variant matched.
func bech32Decode(s string) (hrp string, data []byte, variant bech32Variant, err error) {
	if len(s) < 8 || len(s) > 90 {
		return "", nil, variantInvalid, fmt.Errorf("invalid length: %d", len(s))
	}

	lower := strings.ToLower(s)
	upper := strings.ToUpper(s)
	if s != lower && s != upper {
		return "", nil, variantInvalid, fmt.Errorf("mixed case")
	}
	s = lower

	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || sep+7 > len(s) {
		return "", nil, variantInvalid, fmt.Errorf("invalid separator position")
	}

	hrp = s[:sep]
	for i := 0; i < len(hrp); i++ {
		if hrp[i] < 33 || hrp[i] > 126 {
			return "", nil, variantInvalid, fmt.Errorf("invalid hrp character")
		}
	}

	dataPart := s[sep+1:]
	values := make([]byte, len(dataPart))
	for i := 0; i < len(dataPart); i++ {
		c := dataPart[i]
		if c >= 128 || charsetRev[c] == -1 {
			return "", nil, variantInvalid, fmt.Errorf("invalid character %q", c)
		}
		values[i] = byte(charsetRev[c])
	}

	combined := append(hrpExpand(hrp), values...)
	checksum := polymod(combined)

	switch checksum {
	case checksumConstBech32:
		variant = variantBech32
	case checksumConstBech32m:
		variant = variantBech32m
	default:
		return "", nil, variantInvalid, fmt.Errorf("invalid checksum")
	}

	return hrp, values[:len(values)-6], variant, nil
}

// convertBits regroups a slice of fromBits-wide integers into toBits-wide
// integers, per BIP173's witness program packing.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	maxv := uint32(1<<toBits) - 1
	var out []byte

	for _, value := range data {
		if value>>fromBits != 0 {
			return nil, fmt.Errorf("invalid data value")
		}
		acc = (acc << fromBits) | uint32(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			out = append(out, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, fmt.Errorf("invalid padding")
	}

	return out, nil
}

// SegwitProgram is a decoded witness version + program.
type SegwitProgram struct {
	Version int
	Program []byte
}

// decodeSegwitAddress decodes and fully validates a bech32/bech32m SegWit
// address against the expected human-readable prefix.
func decodeSegwitAddress(expectedHRP, s string) (*SegwitProgram, error) {
	hrp, data, variant, err := bech32Decode(s)
	if err != nil {
		return nil, err
	}
	if hrp != expectedHRP {
		return nil, fmt.Errorf("hrp mismatch: got %q want %q", hrp, expectedHRP)
	}
	if len(data) < 1 {
		return nil, fmt.Errorf("empty witness data")
	}

	version := int(data[0])
	if version > 16 {
		return nil, fmt.Errorf("invalid witness version %d", version)
	}

	// Witness version 0 must checksum as bech32; v1+ must checksum as
	// bech32m (BIP350).
	if version == 0 && variant != variantBech32 {
		return nil, fmt.Errorf("witness v0 must use bech32 checksum")
	}
	if version != 0 && variant != variantBech32m {
		return nil, fmt.Errorf("witness v%d must use bech32m checksum", version)
	}

	program, err := convertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("invalid witness program: %w", err)
	}
	if len(program) < 2 || len(program) > 40 {
		return nil, fmt.Errorf("invalid witness program length: %d", len(program))
	}
	if version == 0 && len(program) != 20 && len(program) != 32 {
		return nil, fmt.Errorf("invalid witness v0 program length: %d", len(program))
	}

	return &SegwitProgram{Version: version, Program: program}, nil
}
