package address

import (
	"fmt"
	"regexp"
)

// Network identifies which Bitcoin network an address must be valid for.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

type networkParams struct {
	hrp            string
	pubKeyHashVer  byte
	scriptHashVer  byte
}

var paramsByNetwork = map[Network]networkParams{
	Mainnet: {hrp: "bc", pubKeyHashVer: 0x00, scriptHashVer: 0x05},
	Testnet: {hrp: "tb", pubKeyHashVer: 0x6F, scriptHashVer: 0xC4},
	Signet:  {hrp: "tb", pubKeyHashVer: 0x6F, scriptHashVer: 0xC4},
	Regtest: {hrp: "bcrt", pubKeyHashVer: 0x6F, scriptHashVer: 0xC4},
}

// Kind describes which script family a validated address decodes to.
type Kind string

const (
	KindP2PKH   Kind = "p2pkh"
	KindP2SH    Kind = "p2sh"
	KindSegwit  Kind = "segwit"
)

// Validated holds the result of a successful address validation.
type Validated struct {
	Kind           Kind
	ScriptPubKey   []byte
	WitnessVersion int // -1 for non-segwit
}

// Validate checks that s is a well-formed, correctly-checksummed payout
// address for the given network and returns its decoded scriptPubKey. It
// accepts base58check P2PKH/P2SH and bech32/bech32m SegWit addresses.
func Validate(s string, network Network) (*Validated, error) {
	params, ok := paramsByNetwork[network]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}

	if prog, err := decodeSegwitAddress(params.hrp, s); err == nil {
		return &Validated{
			Kind:           KindSegwit,
			ScriptPubKey:   segwitScriptPubKey(prog),
			WitnessVersion: prog.Version,
		}, nil
	}

	version, payload, err := base58CheckDecode(s)
	if err != nil {
		return nil, fmt.Errorf("not a valid address for %s: %w", network, err)
	}
	if len(payload) != 20 {
		return nil, fmt.Errorf("invalid payload length %d", len(payload))
	}

	switch version {
	case params.pubKeyHashVer:
		return &Validated{Kind: KindP2PKH, ScriptPubKey: p2pkhScriptPubKey(payload), WitnessVersion: -1}, nil
	case params.scriptHashVer:
		return &Validated{Kind: KindP2SH, ScriptPubKey: p2shScriptPubKey(payload), WitnessVersion: -1}, nil
	default:
		return nil, fmt.Errorf("version byte 0x%02x does not match network %s", version, network)
	}
}

// segwitScriptPubKey builds OP_n <push program> for a validated witness
// program: OP_0 for version 0, OP_1..OP_16 for version 1-16.
func segwitScriptPubKey(p *SegwitProgram) []byte {
	var opVersion byte
	if p.Version == 0 {
		opVersion = 0x00
	} else {
		opVersion = byte(0x50 + p.Version)
	}
	out := make([]byte, 0, 2+len(p.Program))
	out = append(out, opVersion, byte(len(p.Program)))
	out = append(out, p.Program...)
	return out
}

// p2pkhScriptPubKey builds OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY OP_CHECKSIG.
func p2pkhScriptPubKey(hash160 []byte) []byte {
	out := make([]byte, 0, 25)
	out = append(out, 0x76, 0xa9, 0x14)
	out = append(out, hash160...)
	out = append(out, 0x88, 0xac)
	return out
}

// p2shScriptPubKey builds OP_HASH160 <20 bytes> OP_EQUAL.
func p2shScriptPubKey(hash160 []byte) []byte {
	out := make([]byte, 0, 23)
	out = append(out, 0xa9, 0x14)
	out = append(out, hash160...)
	out = append(out, 0x87)
	return out
}

// signatureCharset matches the printable ASCII subset permitted in a pool
// coinbase signature tag or a miner-suggested signature: letters, digits,
// and a small set of punctuation safe to embed in a scriptSig push.
var signatureCharset = regexp.MustCompile(`^[A-Za-z0-9_\-.:!#/ ]*$`)

const maxSignatureLength = 20

// ValidateSignature checks a pool or per-session coinbase signature tag
// against the permitted charset and length limit.
func ValidateSignature(s string) error {
	if s == "" {
		return fmt.Errorf("signature must not be empty")
	}
	if len(s) > maxSignatureLength {
		return fmt.Errorf("signature exceeds %d bytes", maxSignatureLength)
	}
	if !signatureCharset.MatchString(s) {
		return fmt.Errorf("signature contains disallowed characters")
	}
	return nil
}
