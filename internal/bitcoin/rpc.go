// Package bitcoin wraps the Bitcoin Core JSON-RPC and ZMQ collaborators:
// block template acquisition, block submission, and new-block
// notification.
package bitcoin

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/rpcclient"
)

// Client wraps rpcclient.Client with the specific calls the work generator
// and share validator need. getblocktemplate, submitblock, and
// validateaddress are issued through RawRequest with hand-rolled request/
// response structs matching the BIP22/23 wire schema directly, since that
// schema is considerably more stable across node versions than any single
// RPC library's typed bindings.
type Client struct {
	rpc *rpcclient.Client
}

// NewClient connects to a Bitcoin Core RPC endpoint with HTTP basic auth.
func NewClient(rpcURL, user, pass string) (*Client, error) {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bitcoin_rpc_url: %w", err)
	}

	cfg := &rpcclient.ConnConfig{
		Host:         parsed.Host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   parsed.Scheme != "https",
	}

	rpc, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}

	return &Client{rpc: rpc}, nil
}

// Shutdown releases the underlying RPC client's resources.
func (c *Client) Shutdown() {
	c.rpc.Shutdown()
}

// GetBlockCount returns the current chain height, used as a startup
// reachability check.
func (c *Client) GetBlockCount() (int64, error) {
	return c.rpc.GetBlockCount()
}

// TemplateTx is one transaction offered by getblocktemplate.
type TemplateTx struct {
	Data    string `json:"data"`
	TxID    string `json:"txid"`
	Hash    string `json:"hash"`
	Fee     int64  `json:"fee"`
	SigOps  int64  `json:"sigops"`
	Weight  int64  `json:"weight"`
}

// BlockTemplate is the subset of the getblocktemplate response the work
// generator consumes, named per BIP22/23.
type BlockTemplate struct {
	Version                  int32        `json:"version"`
	PreviousBlockHash        string       `json:"previousblockhash"`
	Transactions             []TemplateTx `json:"transactions"`
	CoinbaseValue            int64        `json:"coinbasevalue"`
	Target                   string       `json:"target"`
	MinTime                  int64        `json:"mintime"`
	CurTime                  int64        `json:"curtime"`
	Bits                     string       `json:"bits"`
	Height                   int64        `json:"height"`
	DefaultWitnessCommitment string       `json:"default_witness_commitment"`
	Rules                    []string     `json:"rules"`
	Mutable                  []string     `json:"mutable"`
}

type getBlockTemplateRequest struct {
	Rules        []string `json:"rules"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// GetBlockTemplate requests a new block template, requiring the given rule
// set be active (at minimum "segwit", plus "signet" on signet networks per
// the node's mandatory rule negotiation).
func (c *Client) GetBlockTemplate(rules []string) (*BlockTemplate, error) {
	reqParam := getBlockTemplateRequest{
		Rules:        rules,
		Capabilities: []string{"coinbasetxn", "coinbasevalue", "longpoll", "workid"},
	}
	param, err := json.Marshal(reqParam)
	if err != nil {
		return nil, fmt.Errorf("failed to encode getblocktemplate request: %w", err)
	}

	raw, err := c.rpc.RawRequest("getblocktemplate", []json.RawMessage{param})
	if err != nil {
		return nil, fmt.Errorf("getblocktemplate rpc call failed: %w", err)
	}

	var tmpl BlockTemplate
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to decode block template: %w", err)
	}
	return &tmpl, nil
}

// SubmitBlock submits a fully-assembled, hex-encoded block.
func (c *Client) SubmitBlock(blockHex string) error {
	param, err := json.Marshal(blockHex)
	if err != nil {
		return fmt.Errorf("failed to encode submitblock request: %w", err)
	}

	raw, err := c.rpc.RawRequest("submitblock", []json.RawMessage{param})
	if err != nil {
		return fmt.Errorf("submitblock rpc call failed: %w", err)
	}

	var result *string
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode submitblock result: %w", err)
	}
	if result != nil && *result != "" && !strings.EqualFold(*result, "duplicate") {
		return fmt.Errorf("node rejected block: %s", *result)
	}
	return nil
}

// ValidateAddress checks an address against the node's own consensus rules
// as a defense-in-depth check beyond this repo's own bech32/base58
// validation.
func (c *Client) ValidateAddress(addr string) (bool, error) {
	param, err := json.Marshal(addr)
	if err != nil {
		return false, fmt.Errorf("failed to encode validateaddress request: %w", err)
	}

	raw, err := c.rpc.RawRequest("validateaddress", []json.RawMessage{param})
	if err != nil {
		return false, fmt.Errorf("validateaddress rpc call failed: %w", err)
	}

	var result struct {
		IsValid bool `json:"isvalid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, fmt.Errorf("failed to decode validateaddress result: %w", err)
	}
	return result.IsValid, nil
}
