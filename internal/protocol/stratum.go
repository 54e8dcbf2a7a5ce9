// Package protocol implements Stratum V1 JSON-RPC message framing: request/
// response/notification envelopes, parameter parsing for every method in
// §4.2/§6, and the submission error taxonomy.
package protocol

import (
	"encoding/json"
)

// Stratum submission error codes. These are distinct from the standard
// JSON-RPC 2.0 codes below and are assigned per the pool's own taxonomy.
const (
	ErrStaleShare         = 21
	ErrDuplicateShare     = 22
	ErrLowDifficultyShare = 23
	ErrUnauthorized       = 24
	ErrInvalidParams      = 25
	ErrMalformed          = 26
)

// Standard JSON-RPC 2.0 error codes, used only for transport-level failures
// (unparseable request bodies, unknown methods) rather than share outcomes.
const (
	ErrParseError     = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
)

// Request represents a JSON-RPC request from the client.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response represents a JSON-RPC response to the client.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification represents a JSON-RPC notification (no id).
type Notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// SubscribeParams represents mining.subscribe parameters.
type SubscribeParams struct {
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// SubscribeResult represents the mining.subscribe response:
// [[["mining.set_difficulty", sub_id], ["mining.notify", sub_id]], extranonce1, extranonce2_size].
type SubscribeResult struct {
	Subscriptions   [][]interface{} `json:"-"`
	Extranonce1     string          `json:"-"`
	Extranonce2Size int             `json:"-"`
}

// MarshalJSON encodes SubscribeResult as the three-element positional array
// the Stratum wire format expects rather than a JSON object.
func (r SubscribeResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{r.Subscriptions, r.Extranonce1, r.Extranonce2Size})
}

// AuthorizeParams represents mining.authorize parameters.
type AuthorizeParams struct {
	Username string
	Password string
}

// SubmitParams represents mining.submit parameters.
type SubmitParams struct {
	WorkerName  string
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
}

// NotifyParams represents mining.notify parameters, emitted positionally.
type NotifyParams struct {
	JobID          string
	PrevBlockHash  string
	Coinbase1      string
	Coinbase2      string
	MerkleBranches []string
	Version        string
	NBits          string
	NTime          string
	CleanJobs      bool
}

// MarshalJSON encodes NotifyParams as the positional array the wire format
// expects.
func (p NotifyParams) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		p.JobID, p.PrevBlockHash, p.Coinbase1, p.Coinbase2,
		p.MerkleBranches, p.Version, p.NBits, p.NTime, p.CleanJobs,
	})
}

// SetDifficultyParams represents mining.set_difficulty parameters: [difficulty].
type SetDifficultyParams struct {
	Difficulty float64
}

// MarshalJSON encodes SetDifficultyParams as a single-element array.
func (p SetDifficultyParams) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{p.Difficulty})
}

// SuggestDifficultyParams represents mining.suggest_difficulty parameters.
type SuggestDifficultyParams struct {
	Difficulty float64
}

// SuggestSignatureParams represents mining.suggest_signature parameters.
type SuggestSignatureParams struct {
	Signature string
}

// StratumError is a Stratum-specific JSON-RPC error with a numeric taxonomy
// code (see the Err* constants above) and a human-readable message.
type StratumError struct {
	Code    int
	Message string
}

func (e *StratumError) Error() string {
	return e.Message
}

// ToJSON converts the error to the three-element JSON-RPC error array the
// wire format expects: [code, message, traceback-or-null].
func (e *StratumError) ToJSON() []interface{} {
	return []interface{}{e.Code, e.Message, nil}
}

// NewError creates a new StratumError.
func NewError(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

var errMalformedParams = NewError(ErrMalformed, "malformed parameters")

// ParseSubscribeParams parses mining.subscribe parameters. Both arguments
// are optional, so an empty or absent array is valid.
func ParseSubscribeParams(data json.RawMessage) (*SubscribeParams, error) {
	var raw []interface{}
	if len(data) == 0 {
		return &SubscribeParams{}, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errMalformedParams
	}

	result := &SubscribeParams{}
	if len(raw) > 0 {
		if ua, ok := raw[0].(string); ok {
			result.UserAgent = ua
		}
	}
	if len(raw) > 1 {
		if sid, ok := raw[1].(string); ok {
			result.SessionID = sid
		}
	}
	return result, nil
}

// ParseAuthorizeParams parses mining.authorize parameters: [username, password].
func ParseAuthorizeParams(data json.RawMessage) (*AuthorizeParams, error) {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 1 {
		return nil, errMalformedParams
	}

	result := &AuthorizeParams{}
	if u, ok := raw[0].(string); ok {
		result.Username = u
	} else {
		return nil, errMalformedParams
	}
	if len(raw) > 1 {
		if p, ok := raw[1].(string); ok {
			result.Password = p
		}
	}
	return result, nil
}

// ParseSubmitParams parses mining.submit parameters:
// [worker_name, job_id, extranonce2, ntime, nonce].
func ParseSubmitParams(data json.RawMessage) (*SubmitParams, error) {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 5 {
		return nil, errMalformedParams
	}

	strAt := func(i int) (string, bool) {
		s, ok := raw[i].(string)
		return s, ok
	}

	wn, ok1 := strAt(0)
	jid, ok2 := strAt(1)
	en2, ok3 := strAt(2)
	nt, ok4 := strAt(3)
	n, ok5 := strAt(4)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, errMalformedParams
	}

	return &SubmitParams{
		WorkerName:  wn,
		JobID:       jid,
		Extranonce2: en2,
		NTime:       nt,
		Nonce:       n,
	}, nil
}

// ParseSuggestDifficultyParams parses mining.suggest_difficulty parameters: [difficulty].
func ParseSuggestDifficultyParams(data json.RawMessage) (*SuggestDifficultyParams, error) {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 1 {
		return nil, errMalformedParams
	}
	diff, ok := raw[0].(float64)
	if !ok {
		return nil, errMalformedParams
	}
	return &SuggestDifficultyParams{Difficulty: diff}, nil
}

// ParseSuggestSignatureParams parses mining.suggest_signature parameters: [signature].
func ParseSuggestSignatureParams(data json.RawMessage) (*SuggestSignatureParams, error) {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 1 {
		return nil, errMalformedParams
	}
	sig, ok := raw[0].(string)
	if !ok {
		return nil, errMalformedParams
	}
	return &SuggestSignatureParams{Signature: sig}, nil
}
