// Package sv1 implements the Stratum V1 JSON-RPC wire types used by the
// Translator's downstream-facing legacy miner surface.
package sv1

import (
	"encoding/json"
	"strings"
)

// JSON-RPC error codes used by Stratum V1 pools.
const (
	ErrParseError         = -32700
	ErrInvalidRequest     = -32600
	ErrMethodNotFound     = -32601
	ErrInvalidParams      = -32602
	ErrInternalError      = -32603
	ErrUnauthorized       = 24
	ErrNotSubscribed      = 25
	ErrDuplicateShare     = 22
	ErrLowDifficultyShare = 23
	ErrJobNotFound        = 21
	ErrStaleShare         = 20
)

// Request represents a JSON-RPC request from a V1 miner.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response represents a JSON-RPC response to a V1 miner.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification represents a JSON-RPC notification (no id field expected back).
type Notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// SubscribeParams represents mining.subscribe parameters.
type SubscribeParams struct {
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// SubscribeResult represents the mining.subscribe response.
type SubscribeResult struct {
	Subscriptions   [][]interface{} `json:"subscriptions"`
	Extranonce1     string          `json:"extranonce1"`
	Extranonce2Size int             `json:"extranonce2_size"`
}

// AuthorizeParams represents mining.authorize parameters.
type AuthorizeParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SubmitParams represents mining.submit parameters.
type SubmitParams struct {
	WorkerName  string `json:"worker_name"`
	JobID       string `json:"job_id"`
	Extranonce2 string `json:"extranonce2"`
	NTime       string `json:"ntime"`
	Nonce       string `json:"nonce"`
	VersionBits string `json:"version_bits,omitempty"`
}

// NotifyParams represents mining.notify parameters sent to a V1 downstream.
// JobID here is the synthetic "{upstream_job_id}#{counter}" keepalive id,
// not the raw upstream SV2 job id (see internal/translate).
type NotifyParams struct {
	JobID          string   `json:"job_id"`
	PrevBlockHash  string   `json:"prevhash"`
	Coinbase1      string   `json:"coinbase1"`
	Coinbase2      string   `json:"coinbase2"`
	MerkleBranches []string `json:"merkle_branch"`
	Version        string   `json:"version"`
	NBits          string   `json:"nbits"`
	NTime          string   `json:"ntime"`
	CleanJobs      bool     `json:"clean_jobs"`
}

// SetDifficultyParams represents mining.set_difficulty parameters.
type SetDifficultyParams struct {
	Difficulty float64 `json:"difficulty"`
}

// SetExtranonceParams represents mining.set_extranonce parameters.
type SetExtranonceParams struct {
	Extranonce1     string `json:"extranonce1"`
	Extranonce2Size int    `json:"extranonce2_size"`
}

// ConfigureParams represents mining.configure parameters: an extension name
// list followed by a map of per-extension parameters.
type ConfigureParams struct {
	Extensions []string               `json:"-"`
	Params     map[string]interface{} `json:"-"`
}

// VersionRollingCapability represents the version-rolling extension payload.
type VersionRollingCapability struct {
	Mask    string `json:"mask"`
	MinBits int    `json:"min-bit-count"`
}

// positional splits a JSON-RPC params array into its raw elements, the
// shape every mining.* request carries its arguments in.
func positional(data json.RawMessage) ([]json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, err
	}
	return elems, nil
}

// stringAt decodes element i as a string, or "" when absent or not a
// string; V1 miners are loose about optional trailing params.
func stringAt(elems []json.RawMessage, i int) string {
	if i >= len(elems) {
		return ""
	}
	var s string
	if json.Unmarshal(elems[i], &s) != nil {
		return ""
	}
	return s
}

// intAt decodes element i as an integer the same way.
func intAt(elems []json.RawMessage, i int) int {
	if i >= len(elems) {
		return 0
	}
	var n int
	if json.Unmarshal(elems[i], &n) != nil {
		return 0
	}
	return n
}

// ParseSubscribeParams parses mining.subscribe parameters. Every field is
// optional, and hardware sends all manner of shapes here, so a malformed
// array degrades to an empty subscribe rather than an error.
func ParseSubscribeParams(data json.RawMessage) (*SubscribeParams, error) {
	elems, err := positional(data)
	if err != nil {
		return &SubscribeParams{}, nil
	}
	return &SubscribeParams{
		UserAgent: stringAt(elems, 0),
		SessionID: stringAt(elems, 1),
		Host:      stringAt(elems, 2),
		Port:      intAt(elems, 3),
	}, nil
}

// ParseAuthorizeParams parses mining.authorize parameters.
func ParseAuthorizeParams(data json.RawMessage) (*AuthorizeParams, error) {
	elems, err := positional(data)
	if err != nil {
		return nil, err
	}
	return &AuthorizeParams{
		Username: stringAt(elems, 0),
		Password: stringAt(elems, 1),
	}, nil
}

// ParseSubmitParams parses mining.submit parameters. The five positional
// fields are mandatory; version_bits trails optionally when the miner
// negotiated version rolling.
func ParseSubmitParams(data json.RawMessage) (*SubmitParams, error) {
	elems, err := positional(data)
	if err != nil {
		return nil, err
	}
	if len(elems) < 5 {
		return nil, ErrInvalidParamsError
	}
	return &SubmitParams{
		WorkerName:  stringAt(elems, 0),
		JobID:       stringAt(elems, 1),
		Extranonce2: stringAt(elems, 2),
		NTime:       stringAt(elems, 3),
		Nonce:       stringAt(elems, 4),
		VersionBits: stringAt(elems, 5),
	}, nil
}

// Validate checks a submit's fields have the shapes the Translator
// requires before any hex decoding: every job id this server ever issues
// is the synthetic "{upstream_job_id}#{counter}" form (splitting on the
// first '#' recovers the upstream job), and ntime/nonce must be non-empty
// hex words.
func (p *SubmitParams) Validate() error {
	if !strings.Contains(p.JobID, "#") {
		return NewError(ErrJobNotFound, "Job not found")
	}
	if p.NTime == "" || p.Nonce == "" {
		return ErrInvalidParamsError
	}
	return nil
}

// StratumError is a JSON-RPC error with a Stratum-specific code.
type StratumError struct {
	Code    int
	Message string
}

func (e *StratumError) Error() string {
	return e.Message
}

// ErrInvalidParamsError is returned when a request carries too few params.
var ErrInvalidParamsError = &StratumError{Code: ErrInvalidParams, Message: "Invalid parameters"}

// NewError creates a new Stratum error.
func NewError(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

// ToJSON converts the error to the [code, message, nil] JSON-RPC shape.
func (e *StratumError) ToJSON() []interface{} {
	return []interface{}{e.Code, e.Message, nil}
}
