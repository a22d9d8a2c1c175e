// Package stratum implements the Stratum V1 wire protocol: JSON-RPC line
// messages, request parsing, server pushes and per-connection sessions.
package stratum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bardlex/poolportal/internal/validation"
)

// Stratum methods
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodNotify              = "mining.notify"
	MethodGetTransactions     = "mining.get_transactions"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MarshalJSON renders an error as the [code, message, data] triple miners
// expect
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Data})
}

// UnmarshalJSON accepts both the triple and the object form
func (e *Error) UnmarshalJSON(data []byte) error {
	var triple []any
	if err := json.Unmarshal(data, &triple); err == nil {
		if len(triple) >= 2 {
			if code, ok := triple[0].(float64); ok {
				e.Code = int(code)
			}
			e.Message, _ = triple[1].(string)
		}
		if len(triple) >= 3 {
			e.Data = triple[2]
		}
		return nil
	}

	type plain Error
	return json.Unmarshal(data, (*plain)(e))
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// wire forms: responses always carry result and error, requests and
// notifications never do
type responseWire struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

type requestWire struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	var v any
	if msg.Method == "" {
		v = responseWire{ID: msg.ID, Result: msg.Result, Error: msg.Error}
	} else {
		params := msg.Params
		if params == nil {
			params = []any{}
		}
		v = requestWire{ID: msg.ID, Method: msg.Method, Params: params}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// NewSetDifficulty builds a mining.set_difficulty push
func NewSetDifficulty(difficulty float64) *Message {
	return NewNotification(MethodSetDifficulty, []any{difficulty})
}

// NewNotify builds a mining.notify push for job. clean overrides the job's
// own clean flag when a new block makes every older job stale.
func NewNotify(job *validation.Job, clean bool) (*Message, error) {
	prev, err := StratumPrevHash(job.PrevHash)
	if err != nil {
		return nil, err
	}
	branch := job.MerkleBranch
	if branch == nil {
		branch = []string{}
	}
	return NewNotification(MethodNotify, []any{
		job.ID,
		prev,
		job.Coinb1,
		job.Coinb2,
		branch,
		job.Version,
		job.NBits,
		job.NTime,
		clean || job.CleanJobs,
	}), nil
}

// SubscribeResult is the result of a successful mining.subscribe
func SubscribeResult(sessionID, extraNonce1 string, extraNonce2Size int) []any {
	return []any{
		[][]string{
			{MethodSetDifficulty, sessionID},
			{MethodNotify, sessionID},
		},
		extraNonce1,
		extraNonce2Size,
	}
}

// StratumPrevHash converts a display-order block hash into the word-swapped
// form mining.notify carries: the eight 4-byte words in reverse order.
func StratumPrevHash(displayHex string) (string, error) {
	raw, err := hex.DecodeString(displayHex)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("invalid prev hash %q", displayHex)
	}
	out := make([]byte, 0, 32)
	for w := 7; w >= 0; w-- {
		out = append(out, raw[w*4:w*4+4]...)
	}
	return hex.EncodeToString(out), nil
}

// ParseSubscribeRequest parses mining.subscribe parameters. Both are optional.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}

	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters. The password may
// be omitted or null.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 && params[1] != nil {
		password, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("password must be string")
		}
		req.Password = password
	}

	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := []string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", names[i])
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}, nil
}
