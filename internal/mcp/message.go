// ABOUTME: Strict JSON-RPC 2.0 parser for MCP request, response and notification messages
// ABOUTME: Rejects batches, unknown members and ambiguous shapes instead of guessing

package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Version is the only accepted JSON-RPC version.
const Version = "2.0"

// MaxMessageSize is the maximum accepted size for a single message (1MB).
const MaxMessageSize = 1 << 20

// ErrInvalidMessage is wrapped by every parse failure.
var ErrInvalidMessage = errors.New("invalid JSON-RPC message")

// Specific parse failures, each also matching ErrInvalidMessage.
var (
	ErrInvalidJSON     = errors.New("not a JSON object")
	ErrBatch           = errors.New("batch messages are not supported")
	ErrInvalidVersion  = errors.New(`jsonrpc must be "2.0"`)
	ErrUnknownMember   = errors.New("unknown member")
	ErrDuplicateMember = errors.New("duplicate member")
	ErrInvalidMethod   = errors.New("method must be a non-empty string")
	ErrInvalidID       = errors.New("id must be a string or number")
	ErrInvalidParams   = errors.New("params must be an object or array")
	ErrAmbiguous       = errors.New("ambiguous message shape")
	ErrMissingID       = errors.New("response is missing id")
	ErrInvalidError    = errors.New("error must be an object with integer code and string message")
	ErrTooLarge        = errors.New("message too large")
)

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Kind is the shape of a message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// MethodToolsCall is the MCP tool invocation method.
const MethodToolsCall = "tools/call"

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is a validated JSON-RPC message. Raw holds the exact input bytes.
type Message struct {
	Kind   Kind
	ID     json.RawMessage // absent for notifications
	Method string          // empty for responses
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
	Raw    json.RawMessage
}

var allowedMembers = map[string]bool{
	"jsonrpc": true, "id": true, "method": true, "params": true, "result": true, "error": true,
}

func invalid(reason error, format string, args ...any) error {
	if format == "" {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, reason)
	}
	return fmt.Errorf("%w: %w: %s", ErrInvalidMessage, reason, fmt.Sprintf(format, args...))
}

// Parse validates data as exactly one JSON-RPC request, response or notification.
func Parse(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, invalid(ErrTooLarge, "")
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, invalid(ErrBatch, "")
	}
	if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, invalid(ErrInvalidJSON, "")
	}
	// policies read the first of two equal keys, most receivers the last
	if err := checkDuplicates(trimmed); err != nil {
		return nil, err
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &members); err != nil {
		return nil, invalid(ErrInvalidJSON, "%v", err)
	}
	for name := range members {
		if !allowedMembers[name] {
			return nil, invalid(ErrUnknownMember, "%q", name)
		}
	}

	var version string
	if err := json.Unmarshal(members["jsonrpc"], &version); err != nil || version != Version {
		return nil, invalid(ErrInvalidVersion, "")
	}

	msg := &Message{Raw: append(json.RawMessage(nil), data...)}

	rawMethod, hasMethod := members["method"]
	rawID, hasID := members["id"]
	rawResult, hasResult := members["result"]
	rawError, hasError := members["error"]
	rawParams, hasParams := members["params"]

	if hasMethod {
		if hasResult || hasError {
			return nil, invalid(ErrAmbiguous, "method alongside result or error")
		}
		if err := json.Unmarshal(rawMethod, &msg.Method); err != nil || msg.Method == "" {
			return nil, invalid(ErrInvalidMethod, "")
		}
		if hasParams {
			if !isStructured(rawParams) {
				return nil, invalid(ErrInvalidParams, "")
			}
			msg.Params = rawParams
		}
		if !hasID {
			msg.Kind = KindNotification
			return msg, nil
		}
		if !isStringOrNumber(rawID) {
			return nil, invalid(ErrInvalidID, "")
		}
		msg.ID = rawID
		msg.Kind = KindRequest
		return msg, nil
	}

	if hasParams {
		return nil, invalid(ErrAmbiguous, "params without method")
	}
	if hasResult == hasError {
		return nil, invalid(ErrAmbiguous, "response needs exactly one of result or error")
	}
	if !hasID {
		return nil, invalid(ErrMissingID, "")
	}
	// null ids are only legal on error responses to unparseable requests
	isNull := bytes.Equal(bytes.TrimSpace(rawID), []byte("null"))
	if !(isStringOrNumber(rawID) || (isNull && hasError)) {
		return nil, invalid(ErrInvalidID, "")
	}
	msg.ID = rawID
	msg.Kind = KindResponse

	if hasResult {
		msg.Result = rawResult
		return msg, nil
	}

	e, err := parseError(rawError)
	if err != nil {
		return nil, err
	}
	msg.Error = e
	return msg, nil
}

// checkDuplicates walks every object in data and rejects repeated member
// names after unescaping. data must already be valid JSON.
func checkDuplicates(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return walkValue(dec, "")
}

func walkValue(dec *json.Decoder, path string) error {
	tok, err := dec.Token()
	if err != nil {
		return invalid(ErrInvalidJSON, "%v", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}

	switch delim {
	case '{':
		seen := make(map[string]bool)
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return invalid(ErrInvalidJSON, "%v", err)
			}
			key, _ := keyTok.(string)
			if seen[key] {
				return invalid(ErrDuplicateMember, "%q", path+key)
			}
			seen[key] = true
			if err := walkValue(dec, path+key+"."); err != nil {
				return err
			}
		}
	case '[':
		for i := 0; dec.More(); i++ {
			if err := walkValue(dec, fmt.Sprintf("%s%d.", path, i)); err != nil {
				return err
			}
		}
	}
	// closing delimiter
	if _, err := dec.Token(); err != nil {
		return invalid(ErrInvalidJSON, "%v", err)
	}
	return nil
}

func parseError(raw json.RawMessage) (*Error, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, invalid(ErrInvalidError, "")
	}
	code, ok := fields["code"]
	if !ok || gjson.ParseBytes(code).Type != gjson.Number {
		return nil, invalid(ErrInvalidError, "code")
	}
	var e Error
	if err := json.Unmarshal(code, &e.Code); err != nil {
		return nil, invalid(ErrInvalidError, "code must be an integer")
	}
	message, ok := fields["message"]
	if !ok || json.Unmarshal(message, &e.Message) != nil {
		return nil, invalid(ErrInvalidError, "message")
	}
	e.Data = fields["data"]
	return &e, nil
}

func isStructured(raw json.RawMessage) bool {
	r := gjson.ParseBytes(raw)
	return r.IsObject() || r.IsArray()
}

func isStringOrNumber(raw json.RawMessage) bool {
	t := gjson.ParseBytes(raw).Type
	return t == gjson.String || t == gjson.Number
}

// IDKey returns a canonical key for correlating a response with its request.
func (m *Message) IDKey() string {
	return IDKey(m.ID)
}

// IDKey canonicalizes a raw id: strings keep their quotes so "1" and 1 differ.
func IDKey(id json.RawMessage) string {
	r := gjson.ParseBytes(id)
	if r.Type == gjson.String {
		return "s:" + r.Str
	}
	return "n:" + r.Raw
}

// ToolName returns params.name for tools/call requests, or "".
func (m *Message) ToolName() string {
	if m.Method != MethodToolsCall || len(m.Params) == 0 {
		return ""
	}
	return gjson.GetBytes(m.Params, "name").String()
}

// Get resolves a gjson path against the raw message.
func (m *Message) Get(path string) gjson.Result {
	return gjson.GetBytes(m.Raw, path)
}

// NewErrorResponse builds a JSON-RPC error response for id.
func NewErrorResponse(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   Error           `json:"error"`
	}{Version, id, Error{Code: code, Message: message}}
	data, _ := json.Marshal(resp)
	return data
}
