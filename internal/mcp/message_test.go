// ABOUTME: Tests for the JSON-RPC message parser
// ABOUTME: Covers the three message shapes and rejected payloads

package mcp

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidShapes(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		kind   Kind
		method string
	}{
		{"request with numeric id", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add"}}`, KindRequest, "tools/call"},
		{"request with string id", `{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`, KindRequest, "tools/list"},
		{"request with array params", `{"jsonrpc":"2.0","id":2,"method":"sum","params":[1,2]}`, KindRequest, "sum"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification, "notifications/initialized"},
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`, KindResponse, ""},
		{"null result response", `{"jsonrpc":"2.0","id":1,"result":null}`, KindResponse, ""},
		{"error response", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, KindResponse, ""},
		{"error response with null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, KindResponse, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, msg.Kind)
			assert.Equal(t, tt.method, msg.Method)
			assert.Equal(t, tt.input, string(msg.Raw))
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"not json", `{nope`, ErrInvalidJSON},
		{"scalar", `42`, ErrInvalidJSON},
		{"empty", ``, ErrInvalidJSON},
		{"batch", `[{"jsonrpc":"2.0","method":"a"}]`, ErrBatch},
		{"missing version", `{"id":1,"method":"a"}`, ErrInvalidVersion},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"a"}`, ErrInvalidVersion},
		{"unknown member", `{"jsonrpc":"2.0","id":1,"method":"a","extra":true}`, ErrUnknownMember},
		{"empty method", `{"jsonrpc":"2.0","id":1,"method":""}`, ErrInvalidMethod},
		{"numeric method", `{"jsonrpc":"2.0","id":1,"method":7}`, ErrInvalidMethod},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"a"}`, ErrInvalidID},
		{"null request id", `{"jsonrpc":"2.0","id":null,"method":"a"}`, ErrInvalidID},
		{"scalar params", `{"jsonrpc":"2.0","id":1,"method":"a","params":"x"}`, ErrInvalidParams},
		{"method and result", `{"jsonrpc":"2.0","id":1,"method":"a","result":{}}`, ErrAmbiguous},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, ErrAmbiguous},
		{"neither", `{"jsonrpc":"2.0","id":1}`, ErrAmbiguous},
		{"params without method", `{"jsonrpc":"2.0","id":1,"params":{},"result":1}`, ErrAmbiguous},
		{"response without id", `{"jsonrpc":"2.0","result":{}}`, ErrMissingID},
		{"null id on result", `{"jsonrpc":"2.0","id":null,"result":{}}`, ErrInvalidID},
		{"error not object", `{"jsonrpc":"2.0","id":1,"error":"bad"}`, ErrInvalidError},
		{"error fractional code", `{"jsonrpc":"2.0","id":1,"error":{"code":1.5,"message":"x"}}`, ErrInvalidError},
		{"error missing message", `{"jsonrpc":"2.0","id":1,"error":{"code":1}}`, ErrInvalidError},
		{"duplicate top-level member", `{"jsonrpc":"2.0","id":1,"method":"a","method":"b"}`, ErrDuplicateMember},
		{"duplicate tool name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","name":"delete_all"}}`, ErrDuplicateMember},
		{"escaped duplicate", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","na\u006de":"delete_all"}}`, ErrDuplicateMember},
		{"duplicate inside array", `{"jsonrpc":"2.0","id":1,"method":"a","params":[{"k":1},{"k":2,"k":3}]}`, ErrDuplicateMember},
		{"duplicate in error data", `{"jsonrpc":"2.0","id":1,"error":{"code":1,"message":"x","message":"y"}}`, ErrDuplicateMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, ErrInvalidMessage)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParse_RepeatedKeysInSiblingObjects(t *testing.T) {
	inputs := []string{
		`{"jsonrpc":"2.0","id":1,"method":"a","params":[{"k":1},{"k":2}]}`,
		`{"jsonrpc":"2.0","id":1,"method":"a","params":{"a":{"name":1},"b":{"name":2}}}`,
	}
	for _, input := range inputs {
		msg, err := Parse([]byte(input))
		require.NoError(t, err, input)
		assert.Equal(t, KindRequest, msg.Kind)
	}
}

func TestParse_TooLarge(t *testing.T) {
	big := `{"jsonrpc":"2.0","method":"a","params":{"x":"` + strings.Repeat("a", MaxMessageSize) + `"}}`
	_, err := Parse([]byte(big))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestParse_PreservesBytes(t *testing.T) {
	input := "{ \"jsonrpc\" : \"2.0\",\n \"id\": 1, \"method\": \"tools/call\" }"
	msg, err := Parse([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, input, string(msg.Raw))
}

func TestMessage_ToolName(t *testing.T) {
	msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"delete_all","arguments":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, "delete_all", msg.ToolName())

	msg, err = Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"name":"x"}}`))
	require.NoError(t, err)
	assert.Empty(t, msg.ToolName())
}

func TestIDKey(t *testing.T) {
	assert.NotEqual(t, IDKey(json.RawMessage(`"1"`)), IDKey(json.RawMessage(`1`)))
	assert.Equal(t, IDKey(json.RawMessage(`7`)), IDKey(json.RawMessage(`7`)))
	assert.Equal(t, "s:abc", IDKey(json.RawMessage(`"abc"`)))
}

func TestNewErrorResponse(t *testing.T) {
	data := NewErrorResponse(json.RawMessage(`3`), CodeInternalError, "endpoint unreachable")
	msg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind)
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInternalError, msg.Error.Code)

	data = NewErrorResponse(nil, CodeParseError, "bad")
	msg, err = Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "null", string(msg.ID))
}
