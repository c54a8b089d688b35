// ABOUTME: Built-in condition classes
// ABOUTME: Tool, method, kind, content, JSON path and caller identity matchers

package catalog

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389/toolgate/internal/mcp"
)

func builtinConditions() []*Class {
	return []*Class{
		{
			Name:        "always",
			Description: "Matches every message. Used for blanket logging policies.",
			Schema:      `{"type":"object","additionalProperties":false}`,
			condition: func(*Input, Params) (bool, error) {
				return true, nil
			},
		},
		{
			Name:        "tool_name",
			Description: "Matches tools/call requests by tool name (exact list or regular expression).",
			Schema:      namesOrPatternSchema("names"),
			validate:    validatePattern("pattern"),
			condition: func(in *Input, p Params) (bool, error) {
				name := in.Message.ToolName()
				if name == "" {
					return false, nil
				}
				return matchNameOrPattern(name, p, "names")
			},
		},
		{
			Name:        "method",
			Description: "Matches requests and notifications by JSON-RPC method.",
			Schema:      namesOrPatternSchema("methods"),
			validate:    validatePattern("pattern"),
			condition: func(in *Input, p Params) (bool, error) {
				if in.Message.Method == "" {
					return false, nil
				}
				return matchNameOrPattern(in.Message.Method, p, "methods")
			},
		},
		{
			Name:        "message_kind",
			Description: "Matches by message shape: request, response or notification.",
			Schema: `{
				"type": "object",
				"properties": {
					"kinds": {
						"type": "array", "minItems": 1,
						"items": {"enum": ["request", "response", "notification"]}
					}
				},
				"required": ["kinds"],
				"additionalProperties": false
			}`,
			condition: func(in *Input, p Params) (bool, error) {
				return slices.Contains(p.Strings("kinds"), string(in.Message.Kind)), nil
			},
		},
		{
			Name:        "regex",
			Description: "Matches a regular expression against the raw message or the value at a gjson path.",
			Schema: `{
				"type": "object",
				"properties": {
					"pattern": {"type": "string", "minLength": 1},
					"path": {"type": "string"}
				},
				"required": ["pattern"],
				"additionalProperties": false
			}`,
			validate: validatePattern("pattern"),
			condition: func(in *Input, p Params) (bool, error) {
				target, ok := selectTarget(in.Message, p.String("path"))
				if !ok {
					return false, nil
				}
				re, err := compile(p.String("pattern"))
				if err != nil {
					return false, err
				}
				return re.MatchString(target), nil
			},
		},
		{
			Name:        "contains",
			Description: "Matches a substring in the raw message or the value at a gjson path.",
			Schema: `{
				"type": "object",
				"properties": {
					"value": {"type": "string", "minLength": 1},
					"path": {"type": "string"},
					"case_sensitive": {"type": "boolean"}
				},
				"required": ["value"],
				"additionalProperties": false
			}`,
			condition: func(in *Input, p Params) (bool, error) {
				target, ok := selectTarget(in.Message, p.String("path"))
				if !ok {
					return false, nil
				}
				value := p.String("value")
				if !p.Bool("case_sensitive") {
					target, value = strings.ToLower(target), strings.ToLower(value)
				}
				return strings.Contains(target, value), nil
			},
		},
		{
			Name:        "json_path",
			Description: "Matches on the presence or scalar value of a gjson path.",
			Schema: `{
				"type": "object",
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"equals": {"type": ["string", "number", "boolean", "null"]},
					"exists": {"type": "boolean"}
				},
				"required": ["path"],
				"additionalProperties": false
			}`,
			condition: func(in *Input, p Params) (bool, error) {
				r := in.Message.Get(p.String("path"))
				if p.Has("equals") {
					return r.Exists() && scalarEquals(r, p), nil
				}
				want := true
				if p.Has("exists") {
					want = p.Bool("exists")
				}
				return r.Exists() == want, nil
			},
		},
		{
			Name:        "client_id",
			Description: "Matches the client id bound into the trust token.",
			Schema: `{
				"type": "object",
				"properties": {
					"ids": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"anonymous": {"type": "boolean"}
				},
				"anyOf": [{"required": ["ids"]}, {"required": ["anonymous"]}],
				"additionalProperties": false
			}`,
			condition: func(in *Input, p Params) (bool, error) {
				if in.Caller.ClientID == "" {
					return p.Bool("anonymous"), nil
				}
				return slices.Contains(p.Strings("ids"), in.Caller.ClientID), nil
			},
		},
		{
			Name:        "user",
			Description: "Matches the user bound into the trust token.",
			Schema:      namesOrPatternSchema("users"),
			validate:    validatePattern("pattern"),
			condition: func(in *Input, p Params) (bool, error) {
				return matchNameOrPattern(in.Caller.User, p, "users")
			},
		},
		{
			Name:        "source_ip",
			Description: "Matches the caller address recorded at token issuance against CIDR ranges.",
			Schema: `{
				"type": "object",
				"properties": {
					"cidrs": {"type": "array", "items": {"type": "string"}, "minItems": 1}
				},
				"required": ["cidrs"],
				"additionalProperties": false
			}`,
			validate: func(p Params) error {
				for _, c := range p.Strings("cidrs") {
					if _, err := parsePrefix(c); err != nil {
						return err
					}
				}
				return nil
			},
			condition: func(in *Input, p Params) (bool, error) {
				addr, err := netip.ParseAddr(in.Caller.SourceIP)
				if err != nil {
					return false, nil
				}
				for _, c := range p.Strings("cidrs") {
					prefix, err := parsePrefix(c)
					if err != nil {
						return false, err
					}
					if prefix.Contains(addr.Unmap()) {
						return true, nil
					}
				}
				return false, nil
			},
		},
	}
}

// namesOrPatternSchema accepts an exact list under listKey, a pattern, or both.
func namesOrPatternSchema(listKey string) string {
	return fmt.Sprintf(`{
		"type": "object",
		"properties": {
			%q: {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"pattern": {"type": "string", "minLength": 1}
		},
		"anyOf": [{"required": [%q]}, {"required": ["pattern"]}],
		"additionalProperties": false
	}`, listKey, listKey)
}

func matchNameOrPattern(value string, p Params, listKey string) (bool, error) {
	if slices.Contains(p.Strings(listKey), value) {
		return true, nil
	}
	if pattern := p.String("pattern"); pattern != "" {
		re, err := compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(value), nil
	}
	return false, nil
}

// selectTarget returns the text a content matcher runs against.
// Strings are unquoted, other values keep their JSON form.
func selectTarget(msg *mcp.Message, path string) (string, bool) {
	if path == "" {
		return string(msg.Raw), true
	}
	r := msg.Get(path)
	if !r.Exists() {
		return "", false
	}
	if r.Type == gjson.String {
		return r.Str, true
	}
	return r.Raw, true
}

func scalarEquals(r gjson.Result, p Params) bool {
	if p["equals"] == nil {
		return r.Type == gjson.Null
	}
	want, ok := p.Scalar("equals")
	if !ok {
		return false
	}
	switch r.Type {
	case gjson.String:
		_, isString := p["equals"].(string)
		return isString && r.Str == want
	case gjson.Number:
		// compare numerically so 1 and 1.0 agree
		_, isNumber := p["equals"].(json.Number)
		return isNumber && gjson.Parse(want).Num == r.Num
	case gjson.True, gjson.False:
		_, isBool := p["equals"].(bool)
		return isBool && r.Raw == want
	}
	return false
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("cidr %q: %w", s, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
