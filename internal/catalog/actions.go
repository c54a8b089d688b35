// ABOUTME: Built-in action classes
// ABOUTME: Pass-through, blocking and redaction of matched messages

package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultReplacement is written over redacted values.
const DefaultReplacement = "[REDACTED]"

// DefaultBlockReason is used when a block action has no reason.
const DefaultBlockReason = "blocked by policy"

func builtinActions() []*Class {
	return []*Class{
		{
			Name:        "pass",
			Description: "Lets the message through unchanged. The match is still recorded as an alert.",
			Schema:      `{"type":"object","additionalProperties":false}`,
			action: func(*Input, Params) (Outcome, error) {
				return Outcome{Verdict: VerdictPass}, nil
			},
		},
		{
			Name:        "block",
			Description: "Rejects the message.",
			Schema: `{
				"type": "object",
				"properties": {"reason": {"type": "string"}},
				"additionalProperties": false
			}`,
			action: func(_ *Input, p Params) (Outcome, error) {
				return Outcome{Verdict: VerdictBlock, Reason: p.StringOr("reason", DefaultBlockReason)}, nil
			},
		},
		{
			Name:        "block_on_method",
			Description: "Rejects the message when it calls the given method, optionally only for one tool.",
			Schema: `{
				"type": "object",
				"properties": {
					"method": {"type": "string", "minLength": 1},
					"tool": {"type": "string"},
					"reason": {"type": "string"}
				},
				"required": ["method"],
				"additionalProperties": false
			}`,
			action: func(in *Input, p Params) (Outcome, error) {
				if in.Message.Method != p.String("method") {
					return Outcome{Verdict: VerdictPass}, nil
				}
				if tool := p.String("tool"); tool != "" && in.Message.ToolName() != tool {
					return Outcome{Verdict: VerdictPass}, nil
				}
				reason := p.String("reason")
				if reason == "" {
					reason = fmt.Sprintf("method %s is blocked by policy", in.Message.Method)
					if tool := in.Message.ToolName(); tool != "" {
						reason = fmt.Sprintf("tool %s is blocked by policy", tool)
					}
				}
				return Outcome{Verdict: VerdictBlock, Reason: reason}, nil
			},
		},
		{
			Name:        "redact",
			Description: "Replaces the values at the given gjson paths.",
			Schema: `{
				"type": "object",
				"properties": {
					"paths": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
					"replacement": {"type": "string"}
				},
				"required": ["paths"],
				"additionalProperties": false
			}`,
			validate: func(p Params) error {
				for _, path := range p.Strings("paths") {
					if strings.ContainsAny(path, "*?#|@") {
						return fmt.Errorf("path %q: wildcards and modifiers cannot be redacted", path)
					}
				}
				return nil
			},
			action: func(in *Input, p Params) (Outcome, error) {
				out := append([]byte(nil), in.Message.Raw...)
				replacement := p.StringOr("replacement", DefaultReplacement)
				changed := false
				for _, path := range p.Strings("paths") {
					if !gjson.GetBytes(out, path).Exists() {
						continue
					}
					var err error
					out, err = sjson.SetBytes(out, path, replacement)
					if err != nil {
						return Outcome{}, fmt.Errorf("redacting %s: %w", path, err)
					}
					changed = true
				}
				if !changed {
					return Outcome{Verdict: VerdictPass}, nil
				}
				return Outcome{Verdict: VerdictRedact, Message: out}, nil
			},
		},
		{
			Name:        "redact_pattern",
			Description: "Replaces regular expression matches inside string values of params, result and error.",
			Schema: `{
				"type": "object",
				"properties": {
					"pattern": {"type": "string", "minLength": 1},
					"replacement": {"type": "string"}
				},
				"required": ["pattern"],
				"additionalProperties": false
			}`,
			validate: validatePattern("pattern"),
			action: func(in *Input, p Params) (Outcome, error) {
				re, err := compile(p.String("pattern"))
				if err != nil {
					return Outcome{}, err
				}
				if !re.Match(in.Message.Raw) {
					return Outcome{Verdict: VerdictPass}, nil
				}

				dec := json.NewDecoder(bytes.NewReader(in.Message.Raw))
				dec.UseNumber()
				var doc any
				if err := dec.Decode(&doc); err != nil {
					return Outcome{}, fmt.Errorf("decoding message: %w", err)
				}

				replacement := p.StringOr("replacement", DefaultReplacement)
				changed := false
				replace := func(s string) string {
					r := re.ReplaceAllLiteralString(s, replacement)
					if r != s {
						changed = true
					}
					return r
				}
				// envelope members (jsonrpc, id, method) are never rewritten
				if obj, ok := doc.(map[string]any); ok {
					for _, key := range []string{"params", "result", "error"} {
						if child, ok := obj[key]; ok {
							obj[key] = walkStrings(child, replace)
						}
					}
				}
				if !changed {
					return Outcome{Verdict: VerdictPass}, nil
				}

				var buf bytes.Buffer
				enc := json.NewEncoder(&buf)
				enc.SetEscapeHTML(false)
				if err := enc.Encode(doc); err != nil {
					return Outcome{}, fmt.Errorf("encoding message: %w", err)
				}
				return Outcome{Verdict: VerdictRedact, Message: bytes.TrimRight(buf.Bytes(), "\n")}, nil
			},
		},
	}
}

// walkStrings applies fn to every string value (not keys) in a decoded JSON document.
func walkStrings(v any, fn func(string) string) any {
	switch t := v.(type) {
	case string:
		return fn(t)
	case map[string]any:
		for k, child := range t {
			t[k] = walkStrings(child, fn)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = walkStrings(child, fn)
		}
		return t
	default:
		return v
	}
}
