// ABOUTME: Typed accessors over validated catalog parameters
// ABOUTME: Values are JSON-decoded with UseNumber, so numbers arrive as json.Number

package catalog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
)

// Params holds schema-validated parameters for one class instance.
type Params map[string]any

// String returns a string parameter or "".
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// StringOr returns a string parameter or def when absent or empty.
func (p Params) StringOr(key, def string) string {
	if s := p.String(key); s != "" {
		return s
	}
	return def
}

// Strings returns a string-array parameter.
func (p Params) Strings(key string) []string {
	raw, _ := p[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Bool returns a boolean parameter or false.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Scalar renders a scalar parameter the way gjson renders a matching value.
func (p Params) Scalar(key string) (string, bool) {
	switch v := p[key].(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return fmt.Sprint(v), true
	}
	return "", false
}

var regexCache sync.Map // pattern -> *regexp.Regexp

// compile returns a cached compiled pattern.
func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// validatePattern checks that the named parameter, when present, is a valid regexp.
func validatePattern(key string) func(Params) error {
	return func(p Params) error {
		if pattern := p.String(key); pattern != "" {
			if _, err := compile(pattern); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return nil
	}
}
