// Package filter narrows and redacts captured exchanges on their way to a viewer.
package filter

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/yourorg/reqsniffer/internal/config"
	"github.com/yourorg/reqsniffer/pkg/types"
)

// SanitizeConfig is an alias of config.SanitizeConfig.
type SanitizeConfig = config.SanitizeConfig

// Sanitizer redacts sensitive headers, query parameters and JSON body fields.
type Sanitizer struct {
	headers     map[string]struct{}
	fields      map[string]struct{}
	replacement string
}

func NewSanitizer(cfg SanitizeConfig) *Sanitizer {
	return &Sanitizer{
		headers:     toLowerSet(cfg.Headers),
		fields:      toLowerSet(cfg.BodyFields),
		replacement: cfg.Replacement,
	}
}

// Sanitize redacts every exchange in list. Inputs are not modified.
func Sanitize(list []types.CapturedExchange, cfg SanitizeConfig) []types.CapturedExchange {
	s := NewSanitizer(cfg)
	out := make([]types.CapturedExchange, len(list))
	for i, e := range list {
		out[i] = s.Exchange(e)
	}
	return out
}

// Exchange returns a redacted copy of e. Maps and bodies shared with the capture store are
// copied before any replacement.
func (s *Sanitizer) Exchange(e types.CapturedExchange) types.CapturedExchange {
	e.RequestHeaders = s.headerMap(e.RequestHeaders)
	e.ResponseHeaders = s.headerMap(e.ResponseHeaders)
	e.URL = s.rawURL(e.URL)
	e.OriginalURL = s.rawURL(e.OriginalURL)
	e.Path = s.rawURL(e.Path)
	e.RequestBody = s.body(e.RequestBody)
	e.ResponseBody = s.body(e.ResponseBody)
	return e
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func (s *Sanitizer) headerMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if _, ok := s.headers[strings.ToLower(k)]; ok {
			out[k] = s.replacement
			continue
		}
		out[k] = v
	}
	return out
}

// rawURL redacts sensitive query parameter values, leaving everything else byte-for-byte.
func (s *Sanitizer) rawURL(raw string) string {
	base, query, ok := strings.Cut(raw, "?")
	if !ok || query == "" || len(s.fields) == 0 {
		return raw
	}
	query, fragment, hasFragment := strings.Cut(query, "#")
	parts := strings.Split(query, "&")
	changed := false
	for i, part := range parts {
		key, _, _ := strings.Cut(part, "=")
		name, err := url.QueryUnescape(key)
		if err != nil {
			name = key
		}
		if _, hit := s.fields[strings.ToLower(name)]; hit {
			parts[i] = key + "=" + url.QueryEscape(s.replacement)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out := base + "?" + strings.Join(parts, "&")
	if hasFragment {
		out += "#" + fragment
	}
	return out
}

func (s *Sanitizer) body(v any) any {
	if v == nil || len(s.fields) == 0 {
		return v
	}
	if text, ok := v.(string); ok {
		return s.textBody(text)
	}
	return s.jsonValue(v)
}

func (s *Sanitizer) textBody(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return body
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return body
	}
	out, err := json.Marshal(s.jsonValue(v))
	if err != nil {
		return body
	}
	return string(out)
}

func (s *Sanitizer) jsonValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v2 := range val {
			if _, ok := s.fields[strings.ToLower(k)]; ok {
				out[k] = s.replacement
				continue
			}
			out[k] = s.jsonValue(v2)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = s.jsonValue(val[i])
		}
		return out
	default:
		return val
	}
}
