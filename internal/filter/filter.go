package filter

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/yourorg/reqsniffer/pkg/types"
)

// Criteria narrows a list of captured exchanges. Zero fields match everything.
type Criteria struct {
	Methods          []string
	Kinds            []types.Kind
	URLContains      string
	ContentTypes     []string // response content types; "image/*" style prefixes allowed
	IgnoreExtensions []string
	Status           StatusRange
	FailedOnly       bool
	Limit            int
}

// StatusRange is an inclusive range of response status codes. The zero value matches all.
type StatusRange struct {
	Min, Max int
}

// ParseStatus accepts "200", "4xx" or "200-299".
func ParseStatus(s string) (StatusRange, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "":
		return StatusRange{}, nil
	case len(s) == 3 && strings.HasSuffix(s, "xx"):
		d, err := strconv.Atoi(s[:1])
		if err != nil || d < 1 || d > 5 {
			return StatusRange{}, fmt.Errorf("invalid status class %q", s)
		}
		return StatusRange{Min: d * 100, Max: d*100 + 99}, nil
	case strings.Contains(s, "-"):
		lo, hi, _ := strings.Cut(s, "-")
		from, err1 := strconv.Atoi(lo)
		to, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || from > to {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{Min: from, Max: to}, nil
	default:
		code, err := strconv.Atoi(s)
		if err != nil {
			return StatusRange{}, fmt.Errorf("invalid status %q", s)
		}
		return StatusRange{Min: code, Max: code}, nil
	}
}

func (r StatusRange) match(code int) bool {
	if r.Min == 0 && r.Max == 0 {
		return true
	}
	return code >= r.Min && code <= r.Max
}

// Apply returns the exchanges matching c, keeping their order.
func Apply(list []types.CapturedExchange, c Criteria) []types.CapturedExchange {
	out := make([]types.CapturedExchange, 0, len(list))
	for _, e := range list {
		if c.Limit > 0 && len(out) >= c.Limit {
			break
		}
		if len(c.Methods) > 0 && !containsFold(c.Methods, e.Method) {
			continue
		}
		if len(c.Kinds) > 0 && !containsKind(c.Kinds, e.Kind) {
			continue
		}
		if c.URLContains != "" && !strings.Contains(strings.ToLower(e.URL), strings.ToLower(c.URLContains)) {
			continue
		}
		if len(c.ContentTypes) > 0 && !matchesContentType(e.ResponseContentType(), c.ContentTypes) {
			continue
		}
		if hasIgnoredExtension(pathOnly(e.Path), c.IgnoreExtensions) {
			continue
		}
		if c.FailedOnly && !e.Failed() {
			continue
		}
		if !c.Status.match(e.StatusCode) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

func containsKind(list []types.Kind, k types.Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

func pathOnly(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		return p[:i]
	}
	return p
}

func hasIgnoredExtension(p string, exts []string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.ToLower(strings.TrimSpace(e)) == ext {
			return true
		}
	}
	return false
}

func matchesContentType(ct string, patterns []string) bool {
	if strings.TrimSpace(ct) == "" {
		return false
	}
	base := strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(base, prefix) {
				return true
			}
			continue
		}
		if base == p {
			return true
		}
	}
	return false
}

// Endpoint summarises the exchanges sharing a method, origin, path and query shape.
type Endpoint struct {
	Method     string   `json:"method"`
	BaseURL    string   `json:"baseUrl"`
	Path       string   `json:"path"`
	Count      int      `json:"count"`
	Statuses   []int    `json:"statuses"`
	Errors     int      `json:"errors"`
	LastSeenID string   `json:"lastSeenId"`
	Kinds      []string `json:"kinds"`
}

// Group merges exchanges hitting the same endpoint. Query values are ignored, query keys are
// not. Groups are ordered by first appearance in list.
func Group(list []types.CapturedExchange) []Endpoint {
	out := make([]Endpoint, 0)
	index := make(map[string]int, len(list))
	for _, e := range list {
		key := requestKey(e)
		idx, ok := index[key]
		if !ok {
			idx = len(out)
			index[key] = idx
			out = append(out, Endpoint{Method: strings.ToUpper(e.Method), BaseURL: e.BaseURL, Path: pathOnly(e.Path), LastSeenID: e.ID})
		}
		ep := &out[idx]
		ep.Count++
		if e.Failed() {
			ep.Errors++
		} else if !containsInt(ep.Statuses, e.StatusCode) {
			ep.Statuses = append(ep.Statuses, e.StatusCode)
		}
		if !containsFold(ep.Kinds, string(e.Kind)) {
			ep.Kinds = append(ep.Kinds, string(e.Kind))
		}
	}
	for i := range out {
		sort.Ints(out[i].Statuses)
		sort.Strings(out[i].Kinds)
	}
	return out
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}

func requestKey(e types.CapturedExchange) string {
	var params map[string][]string
	if u, err := url.Parse(e.URL); err == nil {
		params = u.Query()
	}
	return strings.ToUpper(e.Method) + " " + e.BaseURL + pathOnly(e.Path) + "?" + canonicalQueryKeys(params)
}

func canonicalQueryKeys(params map[string][]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, "&")
}
