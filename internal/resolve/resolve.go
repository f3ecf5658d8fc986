// Package resolve turns a request target into an absolute URL against the page it was issued from.
package resolve

import (
	"net/http"
	"net/url"
	"strings"
)

// Target is a request descriptor that carries its own URL.
type Target interface {
	TargetURL() string
}

// Result is a resolved request target.
type Result struct {
	FullURL    string
	BaseURL    string
	Path       string
	IsRelative bool
	Original   string
}

// TargetString extracts the URL string from any accepted target shape.
// Accepted: string, *url.URL, *http.Request and Target. Anything else yields "".
func TargetString(target any) string {
	switch v := target.(type) {
	case string:
		return v
	case *url.URL:
		if v == nil {
			return ""
		}
		return v.String()
	case *http.Request:
		if v == nil || v.URL == nil {
			return ""
		}
		return v.URL.String()
	case Target:
		return v.TargetURL()
	default:
		return ""
	}
}

// Resolve resolves target against base, the URL of the page issuing the call. It never fails:
// when the target cannot be turned into an absolute URL, the raw string is returned as both
// FullURL and Path with the page's origin as BaseURL.
func Resolve(target any, base string) Result {
	raw := TargetString(target)
	res, ok := resolve(raw, base)
	if !ok {
		return Result{
			FullURL:    raw,
			BaseURL:    Origin(base),
			Path:       raw,
			IsRelative: false,
			Original:   raw,
		}
	}
	return res
}

func resolve(raw, base string) (Result, bool) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Result{}, false
	}
	u := ref
	if !ref.IsAbs() {
		b, err := url.Parse(base)
		if err != nil || !b.IsAbs() {
			return Result{}, false
		}
		u = b.ResolveReference(ref)
	}
	if u.Scheme == "" {
		return Result{}, false
	}
	if u.Host != "" && u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return Result{
		FullURL:    u.String(),
		BaseURL:    u.Scheme + "://" + u.Host,
		Path:       pathOf(u),
		IsRelative: IsRelative(raw),
		Original:   raw,
	}, true
}

// IsRelative reports whether s lacks a scheme and is not protocol-relative.
func IsRelative(s string) bool {
	return !strings.HasPrefix(s, "http") && !strings.HasPrefix(s, "//")
}

// Origin returns scheme://host of rawURL, or "" if it is not absolute.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func pathOf(u *url.URL) string {
	var b strings.Builder
	if u.Opaque != "" {
		b.WriteString(u.Opaque)
	} else {
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		b.WriteString(p)
	}
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.EscapedFragment())
	}
	return b.String()
}
