package types

import (
	"strings"
	"time"
)

// Kind identifies which request primitive issued an exchange.
type Kind string

const (
	KindFetch Kind = "fetch"
	KindXHR   Kind = "xhr"
)

// Body encodings recorded next to a captured body.
const (
	EncodingPlain     = "plain"
	EncodingBase64    = "base64"
	EncodingOmitted   = "omitted"
	EncodingTruncated = "truncated"
)

// TabContext identifies the page context an exchange came from.
type TabContext struct {
	TabID string `json:"tabId,omitempty"`
	URL   string `json:"url,omitempty"`
}

// CapturedExchange is one intercepted request/response pair.
type CapturedExchange struct {
	ID                   string            `json:"id"`
	Timestamp            time.Time         `json:"timestamp"`
	CapturedAt           time.Time         `json:"capturedAt,omitzero"`
	Method               string            `json:"method"`
	URL                  string            `json:"url"`
	BaseURL              string            `json:"baseUrl"`
	Path                 string            `json:"path"`
	IsRelative           bool              `json:"isRelative"`
	OriginalURL          string            `json:"originalUrl"`
	Kind                 Kind              `json:"type"`
	RequestHeaders       map[string]string `json:"requestHeaders,omitempty"`
	RequestBody          any               `json:"requestBody,omitempty"`
	RequestBodyEncoding  string            `json:"requestBodyEncoding,omitempty"`
	ResponseHeaders      map[string]string `json:"responseHeaders,omitempty"`
	StatusCode           int               `json:"statusCode,omitempty"`
	StatusText           string            `json:"statusText,omitempty"`
	ResponseTime         int64             `json:"responseTime"`
	ResponseBody         any               `json:"responseBody,omitempty"`
	ResponseBodyEncoding string            `json:"responseBodyEncoding,omitempty"`
	Error                string            `json:"error,omitempty"`
	TabContext           *TabContext       `json:"tabContext,omitempty"`
}

// Failed reports whether the call failed before a response was obtained.
func (e *CapturedExchange) Failed() bool {
	return e.Error != ""
}

// RequestContentType returns the request content type, looked up case-insensitively.
func (e *CapturedExchange) RequestContentType() string {
	return headerValue(e.RequestHeaders, "Content-Type")
}

// ResponseContentType returns the response content type, looked up case-insensitively.
func (e *CapturedExchange) ResponseContentType() string {
	return headerValue(e.ResponseHeaders, "Content-Type")
}

func headerValue(h map[string]string, name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
