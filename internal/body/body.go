// Package body turns captured request and response payloads into displayable values.
package body

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/gabriel-vasile/mimetype"

	"github.com/yourorg/reqsniffer/pkg/types"
)

// IsJSON reports whether contentType names a JSON payload.
func IsJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}

// ParseJSON decodes text as JSON, returning text unchanged if it is not valid JSON.
func ParseJSON(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	return v
}

// Parse applies the JSON-or-raw rule. JSON content types are decoded into structured data;
// everything else is kept as text, or base64 when the payload is binary.
// An empty payload returns (nil, "") so the field is left absent.
func Parse(contentType string, data []byte) (any, string) {
	if len(data) == 0 {
		return nil, ""
	}
	if IsJSON(contentType) {
		return ParseJSON(string(data)), types.EncodingPlain
	}
	if IsBinary(data) {
		return base64.StdEncoding.EncodeToString(data), types.EncodingBase64
	}
	return string(data), types.EncodingPlain
}

// IsBinary reports whether data should not be shown as text.
func IsBinary(data []byte) bool {
	if !utf8.Valid(data) {
		return true
	}
	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return false
		}
	}
	return true
}

// Decode undoes a Content-Encoding so the captured copy is readable.
// Unknown encodings are returned unchanged.
func Decode(contentEncoding string, data []byte) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case "br":
		r = brotli.NewReader(bytes.NewReader(data))
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	default:
		return data, nil
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decoding %s body: %w", contentEncoding, err)
	}
	return out, nil
}
