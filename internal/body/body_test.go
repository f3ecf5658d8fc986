package body

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"reflect"
	"testing"

	"github.com/andybalholm/brotli"

	"github.com/yourorg/reqsniffer/pkg/types"
)

func TestIsJSON(t *testing.T) {
	for ct, want := range map[string]bool{
		"application/json":                true,
		"Application/JSON; charset=utf-8": true,
		"text/plain":                      false,
		"":                                false,
	} {
		if got := IsJSON(ct); got != want {
			t.Fatalf("IsJSON(%q) = %v", ct, got)
		}
	}
}

func TestParseJSONBody(t *testing.T) {
	v, enc := Parse("application/json", []byte(`{"user":"a"}`))
	want := map[string]any{"user": "a"}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("unexpected value %#v", v)
	}
	if enc != types.EncodingPlain {
		t.Fatalf("unexpected encoding %s", enc)
	}
}

func TestParseInvalidJSONKeepsText(t *testing.T) {
	v, _ := Parse("application/json", []byte(`{not json`))
	if v != "{not json" {
		t.Fatalf("expected raw text, got %#v", v)
	}
}

func TestParseTextBody(t *testing.T) {
	v, enc := Parse("text/plain", []byte("a=1&b=2"))
	if v != "a=1&b=2" || enc != types.EncodingPlain {
		t.Fatalf("unexpected %#v %s", v, enc)
	}
}

func TestParseBinaryBody(t *testing.T) {
	data := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0xff}
	v, enc := Parse("image/png", data)
	if enc != types.EncodingBase64 {
		t.Fatalf("expected base64, got %s", enc)
	}
	if v != base64.StdEncoding.EncodeToString(data) {
		t.Fatalf("unexpected value %#v", v)
	}
}

func TestParseEmpty(t *testing.T) {
	v, enc := Parse("application/json", nil)
	if v != nil || enc != "" {
		t.Fatalf("expected absent body, got %#v %q", v, enc)
	}
}

func TestDecodeGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(`{"ok":true}`))
	_ = gz.Close()

	out, err := Decode("gzip", buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"ok":true}` {
		t.Fatalf("unexpected %s", out)
	}
}

func TestDecodeBrotli(t *testing.T) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	if _, err := bw.Write([]byte(`{"token":"t"}`)); err != nil {
		t.Fatalf("writing brotli data: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("closing brotli writer: %v", err)
	}

	out, err := Decode("br", buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"token":"t"}` {
		t.Fatalf("unexpected %s", out)
	}
}

func TestDecodeUnknownPassesThrough(t *testing.T) {
	out, err := Decode("zstd", []byte("abc"))
	if err != nil || string(out) != "abc" {
		t.Fatalf("unexpected %s %v", out, err)
	}
	if _, err := Decode("gzip", []byte("not gzip")); err == nil {
		t.Fatalf("expected error for corrupt gzip")
	}
}
