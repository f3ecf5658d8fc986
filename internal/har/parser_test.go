package har

import (
	"path/filepath"
	"testing"

	"github.com/yourorg/reqsniffer/pkg/types"
)

func TestParseNormalHAR(t *testing.T) {
	list, err := Parse(filepath.Join("testdata", "sample.har"))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(list))
	}
	login, items := list[0], list[1]
	if login.Path != "/api/login" || items.Path != "/api/items?id=1&id=2" {
		t.Fatalf("entries not sorted oldest first: %s, %s", login.Path, items.Path)
	}
	if login.Kind != types.KindFetch || items.Kind != types.KindXHR {
		t.Fatalf("unexpected kinds %s, %s", login.Kind, items.Kind)
	}
	body, ok := login.RequestBody.(map[string]any)
	if !ok || body["user"] != "a" {
		t.Fatalf("expected parsed json request body, got %#v", login.RequestBody)
	}
	if items.Method != "GET" || items.BaseURL != "https://shop.example.com" {
		t.Fatalf("unexpected items exchange %+v", items)
	}
	if items.TabContext == nil || items.TabContext.URL != "https://shop.example.com/cart" {
		t.Fatalf("expected page title as tab url, got %+v", items.TabContext)
	}
	if login.ID == "" || login.ID == items.ID {
		t.Fatalf("expected fresh distinct ids")
	}
}

func TestParseBase64Body(t *testing.T) {
	list, err := Parse(filepath.Join("testdata", "base64-body.har"))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 exchange")
	}
	if list[0].RequestBodyEncoding != types.EncodingOmitted {
		t.Fatalf("expected omitted for binary body, got %s", list[0].RequestBodyEncoding)
	}
	if list[0].ResponseBody != nil || list[0].ResponseBodyEncoding != types.EncodingOmitted {
		t.Fatalf("expected octet-stream response omitted, got %v", list[0].ResponseBody)
	}
}

func TestParseEmptyHAR(t *testing.T) {
	list, err := Parse(filepath.Join("testdata", "empty.har"))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no exchanges")
	}
}

func TestParseMissingFile(t *testing.T) {
	if _, err := Parse(filepath.Join("testdata", "not-exist.har")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
