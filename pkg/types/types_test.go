package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCapturedAtOmittedUntilLogged(t *testing.T) {
	e := CapturedExchange{ID: "1-abcdef01", Method: "GET", URL: "https://example.com/"}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "capturedAt") {
		t.Fatalf("unset capture time should be omitted: %s", data)
	}

	e.CapturedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err = json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"capturedAt":"2026-01-02T03:04:05Z"`) {
		t.Fatalf("capture time missing: %s", data)
	}
}

func TestContentTypeLookupIgnoresCase(t *testing.T) {
	e := CapturedExchange{
		RequestHeaders:  map[string]string{"content-type": "text/plain"},
		ResponseHeaders: map[string]string{"Content-Type": "application/json"},
	}
	if got := e.RequestContentType(); got != "text/plain" {
		t.Fatalf("unexpected request content type %q", got)
	}
	if got := e.ResponseContentType(); got != "application/json" {
		t.Fatalf("unexpected response content type %q", got)
	}
}
