package filter

import (
	"encoding/json"
	"testing"

	"github.com/yourorg/reqsniffer/pkg/types"
)

func TestSanitizeHeadersAndQuery(t *testing.T) {
	cfg := SanitizeConfig{
		Headers:     []string{"Authorization", "X-Api-Key", "Set-Cookie"},
		BodyFields:  []string{"token", "password"},
		Replacement: "***REDACTED***",
	}
	list := []types.CapturedExchange{
		{
			URL:             "https://api.example.com/search?token=abc&token=def&q=ok#top",
			Path:            "/search?token=abc&token=def&q=ok#top",
			RequestHeaders:  map[string]string{"authorization": "Bearer abc", "X-API-Key": "k", "Accept": "application/json"},
			ResponseHeaders: map[string]string{"Set-Cookie": "secret=1", "Content-Type": "application/json"},
		},
	}

	out := Sanitize(list, cfg)
	got := out[0]
	if got.RequestHeaders["authorization"] != cfg.Replacement {
		t.Fatalf("expected authorization redacted")
	}
	if got.RequestHeaders["X-API-Key"] != cfg.Replacement {
		t.Fatalf("expected x-api-key redacted")
	}
	if got.RequestHeaders["Accept"] != "application/json" {
		t.Fatalf("expected accept unchanged")
	}
	if got.ResponseHeaders["Set-Cookie"] != cfg.Replacement {
		t.Fatalf("expected set-cookie redacted")
	}
	want := "https://api.example.com/search?token=%2A%2A%2AREDACTED%2A%2A%2A&token=%2A%2A%2AREDACTED%2A%2A%2A&q=ok#top"
	if got.URL != want {
		t.Fatalf("unexpected url %s", got.URL)
	}
	if got.Path != "/search?token=%2A%2A%2AREDACTED%2A%2A%2A&token=%2A%2A%2AREDACTED%2A%2A%2A&q=ok#top" {
		t.Fatalf("unexpected path %s", got.Path)
	}
	if list[0].RequestHeaders["authorization"] != "Bearer abc" {
		t.Fatalf("input must not be modified")
	}
}

func TestSanitizeBodyNested(t *testing.T) {
	cfg := SanitizeConfig{
		BodyFields:  []string{"password", "token", "secret"},
		Replacement: "***REDACTED***",
	}
	var body any
	raw := `{"user":{"password":"p","profile":{"token":"t","age":30}},"items":[{"secret":"s1"},{"name":"n"}],"token":"top"}`
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatal(err)
	}
	list := []types.CapturedExchange{{RequestBody: body, ResponseBody: raw}}

	out := Sanitize(list, cfg)
	got := out[0].RequestBody.(map[string]any)
	user := got["user"].(map[string]any)
	if user["password"] != cfg.Replacement {
		t.Fatalf("expected nested password redacted")
	}
	profile := user["profile"].(map[string]any)
	if profile["token"] != cfg.Replacement {
		t.Fatalf("expected nested token redacted")
	}
	if profile["age"] != float64(30) {
		t.Fatalf("expected age kept")
	}
	items := got["items"].([]any)
	item0 := items[0].(map[string]any)
	if item0["secret"] != cfg.Replacement {
		t.Fatalf("expected secret redacted")
	}
	if got["token"] != cfg.Replacement {
		t.Fatalf("expected top-level token redacted")
	}

	original := body.(map[string]any)
	if original["token"] != "top" {
		t.Fatalf("captured body must not be modified")
	}

	var text map[string]any
	if err := json.Unmarshal([]byte(out[0].ResponseBody.(string)), &text); err != nil {
		t.Fatalf("unexpected json error: %v", err)
	}
	if text["token"] != cfg.Replacement {
		t.Fatalf("expected json text body redacted")
	}
}

func TestSanitizeNonJSONBody(t *testing.T) {
	cfg := SanitizeConfig{BodyFields: []string{"password"}, Replacement: "***REDACTED***"}
	list := []types.CapturedExchange{{RequestBody: "not-json", URL: "https://example.com/a"}}

	out := Sanitize(list, cfg)
	if out[0].RequestBody != "not-json" {
		t.Fatalf("expected non-json body unchanged")
	}
	if out[0].URL != "https://example.com/a" {
		t.Fatalf("expected url without query unchanged")
	}
}
