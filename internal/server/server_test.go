package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourorg/reqsniffer/internal/config"
	"github.com/yourorg/reqsniffer/internal/filter"
	"github.com/yourorg/reqsniffer/internal/har"
	"github.com/yourorg/reqsniffer/internal/relay"
	"github.com/yourorg/reqsniffer/internal/store"
	"github.com/yourorg/reqsniffer/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *relay.Hub) {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Settings.DBPath = filepath.Join(t.TempDir(), "settings.db")

	st, err := store.NewSQLiteSettings(cfg.Settings.DBPath)
	if err != nil {
		t.Fatalf("open sqlite settings: %v", err)
	}
	hub := relay.NewHub(store.NewCaptureStore(cfg.Capture.Capacity), st, nil)
	t.Cleanup(func() {
		hub.Close()
		_ = st.Close()
	})

	srv, err := New(cfg, hub, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, hub
}

func do(t *testing.T, srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerRequestsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/requests", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestServerRelayLogAndList(t *testing.T) {
	srv, _ := newTestServer(t)

	env := relay.Envelope{
		Action: relay.ActionLogRequest,
		Sender: &relay.Sender{TabID: "3", URL: "https://example.com/app"},
		Exchange: &types.CapturedExchange{
			ID:         "1-abcdef01",
			Method:     "GET",
			URL:        "https://example.com/api/ping",
			Path:       "/api/ping",
			StatusCode: 200,
			Kind:       types.KindFetch,
		},
	}
	rec := do(t, srv, http.MethodPost, relay.CallPath, env)
	if rec.Code != http.StatusOK {
		t.Fatalf("relay status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodPost, relay.CallPath, relay.Envelope{Action: relay.ActionGetRequests})
	var reply relay.Reply
	if err := json.NewDecoder(rec.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.OK || len(reply.Requests) != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	got := reply.Requests[0]
	if got.TabContext == nil || got.TabContext.TabID != "3" || got.CapturedAt.IsZero() {
		t.Fatalf("hub should stamp tab context and capture time: %+v", got)
	}

	rec = do(t, srv, http.MethodGet, "/api/requests?method=post", nil)
	var list []types.CapturedExchange
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("method filter should exclude GET, got %d", len(list))
	}

	rec = do(t, srv, http.MethodGet, "/api/requests?group=true", nil)
	var groups []filter.Endpoint
	if err := json.NewDecoder(rec.Body).Decode(&groups); err != nil {
		t.Fatalf("decode groups: %v", err)
	}
	if len(groups) != 1 || groups[0].Count != 1 {
		t.Fatalf("unexpected groups %+v", groups)
	}

	rec = do(t, srv, http.MethodDelete, "/api/requests", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("clear failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, "/api/requests", nil)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected cleared list, got %s", rec.Body.String())
	}
}

func TestServerRelayRejectsUnknownAction(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, relay.CallPath, relay.Envelope{Action: "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, relay.CallPath, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServerSettingsRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/settings", nil)
	var settings types.Settings
	if err := json.NewDecoder(rec.Body).Decode(&settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings != types.DefaultSettings() {
		t.Fatalf("expected defaults, got %+v", settings)
	}

	rec = do(t, srv, http.MethodPut, "/api/settings", map[string]any{"enabled": true, "urlPattern": "(broken"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var reply settingsReply
	if err := json.NewDecoder(rec.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.OK || reply.Settings == nil || !reply.Settings.Enabled || reply.Settings.URLPattern != "(broken" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Warning == "" {
		t.Fatalf("expected warning for invalid pattern")
	}

	rec = do(t, srv, http.MethodPut, "/api/settings", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty update should be rejected, status = %d", rec.Code)
	}
}

func TestServerHARExport(t *testing.T) {
	srv, hub := newTestServer(t)
	hub.Log(nil, types.CapturedExchange{
		ID:              "1-00000001",
		Timestamp:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Method:          "GET",
		URL:             "https://example.com/api/a",
		StatusCode:      200,
		ResponseHeaders: map[string]string{"Content-Type": "application/json"},
		ResponseBody:    map[string]any{"a": float64(1)},
	})

	rec := do(t, srv, http.MethodGet, "/api/requests.har", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list, err := har.Read(rec.Body)
	if err != nil {
		t.Fatalf("read har: %v", err)
	}
	if len(list) != 1 || list[0].ID != "1-00000001" {
		t.Fatalf("unexpected har entries %+v", list)
	}
}

func TestServerCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.Server.CORSExtensionID = "abcdef"

	rec := do(t, srv, http.MethodOptions, relay.CallPath, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "chrome-extension://abcdef" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestServerPushOverWebsocket(t *testing.T) {
	srv, hub := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	enabled := true
	if _, err := hub.UpdateSettings(context.Background(), types.SettingsUpdate{Enabled: &enabled}); err != nil {
		t.Fatalf("update: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + relay.PushPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// new subscribers receive the latest settings first
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env relay.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read push: %v", err)
	}
	if env.Action != relay.ActionSettingsChanged || env.Settings == nil || !env.Settings.Enabled {
		t.Fatalf("unexpected push %+v", env)
	}
}

func TestServerRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.Server.CORSExtensionID = "abcdef"
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + relay.PushPath
	header := http.Header{"Origin": {"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("expected foreign origin to be rejected")
	}

	header = http.Header{"Origin": {"chrome-extension://abcdef"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("extension origin rejected: %v", err)
	}
	_ = conn.Close()
}
