package intercept

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/reqsniffer/pkg/types"
)

type stateRecorder struct {
	mu      sync.Mutex
	states  []ReadyState
	atDone  int
	emitted func() int
}

func (s *stateRecorder) handler(x XHR) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		st := x.ReadyState()
		s.states = append(s.states, st)
		if st == Done && s.emitted != nil {
			s.atDone = s.emitted()
		}
	}
}

func (s *stateRecorder) seen() []ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReadyState(nil), s.states...)
}

func waitRequest(t *testing.T, r *Request) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Wait(ctx)
}

func TestXHRCapturesExchange(t *testing.T) {
	ic, got := newTestInterceptor(t, enabled(".*"), WithPageURL("https://app.example.com/board"))
	var sent []byte
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		sent, _ = io.ReadAll(req.Body)
		resp := newResponse(req, http.StatusCreated, "application/json", `{"id":7}`)
		resp.Header.Set("X-Request-Id", "abc")
		return resp, nil
	})}
	// the fetch hook on the same client must not record the call a second time
	ic.Install(client)

	inner := NewRequest(client, ic.PageURL())
	x := ic.WrapXHR(inner)
	rec := &stateRecorder{emitted: func() int { return len(got.all()) }}
	x.SetOnReadyStateChange(rec.handler(x))

	require.NoError(t, x.Open("post", "/api/items"))
	require.NoError(t, x.SetRequestHeader("Content-Type", "application/json"))
	require.NoError(t, x.Send(`{"name":"x"}`))
	require.NoError(t, waitRequest(t, inner))

	assert.Equal(t, []ReadyState{Opened, HeadersReceived, Loading, Done}, rec.seen())
	assert.Equal(t, 1, rec.atDone, "exchange is emitted before the page's handler sees Done")
	assert.Equal(t, `{"name":"x"}`, string(sent))
	assert.Equal(t, `{"id":7}`, x.ResponseText())

	all := got.all()
	require.Len(t, all, 1)
	ex := all[0]
	assert.Regexp(t, idPattern, ex.ID)
	assert.Equal(t, types.KindXHR, ex.Kind)
	assert.Equal(t, "POST", ex.Method)
	assert.Equal(t, "https://app.example.com/api/items", ex.URL)
	assert.Equal(t, "/api/items", ex.OriginalURL)
	assert.True(t, ex.IsRelative)
	assert.Equal(t, map[string]string{"Content-Type": "application/json"}, ex.RequestHeaders)
	assert.Equal(t, map[string]any{"name": "x"}, ex.RequestBody)
	assert.Equal(t, http.StatusCreated, ex.StatusCode)
	assert.Equal(t, "Created", ex.StatusText)
	assert.Equal(t, "application/json", ex.ResponseHeaders["content-type"])
	assert.Equal(t, "abc", ex.ResponseHeaders["x-request-id"])
	assert.Equal(t, map[string]any{"id": float64(7)}, ex.ResponseBody)
}

func TestXHRDisabledStillDeliversStates(t *testing.T) {
	ic, got := newTestInterceptor(t, types.DefaultSettings())
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return newResponse(req, http.StatusOK, "text/plain", "plain"), nil
	})}
	inner := NewRequest(client, "")
	x := ic.WrapXHR(inner)
	rec := &stateRecorder{}
	x.SetOnReadyStateChange(rec.handler(x))

	require.NoError(t, x.Open(http.MethodGet, "https://example.com/page"))
	require.NoError(t, x.Send(nil))
	require.NoError(t, waitRequest(t, inner))

	assert.Equal(t, []ReadyState{Opened, HeadersReceived, Loading, Done}, rec.seen())
	assert.Equal(t, "plain", x.ResponseText())
	assert.Empty(t, got.all())
}

func TestXHRNetworkError(t *testing.T) {
	ic, got := newTestInterceptor(t, enabled(".*"))
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dns failure")
	})}
	inner := NewRequest(client, "")
	x := ic.WrapXHR(inner)
	rec := &stateRecorder{}
	x.SetOnReadyStateChange(rec.handler(x))

	require.NoError(t, x.Open(http.MethodGet, "https://unreachable.example.com/"))
	require.NoError(t, x.Send(nil))
	require.Error(t, waitRequest(t, inner))

	assert.Equal(t, []ReadyState{Opened, Done}, rec.seen())
	assert.Zero(t, x.Status())
	all := got.all()
	require.Len(t, all, 1)
	assert.Zero(t, all[0].StatusCode)
	assert.Contains(t, all[0].Error, "dns failure")
}

func TestXHRHandlerSetAfterSend(t *testing.T) {
	ic, got := newTestInterceptor(t, enabled(".*"))
	release := make(chan struct{})
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		<-release
		return newResponse(req, http.StatusOK, "text/plain", "late"), nil
	})}
	inner := NewRequest(client, "")
	x := ic.WrapXHR(inner)

	require.NoError(t, x.Open(http.MethodGet, "https://example.com/late"))
	require.NoError(t, x.Send("not json"))
	rec := &stateRecorder{}
	x.SetOnReadyStateChange(rec.handler(x))
	close(release)
	require.NoError(t, waitRequest(t, inner))

	assert.Equal(t, []ReadyState{HeadersReceived, Loading, Done}, rec.seen())
	all := got.all()
	require.Len(t, all, 1)
	assert.Equal(t, "not json", all[0].RequestBody)
	assert.Equal(t, "late", all[0].ResponseBody)
}

func TestXHRInvalidState(t *testing.T) {
	r := NewRequest(nil, "")
	assert.ErrorIs(t, r.SetRequestHeader("A", "b"), ErrInvalidState)
	assert.ErrorIs(t, r.Send(nil), ErrInvalidState)
	assert.Equal(t, Unsent, r.ReadyState())
	assert.Equal(t, "UNSENT", r.ReadyState().String())
}

func TestParseHeaderBlock(t *testing.T) {
	got := parseHeaderBlock("content-type: application/json\r\nx-broken\r\nx-multi: a: b\r\n\r\n")
	assert.Equal(t, map[string]string{
		"content-type": "application/json",
		"x-multi":      "a: b",
	}, got)
	assert.Empty(t, parseHeaderBlock(""))
}

func TestXHRBodiesFollowContentType(t *testing.T) {
	tests := []struct {
		name         string
		requestType  string
		responseType string
		wantRequest  any
		wantResponse any
	}{
		{
			name:         "text",
			requestType:  "text/plain",
			responseType: "text/plain",
			wantRequest:  `{"user":"a"}`,
			wantResponse: "42",
		},
		{
			name:         "json",
			requestType:  "application/json; charset=utf-8",
			responseType: "application/json",
			wantRequest:  map[string]any{"user": "a"},
			wantResponse: float64(42),
		},
		{
			name:         "absent",
			wantRequest:  `{"user":"a"}`,
			wantResponse: "42",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic, got := newTestInterceptor(t, enabled(".*"))
			client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
				return newResponse(req, http.StatusOK, tt.responseType, "42"), nil
			})}
			inner := NewRequest(client, "")
			x := ic.WrapXHR(inner)

			require.NoError(t, x.Open(http.MethodPost, "https://api.example.com/login"))
			if tt.requestType != "" {
				require.NoError(t, x.SetRequestHeader("Content-Type", tt.requestType))
			}
			require.NoError(t, x.Send(`{"user":"a"}`))
			require.NoError(t, waitRequest(t, inner))

			all := got.all()
			require.Len(t, all, 1)
			assert.Equal(t, tt.wantRequest, all[0].RequestBody)
			assert.Equal(t, tt.wantResponse, all[0].ResponseBody)
			assert.Equal(t, types.EncodingPlain, all[0].ResponseBodyEncoding)
		})
	}
}

func TestXHRRepeatedHeaderIsCombined(t *testing.T) {
	ic, got := newTestInterceptor(t, enabled(".*"))
	var sent http.Header
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		sent = req.Header.Clone()
		return newResponse(req, http.StatusNoContent, "", ""), nil
	})}
	inner := NewRequest(client, "")
	x := ic.WrapXHR(inner)

	require.NoError(t, x.Open(http.MethodGet, "https://api.example.com/tags"))
	require.NoError(t, x.SetRequestHeader("X-Tag", "a"))
	require.NoError(t, x.SetRequestHeader("x-tag", "b"))
	require.NoError(t, x.Send(nil))
	require.NoError(t, waitRequest(t, inner))

	assert.Equal(t, []string{"a", "b"}, sent.Values("X-Tag"))
	all := got.all()
	require.Len(t, all, 1)
	assert.Equal(t, map[string]string{"X-Tag": "a, b"}, all[0].RequestHeaders)
}
