package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/yourorg/reqsniffer/internal/resolve"
	"github.com/yourorg/reqsniffer/pkg/types"
)

// ReadyState is the lifecycle position of an XHR-style request.
type ReadyState int

const (
	Unsent ReadyState = iota
	Opened
	HeadersReceived
	Loading
	Done
)

func (s ReadyState) String() string {
	switch s {
	case Unsent:
		return "UNSENT"
	case Opened:
		return "OPENED"
	case HeadersReceived:
		return "HEADERS_RECEIVED"
	case Loading:
		return "LOADING"
	case Done:
		return "DONE"
	}
	return fmt.Sprintf("ReadyState(%d)", int(s))
}

var (
	ErrInvalidState = errors.New("invalid request state")
	ErrAborted      = errors.New("request aborted")
)

// XHR is the lifecycle-object request primitive: open, set headers, send, then observe state
// changes until Done.
type XHR interface {
	Open(method string, target any) error
	SetRequestHeader(name, value string) error
	// Send starts the call. body may be nil, a string, []byte or url.Values.
	Send(body any) error
	SetOnReadyStateChange(fn func())
	OnReadyStateChange() func()
	ReadyState() ReadyState
	Status() int
	StatusText() string
	AllResponseHeaders() string
	ResponseText() string
	Abort()
}

// Request is an XHR over an *http.Client. Send returns immediately; the call runs on its own
// goroutine and state changes are reported through the ready-state handler. Use Wait to block.
type Request struct {
	client  *http.Client
	pageURL string

	mu         sync.Mutex
	state      ReadyState
	sent       bool
	method     string
	url        string
	header     http.Header
	onChange   func()
	status     int
	statusText string
	respHeader http.Header
	respText   string
	err        error
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ XHR = (*Request)(nil)

// NewRequest returns an unsent request. Relative targets resolve against pageURL.
func NewRequest(client *http.Client, pageURL string) *Request {
	if client == nil {
		client = http.DefaultClient
	}
	return &Request{client: client, pageURL: pageURL}
}

func (r *Request) Open(method string, target any) error {
	full := resolve.Resolve(target, r.pageURL).FullURL
	if _, err := url.Parse(full); err != nil {
		return fmt.Errorf("open %q: %w", full, err)
	}
	if method == "" {
		method = http.MethodGet
	}
	r.mu.Lock()
	if r.sent && r.state != Done {
		r.mu.Unlock()
		return fmt.Errorf("open while in flight: %w", ErrInvalidState)
	}
	r.state = Opened
	r.sent = false
	r.method = strings.ToUpper(method)
	r.url = full
	r.header = http.Header{}
	r.status, r.statusText, r.respHeader, r.respText, r.err = 0, "", nil, "", nil
	r.done = nil
	r.mu.Unlock()

	r.fire()
	return nil
}

func (r *Request) SetRequestHeader(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Opened || r.sent {
		return fmt.Errorf("set header %q: %w", name, ErrInvalidState)
	}
	r.header.Add(name, value)
	return nil
}

func (r *Request) Send(payload any) error {
	data, contentType, err := encodePayload(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state != Opened || r.sent {
		r.mu.Unlock()
		return fmt.Errorf("send: %w", ErrInvalidState)
	}
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(withPrimitive(ctx, types.KindXHR), r.method, r.url, bodyReader(data))
	if err != nil {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("send: %w", err)
	}
	req.Header = r.header.Clone()
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	r.sent = true
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.run(req, cancel, done)
	return nil
}

func (r *Request) run(req *http.Request, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	resp, err := r.client.Do(req)
	if err != nil {
		r.fail(err)
		return
	}
	defer resp.Body.Close()

	r.mu.Lock()
	r.status = resp.StatusCode
	r.statusText = statusText(resp)
	r.respHeader = resp.Header.Clone()
	r.state = HeadersReceived
	r.mu.Unlock()
	r.fire()

	r.setState(Loading)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		r.fail(err)
		return
	}

	r.mu.Lock()
	r.respText = string(data)
	r.state = Done
	r.mu.Unlock()
	r.fire()
}

// fail reports a network-level failure the way an XHR does: status 0, then Done.
func (r *Request) fail(err error) {
	r.mu.Lock()
	if errors.Is(err, context.Canceled) {
		err = ErrAborted
	}
	r.err = err
	r.status, r.statusText, r.respHeader, r.respText = 0, "", nil, ""
	r.state = Done
	r.mu.Unlock()
	r.fire()
}

func (r *Request) setState(s ReadyState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.fire()
}

func (r *Request) fire() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Wait blocks until the sent call reaches Done or ctx ends, and returns the network error, if any.
func (r *Request) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return fmt.Errorf("wait: %w", ErrInvalidState)
	}
	select {
	case <-done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the failure that ended the call, or nil.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Request) Abort() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Request) SetOnReadyStateChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Request) OnReadyStateChange() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onChange
}

func (r *Request) ReadyState() ReadyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Request) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Request) StatusText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusText
}

func (r *Request) ResponseText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respText
}

// AllResponseHeaders returns the response headers as a CRLF separated block of lower-cased
// "name: value" lines, sorted by name.
func (r *Request) AllResponseHeaders() string {
	r.mu.Lock()
	h := r.respHeader
	r.mu.Unlock()
	if len(h) == 0 {
		return ""
	}
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		b.WriteString(strings.ToLower(k))
		b.WriteString(": ")
		b.WriteString(strings.Join(h[k], ", "))
		b.WriteString("\r\n")
	}
	return b.String()
}

func encodePayload(payload any) ([]byte, string, error) {
	switch v := payload.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(v), "text/plain;charset=UTF-8", nil
	case []byte:
		return v, "", nil
	case url.Values:
		return []byte(v.Encode()), "application/x-www-form-urlencoded;charset=UTF-8", nil
	}
	return nil, "", fmt.Errorf("send: unsupported body type %T", payload)
}

func bodyReader(data []byte) io.Reader {
	if data == nil {
		return nil
	}
	return bytes.NewReader(data)
}
