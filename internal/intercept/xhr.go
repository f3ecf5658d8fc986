package intercept

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/reqsniffer/internal/body"
	"github.com/yourorg/reqsniffer/internal/resolve"
	"github.com/yourorg/reqsniffer/pkg/types"
)

// NewXHR returns a Request on client already wrapped for capture.
func (i *Interceptor) NewXHR(client *http.Client) XHR {
	return i.WrapXHR(NewRequest(client, i.PageURL()))
}

// WrapXHR decorates x so the call it carries is captured. Every method is forwarded to x; the
// caller's ready-state handler keeps receiving every state change, after capture on Done.
func (i *Interceptor) WrapXHR(x XHR) XHR {
	return &xhrCall{XHR: x, ic: i}
}

type xhrCall struct {
	XHR
	ic *Interceptor

	mu        sync.Mutex
	pending   *types.CapturedExchange
	start     time.Time
	handler   func()
	installed bool
}

func (c *xhrCall) Open(method string, target any) error {
	c.stash(method, target)
	return c.XHR.Open(method, target)
}

func (c *xhrCall) stash(method string, target any) {
	var raw string
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.pending = nil
			c.mu.Unlock()
			c.ic.recoverValue("open", raw, r)
		}
	}()
	raw = resolve.TargetString(target)
	start := c.ic.now()
	ex := c.ic.newExchange(types.KindXHR, strings.ToUpper(method), resolve.Resolve(target, c.ic.PageURL()), start)
	ex.RequestHeaders = map[string]string{}

	c.mu.Lock()
	c.pending = ex
	c.start = start
	c.mu.Unlock()
}

func (c *xhrCall) SetRequestHeader(name, value string) error {
	c.mu.Lock()
	if c.pending != nil {
		addHeader(c.pending.RequestHeaders, name, value)
	}
	c.mu.Unlock()
	return c.XHR.SetRequestHeader(name, value)
}

// addHeader combines a repeated name into one ", " separated value, keeping the first spelling.
func addHeader(h map[string]string, name, value string) {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			h[k] = v + ", " + value
			return
		}
	}
	h[name] = value
}

func (c *xhrCall) SetOnReadyStateChange(fn func()) {
	c.mu.Lock()
	c.handler = fn
	installed := c.installed
	c.mu.Unlock()
	if !installed {
		c.XHR.SetOnReadyStateChange(fn)
	}
}

func (c *xhrCall) OnReadyStateChange() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *xhrCall) Send(payload any) error {
	if c.arm(payload) {
		c.XHR.SetOnReadyStateChange(c.onReadyStateChange)
	}
	return c.XHR.Send(payload)
}

// arm records the request body and reports whether the completion observer must be installed.
func (c *xhrCall) arm(payload any) (install bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			u := c.pending.URL
			c.pending = nil
			install = false
			c.ic.recoverValue("send", u, r)
		}
	}()
	if !c.ic.policy.ShouldCapture(c.pending.URL) {
		c.pending = nil
		return false
	}
	c.pending.RequestBody, c.pending.RequestBodyEncoding = c.requestBody(payload)
	if c.installed {
		return false
	}
	c.installed = true
	return true
}

func (c *xhrCall) requestBody(payload any) (any, string) {
	ct := c.pending.RequestContentType()
	var data []byte
	switch v := payload.(type) {
	case nil:
		return nil, ""
	case string:
		if v == "" {
			return nil, ""
		}
		if int64(len(v)) > c.ic.maxBodyBytes {
			return nil, types.EncodingTruncated
		}
		// only a JSON-typed string is parsed; any other string is kept as given
		if body.IsJSON(ct) {
			return body.ParseJSON(v), types.EncodingPlain
		}
		return v, types.EncodingPlain
	case []byte:
		data = v
	case url.Values:
		data = []byte(v.Encode())
	default:
		return nil, types.EncodingOmitted
	}
	if int64(len(data)) > c.ic.maxBodyBytes {
		return nil, types.EncodingTruncated
	}
	return body.Parse(ct, data)
}

func (c *xhrCall) onReadyStateChange() {
	if c.XHR.ReadyState() == Done {
		c.complete()
	}
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *xhrCall) complete() {
	c.mu.Lock()
	ex, start := c.pending, c.start
	c.pending = nil
	c.mu.Unlock()
	if ex == nil {
		return
	}
	defer c.ic.recoverCapture("complete", ex.URL)

	ex.ResponseHeaders = parseHeaderBlock(c.XHR.AllResponseHeaders())
	ex.StatusCode = c.XHR.Status()
	ex.StatusText = c.XHR.StatusText()
	ex.ResponseTime = c.ic.elapsed(start)
	if text := c.XHR.ResponseText(); text != "" {
		if int64(len(text)) > c.ic.maxBodyBytes {
			ex.ResponseBodyEncoding = types.EncodingTruncated
		} else {
			ex.ResponseBody, ex.ResponseBodyEncoding = body.Parse(ex.ResponseContentType(), []byte(text))
		}
	}
	if ex.StatusCode == 0 {
		if r, ok := c.XHR.(interface{ Err() error }); ok {
			if err := r.Err(); err != nil {
				ex.Error = err.Error()
			}
		}
	}
	c.ic.emit(ex)
}

// parseHeaderBlock reads "name: value" lines. Lines without a separator are skipped.
func parseHeaderBlock(block string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}
