package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/reqsniffer/internal/body"
	"github.com/yourorg/reqsniffer/internal/resolve"
	"github.com/yourorg/reqsniffer/pkg/types"
)

var errClosedEarly = errors.New("response body closed before EOF")

type primitiveKey struct{}

// withPrimitive marks ctx as belonging to a call already observed by another hook, so the
// transport does not record it twice.
func withPrimitive(ctx context.Context, k types.Kind) context.Context {
	return context.WithValue(ctx, primitiveKey{}, k)
}

func primitiveFrom(ctx context.Context) (types.Kind, bool) {
	k, ok := ctx.Value(primitiveKey{}).(types.Kind)
	return k, ok
}

type transport struct {
	base http.RoundTripper
	ic   *Interceptor
}

// Transport returns base decorated with capture. A nil base means http.DefaultTransport.
func (i *Interceptor) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{base: base, ic: i}
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if kind, ok := primitiveFrom(req.Context()); ok && kind != types.KindFetch {
		return t.base.RoundTrip(req)
	}
	var target resolve.Result
	// req.Response is set on redirect hops, which share the context but not the page's target
	if raw, ok := originalTarget(req.Context()); ok && req.Response == nil {
		target = resolve.Resolve(raw, t.ic.PageURL())
	} else {
		target = resolve.Resolve(req, t.ic.PageURL())
	}
	if !t.ic.policy.ShouldCapture(target.FullURL) {
		return t.base.RoundTrip(req)
	}

	start := t.ic.now()
	ex, out := t.prepare(req, target, start)

	resp, err := t.base.RoundTrip(out)
	if ex == nil {
		return resp, err
	}
	if err != nil {
		ex.Error = err.Error()
		ex.ResponseTime = t.ic.elapsed(start)
		t.ic.emit(ex)
		return resp, err
	}
	return t.complete(ex, resp, start), nil
}

// prepare builds the pending exchange and the request to forward. out is req itself unless the
// body had to be buffered, in which case it is a clone carrying the buffered bytes.
func (t *transport) prepare(req *http.Request, target resolve.Result, start time.Time) (ex *types.CapturedExchange, out *http.Request) {
	out = req
	defer func() {
		if r := recover(); r != nil {
			ex = nil
			t.ic.recoverValue("request", target.FullURL, r)
		}
	}()

	data, fwd, err := t.requestBody(req)
	out = fwd

	ex = t.ic.newExchange(types.KindFetch, req.Method, target, start)
	if len(req.Header) > 0 {
		ex.RequestHeaders = flattenHeader(req.Header)
	}
	switch {
	case err != nil:
		t.ic.logger.Debug("request body not captured", zap.String("url", ex.URL), zap.Error(err))
	case int64(len(data)) > t.ic.maxBodyBytes:
		ex.RequestBodyEncoding = types.EncodingTruncated
	case len(data) > 0:
		ex.RequestBody, ex.RequestBodyEncoding = body.Parse(req.Header.Get("Content-Type"), data)
	}
	return ex, out
}

// requestBody reads a copy of the outgoing body. When the request cannot replay its body the
// original is drained into memory and a clone is returned for forwarding.
func (t *transport) requestBody(req *http.Request) ([]byte, *http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || t.ic.maxBodyBytes <= 0 {
		return nil, req, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, req, err
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, t.ic.maxBodyBytes+1))
		return data, req, err
	}

	data, readErr := io.ReadAll(req.Body)
	_ = req.Body.Close()
	out := req.Clone(req.Context())
	if readErr != nil {
		// forward the same failure the transport would have hit reading the body
		out.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), errReader{readErr}))
		return nil, out, readErr
	}
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	if int64(len(data)) > t.ic.maxBodyBytes {
		return data[:t.ic.maxBodyBytes+1], out, nil
	}
	return data, out, nil
}

func (t *transport) complete(ex *types.CapturedExchange, resp *http.Response, start time.Time) (out *http.Response) {
	out = resp
	defer t.ic.recoverCapture("response", ex.URL)

	ex.ResponseHeaders = flattenHeader(resp.Header)
	ex.StatusCode = resp.StatusCode
	ex.StatusText = statusText(resp)
	ex.ResponseTime = t.ic.elapsed(start)

	if !body.IsJSON(resp.Header.Get("Content-Type")) || resp.Body == nil || resp.Body == http.NoBody || t.ic.maxBodyBytes <= 0 {
		t.ic.emit(ex)
		return resp
	}
	encoding := ""
	if !resp.Uncompressed {
		encoding = resp.Header.Get("Content-Encoding")
	}
	resp.Body = &teeBody{
		rc:    resp.Body,
		limit: t.ic.maxBodyBytes,
		done: func(data []byte, overflow bool, err error) {
			t.finishBody(ex, encoding, data, overflow, err)
		},
	}
	return resp
}

func (t *transport) finishBody(ex *types.CapturedExchange, encoding string, data []byte, overflow bool, err error) {
	defer t.ic.recoverCapture("response body", ex.URL)
	switch {
	case overflow:
		ex.ResponseBodyEncoding = types.EncodingTruncated
	case errors.Is(err, errClosedEarly):
		// a decoder may stop reading right after the closing brace
		decoded, derr := body.Decode(encoding, data)
		if derr != nil || !json.Valid(decoded) {
			if len(data) > 0 {
				ex.ResponseBodyEncoding = types.EncodingTruncated
			}
			break
		}
		ex.ResponseBody = body.ParseJSON(string(decoded))
	case err != nil:
		t.ic.logger.Debug("response body not captured", zap.String("url", ex.URL), zap.Error(err))
	default:
		decoded, derr := body.Decode(encoding, data)
		if derr != nil {
			t.ic.logger.Debug("response body not decoded", zap.String("url", ex.URL), zap.Error(derr))
			break
		}
		if len(decoded) > 0 {
			ex.ResponseBody = body.ParseJSON(string(decoded))
		}
	}
	t.ic.emit(ex)
}

// teeBody records what the caller reads and reports once, at EOF, on a read error, or on Close.
type teeBody struct {
	rc       io.ReadCloser
	limit    int64
	done     func(data []byte, overflow bool, err error)
	mu       sync.Mutex
	buf      bytes.Buffer
	overflow bool
	finished bool
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.record(p[:n])
	}
	switch {
	case err == io.EOF:
		b.finish(nil)
	case err != nil:
		b.finish(err)
	}
	return n, err
}

// Close closes the upstream body at once and reports what the caller read so far.
func (b *teeBody) Close() error {
	err := b.rc.Close()
	b.finish(errClosedEarly)
	return err
}

func (b *teeBody) record(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished || b.overflow {
		return
	}
	if int64(b.buf.Len()+len(p)) > b.limit {
		b.overflow = true
		b.buf.Reset()
		return
	}
	b.buf.Write(p)
}

func (b *teeBody) finish(err error) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	data := append([]byte(nil), b.buf.Bytes()...)
	overflow := b.overflow
	b.buf.Reset()
	b.mu.Unlock()

	b.done(data, overflow, err)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
