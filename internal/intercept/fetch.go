package intercept

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/yourorg/reqsniffer/internal/resolve"
)

type originalTargetKey struct{}

// WithOriginalTarget records the target as the page wrote it, before resolution, so the
// captured exchange keeps originalUrl and isRelative even though the transport only ever sees
// absolute URLs.
func WithOriginalTarget(ctx context.Context, raw string) context.Context {
	return context.WithValue(ctx, originalTargetKey{}, raw)
}

func originalTarget(ctx context.Context) (string, bool) {
	raw, ok := ctx.Value(originalTargetKey{}).(string)
	return raw, ok && raw != ""
}

// FetchInit carries the optional part of a promise-style call.
type FetchInit struct {
	Method string
	Header http.Header
	Body   io.Reader
}

// Fetch issues a promise-style call from the page context: target may be relative to the page
// URL. Capture happens in the client's transport, so client must have been passed to Install.
func (i *Interceptor) Fetch(ctx context.Context, client *http.Client, target any, init *FetchInit) (*http.Response, error) {
	if init == nil {
		init = &FetchInit{}
	}
	raw := resolve.TargetString(target)
	full := resolve.Resolve(target, i.PageURL()).FullURL
	req, err := http.NewRequestWithContext(WithOriginalTarget(ctx, raw), init.Method, full, init.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", raw, err)
	}
	for k, v := range init.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	return client.Do(req)
}
