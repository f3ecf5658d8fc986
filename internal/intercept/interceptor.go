// Package intercept wraps the two request primitives of a page context, an http.RoundTripper
// and an XHR-style request object, so matching calls are captured without changing what the
// caller observes.
package intercept

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/reqsniffer/internal/resolve"
	"github.com/yourorg/reqsniffer/pkg/types"
)

// ErrCaptureBuild marks a failure while assembling or emitting an exchange record.
var ErrCaptureBuild = errors.New("capture build failed")

// DefaultMaxBodyBytes bounds how much of a body is kept for display.
const DefaultMaxBodyBytes = 1 << 20

// Emitter receives completed exchanges. Implementations must not block for long.
type Emitter interface {
	Emit(e types.CapturedExchange)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(e types.CapturedExchange)

func (f EmitterFunc) Emit(e types.CapturedExchange) { f(e) }

// Interceptor captures calls made through the primitives it wraps.
type Interceptor struct {
	policy       *Policy
	emitter      Emitter
	logger       *zap.Logger
	now          func() time.Time
	maxBodyBytes int64
	pageURL      atomic.Pointer[string]
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the logger used for capture tracing and recovered failures.
func WithLogger(l *zap.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

// WithPageURL sets the URL relative targets resolve against.
func WithPageURL(u string) Option {
	return func(i *Interceptor) { i.pageURL.Store(&u) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// WithMaxBodyBytes bounds captured body sizes. Zero or less disables body capture.
func WithMaxBodyBytes(n int64) Option {
	return func(i *Interceptor) { i.maxBodyBytes = n }
}

// New returns an interceptor that consults policy and hands captured exchanges to emitter.
func New(policy *Policy, emitter Emitter, opts ...Option) *Interceptor {
	i := &Interceptor{
		policy:       policy,
		emitter:      emitter,
		logger:       zap.NewNop(),
		now:          time.Now,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	empty := ""
	i.pageURL.Store(&empty)
	for _, opt := range opts {
		opt(i)
	}
	if i.policy == nil {
		i.policy = NewPolicy(i.logger)
	}
	i.logger = i.logger.Named("intercept")
	return i
}

// Policy returns the live configuration object.
func (i *Interceptor) Policy() *Policy {
	return i.policy
}

// PageURL returns the URL relative targets resolve against.
func (i *Interceptor) PageURL() string {
	return *i.pageURL.Load()
}

// SetPageURL records a navigation of the page context.
func (i *Interceptor) SetPageURL(u string) {
	i.pageURL.Store(&u)
}

// Install wraps c's transport. It is the single extension point for the fetch primitive and is
// idempotent for the same interceptor.
func (i *Interceptor) Install(c *http.Client) {
	if t, ok := c.Transport.(*transport); ok && t.ic == i {
		return
	}
	c.Transport = i.Transport(c.Transport)
}

func (i *Interceptor) newExchange(kind types.Kind, method string, res resolve.Result, start time.Time) *types.CapturedExchange {
	if method == "" {
		method = http.MethodGet
	}
	return &types.CapturedExchange{
		ID:          newID(start),
		Timestamp:   start.UTC(),
		Method:      method,
		URL:         res.FullURL,
		BaseURL:     res.BaseURL,
		Path:        res.Path,
		IsRelative:  res.IsRelative,
		OriginalURL: res.Original,
		Kind:        kind,
	}
}

func (i *Interceptor) emit(e *types.CapturedExchange) {
	defer i.recoverCapture("emit", e.URL)
	i.logger.Debug("exchange captured",
		zap.String("id", e.ID),
		zap.String("type", string(e.Kind)),
		zap.String("method", e.Method),
		zap.String("url", e.URL),
		zap.Bool("isRelative", e.IsRelative),
		zap.Int("status", e.StatusCode),
	)
	i.emitter.Emit(*e)
}

// recoverCapture must be deferred directly. It keeps a capture bug from reaching the page's call.
func (i *Interceptor) recoverCapture(stage, url string) {
	if r := recover(); r != nil {
		i.recoverValue(stage, url, r)
	}
}

func (i *Interceptor) recoverValue(stage, url string, r any) {
	i.logger.Error("capture failed",
		zap.String("stage", stage),
		zap.String("url", url),
		zap.Error(fmt.Errorf("%w: %v", ErrCaptureBuild, r)),
	)
}

func (i *Interceptor) elapsed(start time.Time) int64 {
	return i.now().Sub(start).Milliseconds()
}

// newID returns "<unix ms>-<8 hex chars>", unique enough to tell duplicates apart in a session.
func newID(t time.Time) string {
	return fmt.Sprintf("%d-%s", t.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func statusText(resp *http.Response) string {
	code := fmt.Sprintf("%d", resp.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
