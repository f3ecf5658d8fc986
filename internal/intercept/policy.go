package intercept

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yourorg/reqsniffer/internal/pattern"
	"github.com/yourorg/reqsniffer/pkg/types"
)

type policyState struct {
	settings  types.Settings
	predicate pattern.Predicate
}

// Policy is the interceptor's live capture configuration. Apply is its only mutator; readers
// always see a settings value and its compiled predicate together.
type Policy struct {
	state  atomic.Pointer[policyState]
	logger *zap.Logger
}

// NewPolicy returns a policy holding the default settings (capture disabled, match all).
func NewPolicy(logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Policy{logger: logger}
	p.Apply(types.DefaultSettings())
	return p
}

// Apply replaces the live settings. An invalid pattern degrades to match-all.
func (p *Policy) Apply(s types.Settings) {
	s = s.Normalize()
	p.state.Store(&policyState{settings: s, predicate: pattern.Compile(s.URLPattern, p.logger)})
	p.logger.Debug("capture settings applied", zap.Bool("enabled", s.Enabled), zap.String("urlPattern", s.URLPattern))
}

// Settings returns the settings currently in effect.
func (p *Policy) Settings() types.Settings {
	return p.state.Load().settings
}

// ShouldCapture reports whether a call to url should be captured.
// The decision depends on enabled and the pattern only, never on content type.
func (p *Policy) ShouldCapture(url string) bool {
	st := p.state.Load()
	return st.settings.Enabled && st.predicate.Match(url)
}
