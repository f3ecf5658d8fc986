// Package pattern compiles the user's URL pattern into a capture predicate.
package pattern

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/yourorg/reqsniffer/pkg/types"
)

var matchAll = regexp.MustCompile(types.DefaultURLPattern)

// Predicate decides whether a URL should be captured. The zero value matches everything.
type Predicate struct {
	source string
	re     *regexp.Regexp
	// fallback is set when source failed to compile and re is the match-all expression.
	fallback bool
}

// Compile builds a predicate from p. It never fails: an empty pattern or one that does not
// compile yields a match-all predicate, and the compile error is logged as a warning.
func Compile(p string, logger *zap.Logger) Predicate {
	if p == "" {
		return Predicate{source: types.DefaultURLPattern, re: matchAll}
	}
	re, err := regexp.Compile(p)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid url pattern, matching everything", zap.String("pattern", p), zap.Error(err))
		}
		return Predicate{source: p, re: matchAll, fallback: true}
	}
	return Predicate{source: p, re: re}
}

// Validate reports whether p compiles. Callers use it to warn before saving a pattern.
func Validate(p string) error {
	if p == "" {
		return nil
	}
	if _, err := regexp.Compile(p); err != nil {
		return fmt.Errorf("invalid url pattern %q: %w", p, err)
	}
	return nil
}

// Match reports whether url is selected. Like a JavaScript RegExp test, the pattern is unanchored.
func (p Predicate) Match(url string) bool {
	if p.re == nil {
		return true
	}
	return p.re.MatchString(url)
}

// String returns the pattern the predicate was compiled from.
func (p Predicate) String() string {
	if p.source == "" {
		return types.DefaultURLPattern
	}
	return p.source
}

// Fallback reports whether the source pattern was invalid and replaced by match-all.
func (p Predicate) Fallback() bool {
	return p.fallback
}
