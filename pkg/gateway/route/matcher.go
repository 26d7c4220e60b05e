// Package route matches inbound requests against the gateway's route table.
// Matchers cover exact, prefix, regex, shell wildcard and {name} template
// patterns; routers layer priority ordering, host/header/weighted selection
// and a bounded request cache on top.
package route

import (
	"fmt"
	pathpkg "path"
	"regexp"
	"strings"
	"sync"
)

// MatcherKind names a pattern syntax.
type MatcherKind string

const (
	// MatchExact requires pattern == path.
	MatchExact MatcherKind = "exact"
	// MatchPrefix matches any path starting with the pattern; the remainder
	// is captured as the "*" parameter.
	MatchPrefix MatcherKind = "prefix"
	// MatchRegex matches the full path against a regular expression; named
	// groups become parameters.
	MatchRegex MatcherKind = "regex"
	// MatchWildcard matches shell-style patterns ("*" does not cross "/").
	MatchWildcard MatcherKind = "wildcard"
	// MatchTemplate matches "/users/{id}" style patterns; each placeholder
	// captures one path segment.
	MatchTemplate MatcherKind = "template"
)

// Matcher decides whether a path satisfies a pattern and extracts the
// pattern's parameters. Params returns nil when the path does not match or
// the pattern captures nothing.
type Matcher interface {
	Match(pattern, path string) bool
	Params(pattern, path string) map[string]string
}

// PatternCache holds compiled regular expressions for the regex and template
// matchers, bounded by size with oldest-insertion eviction.
type PatternCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*regexp.Regexp
	order   []string
}

// NewPatternCache creates a cache holding up to max compiled patterns.
func NewPatternCache(max int) *PatternCache {
	if max <= 0 {
		max = 256
	}
	return &PatternCache{
		max:     max,
		entries: make(map[string]*regexp.Regexp),
	}
}

// get returns the compiled pattern for key, building and compiling the
// expression on first use.
func (c *PatternCache) get(key string, build func() string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.entries[key]; ok {
		return re, nil
	}

	re, err := regexp.Compile(build())
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", key, err)
	}

	if len(c.entries) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = re
	c.order = append(c.order, key)
	return re, nil
}

// len reports the number of cached patterns (used in tests).
func (c *PatternCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type exactMatcher struct{}

func (exactMatcher) Match(pattern, path string) bool { return pattern == path }

func (exactMatcher) Params(string, string) map[string]string { return nil }

type prefixMatcher struct{}

func (prefixMatcher) Match(pattern, path string) bool {
	return strings.HasPrefix(path, pattern)
}

func (m prefixMatcher) Params(pattern, path string) map[string]string {
	if !m.Match(pattern, path) {
		return nil
	}
	return map[string]string{"*": path[len(pattern):]}
}

type regexMatcher struct {
	cache *PatternCache
}

func (m regexMatcher) compile(pattern string) (*regexp.Regexp, error) {
	return m.cache.get("re:"+pattern, func() string {
		// Anchor so route patterns always cover the whole path.
		return "^(?:" + pattern + ")$"
	})
}

func (m regexMatcher) Match(pattern, path string) bool {
	re, err := m.compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

func (m regexMatcher) Params(pattern, path string) map[string]string {
	re, err := m.compile(pattern)
	if err != nil {
		return nil
	}
	return namedGroups(re, path)
}

type wildcardMatcher struct{}

func (wildcardMatcher) Match(pattern, path string) bool {
	ok, err := pathpkg.Match(pattern, path)
	return err == nil && ok
}

func (wildcardMatcher) Params(string, string) map[string]string { return nil }

type templateMatcher struct {
	cache *PatternCache
}

func (m templateMatcher) compile(pattern string) (*regexp.Regexp, error) {
	return m.cache.get("tpl:"+pattern, func() string {
		return templateToRegex(pattern)
	})
}

func (m templateMatcher) Match(pattern, path string) bool {
	re, err := m.compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

func (m templateMatcher) Params(pattern, path string) map[string]string {
	re, err := m.compile(pattern)
	if err != nil {
		return nil
	}
	return namedGroups(re, path)
}

// templateToRegex turns "/users/{id}/orders/{order_id}" into an anchored
// expression with one named group per placeholder, each capturing a single
// path segment.
func templateToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	rest := pattern
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:open]))
		name := rest[open+1 : open+end]
		b.WriteString("(?P<" + name + ">[^/]+)")
		rest = rest[open+end+1:]
	}
	b.WriteString("$")
	return b.String()
}

func namedGroups(re *regexp.Regexp, path string) map[string]string {
	sub := re.FindStringSubmatch(path)
	if sub == nil {
		return nil
	}
	var params map[string]string
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[name] = sub[i]
	}
	return params
}

// matcherFor returns the Matcher implementing kind, sharing cache for the
// compiled pattern kinds.
func matcherFor(kind MatcherKind, cache *PatternCache) (Matcher, error) {
	switch kind {
	case MatchExact:
		return exactMatcher{}, nil
	case MatchPrefix:
		return prefixMatcher{}, nil
	case MatchRegex:
		return regexMatcher{cache: cache}, nil
	case MatchWildcard:
		return wildcardMatcher{}, nil
	case MatchTemplate:
		return templateMatcher{cache: cache}, nil
	}
	return nil, fmt.Errorf("unknown matcher kind %q", kind)
}
