// Package pattern compiles the glob-like file patterns used by rules.
//
// A pattern spec holds one or more sub-patterns separated by "|". In each
// sub-pattern "*" matches any run of characters (including path
// separators), "?" matches exactly one character, and every other character
// matches itself. Sub-patterns are anchored at both ends, so "*.ts" matches
// "./watched/example.ts" but "*.js" does not.
package pattern

import (
	"regexp"
	"strings"
	"sync"
)

// Matcher is a compiled pattern spec. A Matcher with no sub-patterns
// matches nothing.
type Matcher struct {
	spec string
	res  []*regexp.Regexp
}

// Compile builds a Matcher from spec. It cannot fail: literal characters
// are quoted before the wildcard translation, so every sub-pattern is a
// valid regular expression.
func Compile(spec string) *Matcher {
	m := &Matcher{spec: spec}
	for _, part := range strings.Split(spec, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m.res = append(m.res, regexp.MustCompile(translate(part)))
	}
	return m
}

// translate converts a single glob sub-pattern into an anchored regular
// expression.
func translate(glob string) string {
	var b strings.Builder
	b.Grow(len(glob) + 8)
	b.WriteByte('^')
	lit := 0
	flush := func(i int) {
		if i > lit {
			b.WriteString(regexp.QuoteMeta(glob[lit:i]))
		}
	}
	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '*':
			flush(i)
			b.WriteString(".*")
			lit = i + 1
		case '?':
			flush(i)
			b.WriteByte('.')
			lit = i + 1
		}
	}
	flush(len(glob))
	b.WriteByte('$')
	return b.String()
}

// Spec returns the source spec the Matcher was compiled from.
func (m *Matcher) Spec() string { return m.spec }

// Matches reports whether path matches any sub-pattern. The path is tried
// with backslashes converted to forward slashes and in its original form;
// a hit on either counts.
func (m *Matcher) Matches(path string) bool {
	normalized := strings.ReplaceAll(path, `\`, "/")
	for _, re := range m.res {
		if re.MatchString(normalized) {
			return true
		}
		if normalized != path && re.MatchString(path) {
			return true
		}
	}
	return false
}

// Match compiles spec and tests path against it in one step.
func Match(spec, path string) bool {
	return Compile(spec).Matches(path)
}

// Cache memoises compiled matchers by spec string. Rules are re-read for
// every observation, so recompiling each time would dominate evaluation
// cost. The zero value is ready to use.
type Cache struct {
	mu sync.Mutex
	m  map[string]*Matcher
}

// maxCached bounds the cache; when exceeded it is simply reset.
const maxCached = 1024

// Get returns the Matcher for spec, compiling it on first use.
func (c *Cache) Get(spec string) *Matcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.m[spec]; ok {
		return m
	}
	if c.m == nil || len(c.m) >= maxCached {
		c.m = make(map[string]*Matcher)
	}
	m := Compile(spec)
	c.m[spec] = m
	return m
}
