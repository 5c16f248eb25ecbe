package router

import (
	"regexp"
	"strings"

	"github.com/xlh001/oxide-wdns/listsource"
	"github.com/xlh001/oxide-wdns/util"
)

// matcher tests a normalized name against one rule.
type matcher interface {
	match(name string) bool
	kind() string
}

type exactMatcher struct {
	names map[string]struct{}
}

func (m *exactMatcher) match(name string) bool {
	_, ok := m.names[name]
	return ok
}

func (m *exactMatcher) kind() string { return "exact" }

type regexMatcher struct {
	res []*regexp.Regexp
}

func (m *regexMatcher) match(name string) bool {
	for _, re := range m.res {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func (m *regexMatcher) kind() string { return "regex" }

// wildcardMatcher matches names below a suffix. "*.example.com" holds
// "example.com" and matches "a.example.com" but not the apex.
type wildcardMatcher struct {
	suffixes map[string]struct{}
	globs    []*regexp.Regexp
}

func (m *wildcardMatcher) match(name string) bool {
	if len(m.suffixes) > 0 {
		found := util.EachParent(name, func(parent string) bool {
			_, ok := m.suffixes[parent]
			return ok
		})
		if found {
			return true
		}
	}

	for _, re := range m.globs {
		if re.MatchString(name) {
			return true
		}
	}

	return false
}

func (m *wildcardMatcher) kind() string { return "wildcard" }

// listMatcher reads the current snapshot of a file or URL source.
type listMatcher struct {
	source *listsource.Source
	typ    string
}

func (m *listMatcher) match(name string) bool {
	return m.source.Contains(name)
}

func (m *listMatcher) kind() string { return m.typ }

// globToRegexp converts a pattern with * anywhere other than a leading
// "*." label into a full-match expression where * spans one or more
// characters inside a label.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder

	b.WriteString("^")
	for i, part := range strings.Split(glob, "*") {
		if i > 0 {
			b.WriteString("[^.]+")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")

	return regexp.Compile(b.String())
}
