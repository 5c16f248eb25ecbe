// Package listsource provides domain sets loaded from files or URLs
// and republished atomically on refresh.
package listsource

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/util"
)

// Snapshot is an immutable set of domain patterns.
//
// Line formats:
//
//	example.com          exact name
//	full:example.com     exact name
//	*.example.com        every subdomain, not the apex
//	domain:example.com   the apex and every subdomain
//	regex:^ad[0-9]+\.    regular expression over the whole name
//	0.0.0.0 example.com  hosts file entry, exact names
//
// Everything after a # is a comment.
type Snapshot struct {
	exact   map[string]struct{}
	suffix  map[string]struct{}
	domain  map[string]struct{}
	regexps []*regexp.Regexp

	// Updated is when the set was loaded.
	Updated time.Time
	// Source is the file path or URL the set came from.
	Source string
}

var empty = &Snapshot{}

// Parse reads one pattern per line from r.
func Parse(r io.Reader, source string) (*Snapshot, error) {
	s := &Snapshot{
		exact:  make(map[string]struct{}),
		suffix: make(map[string]struct{}),
		domain: make(map[string]struct{}),
		Source: source,
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineno := 0
	for scanner.Scan() {
		lineno++

		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := s.add(line); err != nil {
			zlog.Warn("List entry skipped", "source", source, "line", lineno, "error", err.Error())
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning list: %w", err)
	}

	return s, nil
}

// New builds a snapshot from patterns in the same formats Parse accepts.
func New(source string, patterns ...string) (*Snapshot, error) {
	return Parse(strings.NewReader(strings.Join(patterns, "\n")), source)
}

func (s *Snapshot) add(line string) error {
	switch {
	case strings.HasPrefix(line, "regex:"):
		re, err := CompileFull(strings.TrimPrefix(line, "regex:"))
		if err != nil {
			return err
		}
		s.regexps = append(s.regexps, re)
		return nil

	case strings.HasPrefix(line, "full:"):
		return s.set(s.exact, strings.TrimPrefix(line, "full:"))

	case strings.HasPrefix(line, "domain:"):
		return s.set(s.domain, strings.TrimPrefix(line, "domain:"))

	case strings.HasPrefix(line, "*."):
		return s.set(s.suffix, strings.TrimPrefix(line, "*."))
	}

	fields := strings.Fields(line)
	if len(fields) > 1 && net.ParseIP(fields[0]) != nil {
		for _, name := range fields[1:] {
			if err := s.set(s.exact, name); err != nil {
				return err
			}
		}
		return nil
	}

	return s.set(s.exact, fields[0])
}

func (s *Snapshot) set(m map[string]struct{}, name string) error {
	name = util.NormalizeName(name)
	if name == "" || strings.ContainsAny(name, " \t*") {
		return fmt.Errorf("bad domain %q", name)
	}
	m[name] = struct{}{}
	return nil
}

// Contains reports whether name is in the set. name must be normalized.
func (s *Snapshot) Contains(name string) bool {
	if _, ok := s.exact[name]; ok {
		return true
	}

	if _, ok := s.domain[name]; ok {
		return true
	}

	if len(s.suffix) > 0 || len(s.domain) > 0 {
		found := util.EachParent(name, func(parent string) bool {
			if _, ok := s.suffix[parent]; ok {
				return true
			}
			_, ok := s.domain[parent]
			return ok
		})
		if found {
			return true
		}
	}

	for _, re := range s.regexps {
		if re.MatchString(name) {
			return true
		}
	}

	return false
}

// Len returns the number of patterns.
func (s *Snapshot) Len() int {
	return len(s.exact) + len(s.suffix) + len(s.domain) + len(s.regexps)
}

// CompileFull compiles pattern so that it must match a whole name,
// ignoring case.
func CompileFull(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("empty regex")
	}
	re, err := regexp.Compile("^(?i:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("bad regex %q: %w", pattern, err)
	}
	return re, nil
}
