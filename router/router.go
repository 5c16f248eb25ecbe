// Package router maps query names to upstream groups with an ordered,
// first-match-wins rule list.
package router

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/listsource"
	"github.com/xlh001/oxide-wdns/util"
	"github.com/xlh001/oxide-wdns/view"
)

// Kind of a routing destination.
type Kind uint8

const (
	// Global sends the query with the global upstream configuration.
	Global Kind = iota
	// Group sends the query to a named group.
	Group
	// Blackhole refuses the query without dispatching it.
	Blackhole
)

// Destination is the result of routing a name.
type Destination struct {
	Kind  Kind
	Group string
}

func (d Destination) String() string {
	switch d.Kind {
	case Group:
		return d.Group
	case Blackhole:
		return config.BlackholeGroup
	default:
		return view.GlobalName
	}
}

type rule struct {
	m    matcher
	dest Destination
}

// Router evaluates rules in declaration order.
type Router struct {
	rules []rule
	def   Destination
}

var routeDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "dns_route_decisions_total",
	Help: "Total number of routing decisions by destination and the matching rule type",
}, []string{"destination", "rule"})

func init() {
	prometheus.MustRegister(routeDecisions)
}

// New compiles rules against the groups of v. File and URL rules get a
// list source registered with lists; opts configure those sources.
func New(rules []config.Rule, v *view.View, lists *listsource.Manager, opts ...listsource.Option) (*Router, error) {
	r := &Router{def: Destination{Kind: Global}}

	if name := v.Default(); name != "" {
		if _, ok := v.Group(name); ok {
			r.def = Destination{Kind: Group, Group: name}
		}
	}

	for i, cr := range rules {
		field := fmt.Sprintf("rules[%d]", i)

		dest, err := destination(cr.UpstreamGroup, v)
		if err != nil {
			return nil, &view.ConfigError{Field: field + ".upstream_group", Reason: err.Error()}
		}

		m, err := newMatcher(cr.Match, lists, opts)
		if err != nil {
			return nil, &view.ConfigError{Field: field + ".match", Reason: err.Error()}
		}

		r.rules = append(r.rules, rule{m: m, dest: dest})
	}

	return r, nil
}

// Route returns the destination of name. The first matching rule wins;
// with no match the default group is used, else the global config.
func (r *Router) Route(name string) Destination {
	dest, matched := r.lookup(name)
	routeDecisions.WithLabelValues(dest.String(), matched).Inc()

	return dest
}

// Lookup is Route without recording a routing decision.
func (r *Router) Lookup(name string) Destination {
	dest, _ := r.lookup(name)
	return dest
}

// lookup returns the destination and the type of the rule that chose it.
func (r *Router) lookup(name string) (Destination, string) {
	name = util.NormalizeName(name)

	for _, rule := range r.rules {
		if rule.m.match(name) {
			return rule.dest, rule.m.kind()
		}
	}

	return r.def, "default"
}

// Default returns the destination used when no rule matches.
func (r *Router) Default() Destination { return r.def }

// Len returns the number of rules.
func (r *Router) Len() int { return len(r.rules) }

func destination(target string, v *view.View) (Destination, error) {
	if target == config.BlackholeGroup {
		return Destination{Kind: Blackhole}, nil
	}
	if _, ok := v.Group(target); !ok {
		return Destination{}, fmt.Errorf("unknown group %q", target)
	}
	return Destination{Kind: Group, Group: target}, nil
}

func newMatcher(m config.Match, lists *listsource.Manager, opts []listsource.Option) (matcher, error) {
	typ := strings.ToLower(strings.TrimSpace(m.Type))

	switch typ {
	case "exact", "regex", "wildcard":
		if len(m.Values) == 0 {
			return nil, fmt.Errorf("%s match needs values", typ)
		}
	}

	switch typ {
	case "exact":
		em := &exactMatcher{names: make(map[string]struct{}, len(m.Values))}
		for _, v := range m.Values {
			name := util.NormalizeName(v)
			if name == "" {
				return nil, fmt.Errorf("empty name in exact match")
			}
			em.names[name] = struct{}{}
		}
		return em, nil

	case "regex":
		rm := &regexMatcher{}
		for _, v := range m.Values {
			re, err := listsource.CompileFull(v)
			if err != nil {
				return nil, err
			}
			rm.res = append(rm.res, re)
		}
		return rm, nil

	case "wildcard":
		wm := &wildcardMatcher{suffixes: make(map[string]struct{})}
		for _, v := range m.Values {
			v = strings.TrimSpace(v)
			if strings.HasPrefix(v, "*.") && !strings.Contains(v[2:], "*") {
				suffix := util.NormalizeName(v[2:])
				if suffix == "" {
					return nil, fmt.Errorf("bad wildcard %q", v)
				}
				wm.suffixes[suffix] = struct{}{}
				continue
			}
			if !strings.Contains(v, "*") {
				return nil, fmt.Errorf("wildcard %q has no *", v)
			}
			re, err := globToRegexp(util.NormalizeName(v))
			if err != nil {
				return nil, fmt.Errorf("bad wildcard %q: %w", v, err)
			}
			wm.globs = append(wm.globs, re)
		}
		return wm, nil

	case "file":
		if m.Path == "" {
			return nil, fmt.Errorf("file match needs a path")
		}
		s := listsource.NewFile(m.Path, opts...)
		if lists != nil {
			lists.Add(s)
		}
		return &listMatcher{source: s, typ: "file"}, nil

	case "url":
		if m.URL == "" {
			return nil, fmt.Errorf("url match needs a url")
		}
		s := listsource.NewURL(m.URL, m.Interval.Duration, opts...)
		if lists != nil {
			lists.Add(s)
		}
		return &listMatcher{source: s, typ: "url"}, nil
	}

	return nil, fmt.Errorf("unknown match type %q", m.Type)
}
