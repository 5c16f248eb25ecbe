// Package view flattens the two-level upstream configuration into one
// frozen effective configuration per group.
package view

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/ecs"
)

// GlobalName is the name of the implicit global group.
const GlobalName = "global"

// Protocol of an upstream resolver.
type Protocol uint8

// Supported protocols.
const (
	UDP Protocol = iota
	TCP
	DoT
	DoH
	DoQ
)

var protocolNames = [...]string{
	UDP: "udp",
	TCP: "tcp",
	DoT: "dot",
	DoH: "doh",
	DoQ: "doq",
}

func (p Protocol) String() string {
	if int(p) < len(protocolNames) {
		return protocolNames[p]
	}
	return "protocol(" + strconv.Itoa(int(p)) + ")"
}

// ParseProtocol parses a protocol name. An empty name is udp.
func ParseProtocol(s string) (Protocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "udp":
		return UDP, nil
	case "tcp":
		return TCP, nil
	case "dot", "tls", "tcp-tls":
		return DoT, nil
	case "doh", "https":
		return DoH, nil
	case "doq", "quic":
		return DoQ, nil
	}
	return UDP, fmt.Errorf("unknown protocol %q", s)
}

// Endpoint is one parsed resolver.
type Endpoint struct {
	// Address is host:port, or the full URL for DoH.
	Address    string
	Protocol   Protocol
	ServerName string
}

func (e Endpoint) String() string {
	if e.Protocol == DoH {
		return e.Address
	}
	return e.Protocol.String() + "://" + e.Address
}

// Group is the effective configuration of an upstream group.
type Group struct {
	Name      string
	DNSSEC    bool
	Timeout   time.Duration
	Resolvers []Endpoint
	ECS       ecs.Policy
}

// View is the immutable set of effective group configurations.
type View struct {
	global       *Group
	groups       map[string]*Group
	names        []string
	defaultGroup string
}

// ConfigError reports an invalid configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + ": " + e.Reason
}

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Build merges the global upstream defaults into every group and
// validates every group reference.
func Build(cfg *config.Config) (*View, error) {
	global, err := buildGlobal(&cfg.Upstream)
	if err != nil {
		return nil, err
	}

	v := &View{
		global: global,
		groups: make(map[string]*Group, len(cfg.Groups)),
	}

	for i := range cfg.Groups {
		field := fmt.Sprintf("groups[%d]", i)

		g, err := merge(global, &cfg.Groups[i], field)
		if err != nil {
			return nil, err
		}

		switch {
		case g.Name == "":
			return nil, configErr(field+".name", "group name is empty")
		case g.Name == config.BlackholeGroup:
			return nil, configErr(field+".name", "%q is reserved", config.BlackholeGroup)
		case g.Name == GlobalName:
			return nil, configErr(field+".name", "%q is reserved", GlobalName)
		}

		if _, dup := v.groups[g.Name]; dup {
			return nil, configErr(field+".name", "duplicate group %q", g.Name)
		}

		v.groups[g.Name] = g
		v.names = append(v.names, g.Name)
	}

	if name := cfg.DefaultUpstreamGroup; name != "" {
		if _, ok := v.groups[name]; !ok {
			return nil, configErr("default_upstream_group", "unknown group %q", name)
		}
		v.defaultGroup = name
	} else if len(global.Resolvers) == 0 {
		return nil, configErr("upstream.resolvers", "no resolvers configured")
	}

	for i, rule := range cfg.Rules {
		target := rule.UpstreamGroup
		if target == config.BlackholeGroup {
			continue
		}
		if _, ok := v.groups[target]; !ok {
			return nil, configErr(fmt.Sprintf("rules[%d].upstream_group", i), "unknown group %q", target)
		}
	}

	return v, nil
}

// Global returns the implicit global group.
func (v *View) Global() *Group { return v.global }

// Group returns the named group.
func (v *View) Group(name string) (*Group, bool) {
	g, ok := v.groups[name]
	return g, ok
}

// Names returns group names in declaration order.
func (v *View) Names() []string {
	return append([]string(nil), v.names...)
}

// Default returns the default group name, empty if none.
func (v *View) Default() string { return v.defaultGroup }

func buildGlobal(up *config.Upstream) (*Group, error) {
	g := &Group{
		Name:    GlobalName,
		DNSSEC:  up.EnableDNSSEC,
		Timeout: up.QueryTimeout.Duration,
	}

	if g.Timeout <= 0 {
		return nil, configErr("upstream.query_timeout", "must be positive")
	}

	var err error
	if g.Resolvers, err = parseResolvers(up.Resolvers, "upstream.resolvers"); err != nil {
		return nil, err
	}

	if g.ECS, err = mergeECS(up.ECS, "upstream.ecs"); err != nil {
		return nil, err
	}

	return g, nil
}

// merge takes every field from the group when set and from global
// otherwise. Slices are copied so no group shares backing storage.
func merge(global *Group, o *config.Group, field string) (*Group, error) {
	g := &Group{
		Name:      strings.TrimSpace(o.Name),
		DNSSEC:    global.DNSSEC,
		Timeout:   global.Timeout,
		Resolvers: append([]Endpoint(nil), global.Resolvers...),
		ECS:       global.ECS,
	}

	if o.EnableDNSSEC != nil {
		g.DNSSEC = *o.EnableDNSSEC
	}

	if o.QueryTimeout != nil {
		if o.QueryTimeout.Duration <= 0 {
			return nil, configErr(field+".query_timeout", "must be positive")
		}
		g.Timeout = o.QueryTimeout.Duration
	}

	if o.Resolvers != nil {
		var err error
		if g.Resolvers, err = parseResolvers(o.Resolvers, field+".resolvers"); err != nil {
			return nil, err
		}
	}

	if len(g.Resolvers) == 0 {
		return nil, configErr(field+".resolvers", "group has no resolvers")
	}

	if o.ECS != nil {
		p, err := overrideECS(global.ECS, o.ECS, field+".ecs")
		if err != nil {
			return nil, err
		}
		g.ECS = p
	}

	return g, nil
}

func mergeECS(c config.ECS, field string) (ecs.Policy, error) {
	s, err := ecs.ParseStrategy(c.Strategy)
	if err != nil {
		return ecs.Policy{}, configErr(field+".strategy", "%v", err)
	}

	p := ecs.Policy{
		Strategy:      s,
		IPv4Prefix:    c.IPv4Prefix,
		IPv6Prefix:    c.IPv6Prefix,
		AlwaysForward: c.AlwaysForward,
	}
	if err := p.Validate(); err != nil {
		return ecs.Policy{}, configErr(field, "%v", err)
	}

	return p, nil
}

func overrideECS(base ecs.Policy, o *config.ECSOverride, field string) (ecs.Policy, error) {
	p := base

	if o.Strategy != nil {
		s, err := ecs.ParseStrategy(*o.Strategy)
		if err != nil {
			return ecs.Policy{}, configErr(field+".strategy", "%v", err)
		}
		p.Strategy = s
	}
	if o.IPv4Prefix != nil {
		p.IPv4Prefix = *o.IPv4Prefix
	}
	if o.IPv6Prefix != nil {
		p.IPv6Prefix = *o.IPv6Prefix
	}
	if o.AlwaysForward != nil {
		p.AlwaysForward = *o.AlwaysForward
	}

	if err := p.Validate(); err != nil {
		return ecs.Policy{}, configErr(field, "%v", err)
	}

	return p, nil
}

func parseResolvers(in []config.Resolver, field string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(in))

	for i, r := range in {
		e, err := ParseEndpoint(r)
		if err != nil {
			return nil, configErr(fmt.Sprintf("%s[%d]", field, i), "%v", err)
		}
		out = append(out, e)
	}

	return out, nil
}

// ParseEndpoint validates a resolver entry and fills the default port
// of its protocol.
func ParseEndpoint(r config.Resolver) (Endpoint, error) {
	proto, err := ParseProtocol(r.Protocol)
	if err != nil {
		return Endpoint{}, err
	}

	e := Endpoint{Protocol: proto, ServerName: r.ServerName}
	addr := strings.TrimSpace(r.Address)

	if proto == DoH {
		u, err := url.Parse(addr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("bad doh url %q: %w", addr, err)
		}
		if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return Endpoint{}, fmt.Errorf("bad doh url %q", addr)
		}
		if u.Path == "" {
			u.Path = "/dns-query"
		}
		e.Address = u.String()
		if e.ServerName == "" {
			e.ServerName = u.Hostname()
		}
		return e, nil
	}

	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = strings.Trim(addr, "[]"), defaultPort(proto)
	}

	if host == "" {
		return Endpoint{}, fmt.Errorf("bad resolver address %q", r.Address)
	}

	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return Endpoint{}, fmt.Errorf("bad resolver port in %q", r.Address)
	}

	if net.ParseIP(host) == nil {
		if proto == UDP || proto == TCP {
			return Endpoint{}, fmt.Errorf("resolver %q must be an ip address", r.Address)
		}
		if e.ServerName == "" {
			e.ServerName = host
		}
	}

	if (proto == DoT || proto == DoQ) && e.ServerName == "" && net.ParseIP(host) != nil {
		e.ServerName = host
	}

	e.Address = net.JoinHostPort(host, port)

	return e, nil
}

func defaultPort(p Protocol) string {
	switch p {
	case DoT, DoQ:
		return "853"
	default:
		return "53"
	}
}
