// Package ecs computes the EDNS Client-Subnet option sent upstream for
// a query, according to the policy of the selected upstream group.
package ecs

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// Strategy of an ECS policy.
type Strategy uint8

const (
	// Disabled never sends ECS and never echoes it back.
	Disabled Strategy = iota
	// Strip removes any incoming ECS and sends none.
	Strip
	// Forward passes the client's option through unchanged.
	Forward
	// Anonymize sends the client address truncated to the policy prefix.
	Anonymize
)

// Default prefix lengths for Anonymize.
const (
	DefaultIPv4Prefix = 24
	DefaultIPv6Prefix = 48
)

const (
	familyIPv4 = 1
	familyIPv6 = 2
)

var strategyNames = [...]string{
	Disabled:  "disabled",
	Strip:     "strip",
	Forward:   "forward",
	Anonymize: "anonymize",
}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", s)
}

// ParseStrategy parses a strategy name, case-insensitive.
func ParseStrategy(s string) (Strategy, error) {
	for i, name := range strategyNames {
		if strings.EqualFold(s, name) {
			return Strategy(i), nil
		}
	}
	return Disabled, fmt.Errorf("unknown ecs strategy %q", s)
}

// Policy is the effective ECS policy of a group.
type Policy struct {
	Strategy      Strategy
	IPv4Prefix    int
	IPv6Prefix    int
	AlwaysForward bool
}

// Validate checks prefix bounds.
func (p Policy) Validate() error {
	if p.IPv4Prefix < 0 || p.IPv4Prefix > 32 {
		return fmt.Errorf("ipv4 prefix %d out of range [0,32]", p.IPv4Prefix)
	}
	if p.IPv6Prefix < 0 || p.IPv6Prefix > 128 {
		return fmt.Errorf("ipv6 prefix %d out of range [0,128]", p.IPv6Prefix)
	}
	return nil
}

// Apply returns the ECS option to attach to the upstream query, or nil
// when none should be sent. The incoming option is never modified.
func Apply(client netip.Addr, incoming *dns.EDNS0_SUBNET, p Policy) *dns.EDNS0_SUBNET {
	switch p.Strategy {
	case Forward:
		if incoming != nil {
			return clone(incoming)
		}
		if !p.AlwaysForward || !client.IsValid() {
			return nil
		}
		client = client.Unmap()
		return build(netip.PrefixFrom(client, client.BitLen()))

	case Anonymize:
		// the transport address decides, an incoming option is replaced
		if !client.IsValid() {
			return nil
		}
		client = client.Unmap()

		bits := p.IPv6Prefix
		if client.Is4() {
			bits = p.IPv4Prefix
		}
		return build(Truncate(client, bits))
	}

	return nil
}

// Truncate zeroes every bit of addr beyond bits.
func Truncate(addr netip.Addr, bits int) netip.Prefix {
	addr = addr.Unmap()
	if bits > addr.BitLen() {
		bits = addr.BitLen()
	}
	if bits < 0 {
		bits = 0
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}
	}
	return prefix
}

// Prefix returns the network an option describes, masked to its
// source netmask.
func Prefix(opt *dns.EDNS0_SUBNET) (netip.Prefix, bool) {
	if opt == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(opt.Address)
	if !ok {
		return netip.Prefix{}, false
	}
	return Truncate(addr, int(opt.SourceNetmask)), true
}

// FromMsg returns the first ECS option carried by m.
func FromMsg(m *dns.Msg) *dns.EDNS0_SUBNET {
	opt := m.IsEdns0()
	if opt == nil {
		return nil
	}
	for _, o := range opt.Option {
		if subnet, ok := o.(*dns.EDNS0_SUBNET); ok {
			return subnet
		}
	}
	return nil
}

// Set replaces any ECS option of m with subnet. A nil subnet only
// removes. m must already carry an OPT record for subnet to be added.
func Set(m *dns.Msg, subnet *dns.EDNS0_SUBNET) {
	opt := m.IsEdns0()
	if opt == nil {
		return
	}

	options := opt.Option[:0:0]
	for _, o := range opt.Option {
		if o.Option() == dns.EDNS0SUBNET {
			continue
		}
		options = append(options, o)
	}
	if subnet != nil {
		options = append(options, subnet)
	}
	opt.Option = options
}

// Echo builds the option returned to a client that sent incoming,
// carrying the given scope prefix length.
func Echo(incoming *dns.EDNS0_SUBNET, scope uint8) *dns.EDNS0_SUBNET {
	if incoming == nil {
		return nil
	}
	e := clone(incoming)
	e.SourceScope = scope
	return e
}

func build(prefix netip.Prefix) *dns.EDNS0_SUBNET {
	if !prefix.IsValid() {
		return nil
	}

	e := &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		SourceNetmask: uint8(prefix.Bits()),
		SourceScope:   0,
	}

	addr := prefix.Addr()
	if addr.Is4() {
		e.Family = familyIPv4
		a := addr.As4()
		e.Address = net.IP(a[:])
	} else {
		e.Family = familyIPv6
		a := addr.As16()
		e.Address = net.IP(a[:])
	}

	return e
}

func clone(o *dns.EDNS0_SUBNET) *dns.EDNS0_SUBNET {
	c := *o
	c.Address = append(net.IP(nil), o.Address...)
	return &c
}
