// Package cache provides the shared DNS response cache with strict LRU
// eviction and snapshot persistence.
package cache

import (
	"net/netip"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
	"github.com/xlh001/oxide-wdns/util"
)

// Scope is the ECS part of a cache key. The zero value means the query
// was sent without client subnet information.
type Scope struct {
	Family uint16
	Prefix uint8
	Addr   netip.Addr
}

// ScopeOf returns the scope of an outgoing subnet option.
func ScopeOf(opt *dns.EDNS0_SUBNET) Scope {
	if opt == nil {
		return Scope{}
	}

	addr, ok := netip.AddrFromSlice(opt.Address)
	if !ok {
		return Scope{}
	}

	p, err := addr.Unmap().Prefix(int(opt.SourceNetmask))
	if err != nil {
		return Scope{}
	}

	return Scope{Family: opt.Family, Prefix: opt.SourceNetmask, Addr: p.Addr()}
}

// IsZero reports whether the scope carries no subnet.
func (s Scope) IsZero() bool { return s.Family == 0 }

func (s Scope) String() string {
	if s.IsZero() {
		return "none"
	}
	return s.Addr.String() + "/" + strconv.Itoa(int(s.Prefix))
}

// Key identifies interchangeable queries.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
	CD     bool
	Scope  Scope
}

// NewKey returns the key of q sent with the given subnet option.
func NewKey(q dns.Question, cd bool, subnet *dns.EDNS0_SUBNET) Key {
	return Key{
		Name:   dns.Fqdn(util.NormalizeName(q.Name)),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
		CD:     cd,
		Scope:  ScopeOf(subnet),
	}
}

func (k Key) String() string {
	return k.Name + " " + dns.ClassToString[k.Qclass] + " " + dns.TypeToString[k.Qtype] + " ecs=" + k.Scope.String()
}

type keyBuffer struct {
	buf [320]byte
}

var keyBufferPool = sync.Pool{
	New: func() any {
		return new(keyBuffer)
	},
}

// Hash returns the 64-bit hash of the key.
// Format: [qclass:2][qtype:2][cd:1][family:2][prefix:1][addr:16][qname:variable]
func (k Key) Hash() uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	buf := kb.buf[:0]

	buf = append(buf, byte(k.Qclass>>8), byte(k.Qclass))
	buf = append(buf, byte(k.Qtype>>8), byte(k.Qtype))

	if k.CD {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, byte(k.Scope.Family>>8), byte(k.Scope.Family), k.Scope.Prefix)
	if k.Scope.Addr.IsValid() {
		a := k.Scope.Addr.As16()
		buf = append(buf, a[:]...)
	} else {
		var zero [16]byte
		buf = append(buf, zero[:]...)
	}

	for i := 0; i < len(k.Name); i++ {
		c := k.Name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	hash := xxhash.Sum64(buf)

	keyBufferPool.Put(kb)

	return hash
}
