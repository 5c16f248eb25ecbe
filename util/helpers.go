// Package util provides DNS protocol utilities for wdns.
package util

import (
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// SetRcode returns message specified with rcode.
func SetRcode(req *dns.Msg, rcode int, do bool) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	m.RecursionAvailable = true
	m.RecursionDesired = true

	if opt := req.IsEdns0(); opt != nil {
		m.SetEdns0(DefaultMsgSize, do)
	}

	return m
}

// SetEdns0 normalises the request OPT record in place, creating one
// when missing. It returns the OPT, the UDP size the client accepts,
// the client's DO bit and whether the OPT version is unsupported.
// Subnet options are kept for the ECS policy; anything else is dropped.
func SetEdns0(req *dns.Msg) (opt *dns.OPT, size int, do bool, badVersion bool) {
	opt = req.IsEdns0()
	size = DefaultMsgSize

	if opt == nil {
		opt = new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		opt.SetUDPSize(DefaultMsgSize)

		req.Extra = append(req.Extra, opt)

		return opt, dns.MinMsgSize, false, false
	}

	size = int(opt.UDPSize())
	if size < dns.MinMsgSize {
		size = dns.MinMsgSize
	}

	if size > DefaultMsgSize {
		size = DefaultMsgSize
	}

	opt.SetUDPSize(DefaultMsgSize)

	ops := opt.Option
	opt.Option = []dns.EDNS0{}

	for _, option := range ops {
		if option.Option() == dns.EDNS0SUBNET {
			opt.Option = append(opt.Option, option)
		}
	}

	if opt.Version() != 0 {
		return opt, size, false, true
	}

	do = opt.Do()
	opt.Header().Ttl = 0
	opt.SetDo(do)

	return opt, size, do, false
}

// ClearOPT returns cleared opt message
func ClearOPT(msg *dns.Msg) *dns.Msg {
	extra := make([]dns.RR, len(msg.Extra))
	copy(extra, msg.Extra)

	msg.Extra = []dns.RR{}

	for _, rr := range extra {
		switch rr.(type) {
		case *dns.OPT:
			continue
		default:
			msg.Extra = append(msg.Extra, rr)
		}
	}

	return msg
}

// ClearDNSSEC returns cleared RRSIG and NSECx message
func ClearDNSSEC(msg *dns.Msg) *dns.Msg {
	// we shouldn't clear RRSIG questions
	if len(msg.Question) > 0 {
		if msg.Question[0].Qtype == dns.TypeRRSIG {
			return msg
		}
	}

	msg.Answer = stripDNSSEC(msg.Answer)
	msg.Ns = stripDNSSEC(msg.Ns)

	return msg
}

func stripDNSSEC(in []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(in))

	for _, rr := range in {
		switch rr.(type) {
		case *dns.RRSIG, *dns.NSEC3, *dns.NSEC:
			continue
		default:
			out = append(out, rr)
		}
	}

	return out
}

// IsDO reports whether the message carries the DO bit.
func IsDO(msg *dns.Msg) bool {
	if opt := msg.IsEdns0(); opt != nil {
		return opt.Do()
	}

	return false
}

// FormatQuestion renders a question for logging.
func FormatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}

// NormalizeName lowercases name, strips the root dot and converts
// IDN labels to their ASCII form. Matchers and list sources compare
// names only in this form.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, ".")

	if !isASCII(name) {
		if ascii, err := idna.Lookup.ToASCII(name); err == nil {
			name = ascii
		}
	}

	return name
}

// EachParent calls fn with every proper parent of name, nearest first,
// until fn returns true. "a.b.c" yields "b.c" then "c".
func EachParent(name string, fn func(parent string) bool) bool {
	for i := strings.IndexByte(name, '.'); i >= 0; {
		parent := name[i+1:]
		if parent != "" && fn(parent) {
			return true
		}

		next := strings.IndexByte(parent, '.')
		if next < 0 {
			break
		}
		i += next + 1
	}

	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

const (
	// DefaultMsgSize EDNS0 message size
	DefaultMsgSize = 1232
)
