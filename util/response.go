package util

import (
	"time"

	"github.com/miekg/dns"
)

// ResponseType represents the classification of a DNS response.
type ResponseType int

const (
	// TypeSuccess indicates a positive response with answers
	TypeSuccess ResponseType = iota
	// TypeNXDomain indicates the queried domain does not exist (NXDOMAIN)
	TypeNXDomain
	// TypeNoRecords indicates the domain exists but has no records of the requested type (NODATA)
	TypeNoRecords
	// TypeServerFailure indicates a server error or refusal
	TypeServerFailure
	// TypeNotCacheable indicates responses that should not be cached
	TypeNotCacheable
)

// IsNegative reports whether the type is cached with the negative TTL.
func (t ResponseType) IsNegative() bool {
	return t == TypeNXDomain || t == TypeNoRecords || t == TypeServerFailure
}

// ClassifyResponse analyzes a DNS message and determines its type.
func ClassifyResponse(msg *dns.Msg) ResponseType {
	if msg.Truncated {
		return TypeNotCacheable
	}

	if len(msg.Question) > 0 {
		qt := msg.Question[0].Qtype
		if qt == dns.TypeAXFR || qt == dns.TypeIXFR {
			return TypeNotCacheable
		}
	}

	if msg.Opcode != dns.OpcodeQuery {
		return TypeNotCacheable
	}

	switch msg.Rcode {
	case dns.RcodeSuccess:
		if len(msg.Answer) > 0 {
			return TypeSuccess
		}
		return TypeNoRecords

	case dns.RcodeNameError:
		return TypeNXDomain

	default:
		return TypeServerFailure
	}
}

// hasExpiredSignatures checks if any RRSIG records have expired
func hasExpiredSignatures(msg *dns.Msg, now time.Time) bool {
	nowUnix := uint32(now.Unix())

	for _, section := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range section {
			if sig, ok := rr.(*dns.RRSIG); ok && sig.Expiration < nowUnix {
				return true
			}
		}
	}

	return false
}
