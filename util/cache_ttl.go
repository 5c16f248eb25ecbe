package util

import (
	"time"

	"github.com/miekg/dns"
)

// MinRecordTTL returns the smallest TTL across the answer, authority
// and additional sections, bounded by the expiry of any RRSIG. The
// second result is false when the message holds no records.
func MinRecordTTL(msg *dns.Msg, now time.Time) (time.Duration, bool) {
	if hasExpiredSignatures(msg, now) {
		return 0, true
	}

	var (
		minTTL time.Duration
		found  bool
	)

	visit := func(rr dns.RR) {
		ttl := getTTL(rr)
		if sig, ok := rr.(*dns.RRSIG); ok {
			ttl = getRRSIGTTL(sig, now)
		}
		if !found || ttl < minTTL {
			minTTL, found = ttl, true
		}
	}

	for _, rr := range msg.Answer {
		visit(rr)
	}
	for _, rr := range msg.Ns {
		visit(rr)
	}
	for _, rr := range msg.Extra {
		// Skip OPT pseudo-records
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		visit(rr)
	}

	return minTTL, found
}

// ClampTTL bounds ttl to [min, max].
func ClampTTL(ttl, min, max time.Duration) time.Duration {
	if ttl < min {
		ttl = min
	}
	if max > 0 && ttl > max {
		ttl = max
	}
	return ttl
}

// getTTL extracts TTL from a resource record as a duration
func getTTL(rr dns.RR) time.Duration {
	return time.Duration(rr.Header().Ttl) * time.Second
}

// getRRSIGTTL calculates the effective TTL for an RRSIG record based on its expiration time.
// The cache TTL should not exceed the time until the signature expires.
func getRRSIGTTL(sig *dns.RRSIG, now time.Time) time.Duration {
	recordTTL := time.Duration(sig.Header().Ttl) * time.Second

	timeUntilExpire := time.Unix(int64(sig.Expiration), 0).Sub(now)
	if timeUntilExpire <= 0 {
		return 0
	}

	if timeUntilExpire < recordTTL {
		return timeUntilExpire
	}
	return recordTTL
}
