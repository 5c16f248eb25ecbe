package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
)

// Validator checks RRSIG chains of forwarded answers against the
// signer's DNSKEY set, fetched from the resolver that gave the answer.
type Validator struct {
	clock clockwork.Clock

	mu   sync.Mutex
	keys map[string]keyEntry
}

type keyEntry struct {
	keys    map[uint16]*dns.DNSKEY
	expires time.Time
}

// NewValidator returns a validator with an empty key cache.
func NewValidator(clock clockwork.Clock) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{clock: clock, keys: make(map[string]keyEntry)}
}

type exchangeFunc func(ctx context.Context, m *dns.Msg) (*dns.Msg, error)

// Validate reports whether resp is secure. Unsigned answers are insecure
// but not an error; signed answers that do not verify are bogus.
func (v *Validator) Validate(ctx context.Context, resolver string, exchange exchangeFunc, resp *dns.Msg) (bool, error) {
	sigs := append(extractRRSet(resp.Answer, "", dns.TypeRRSIG), extractRRSet(resp.Ns, "", dns.TypeRRSIG)...)
	if len(sigs) == 0 {
		dnssecResults.WithLabelValues("insecure").Inc()
		return false, nil
	}

	signers := make(map[string]map[uint16]*dns.DNSKEY)
	for _, rr := range sigs {
		signer := strings.ToLower(dns.Fqdn(rr.(*dns.RRSIG).SignerName))
		if _, ok := signers[signer]; ok {
			continue
		}

		keys, err := v.zoneKeys(ctx, resolver, exchange, signer, resp)
		if err != nil {
			dnssecResults.WithLabelValues("bogus").Inc()
			return false, err
		}
		signers[signer] = keys
	}

	now := v.clock.Now()

	if err := verifySection(signers, resp.Answer, now, true); err != nil {
		dnssecResults.WithLabelValues("bogus").Inc()
		return false, err
	}
	if err := verifySection(signers, resp.Ns, now, false); err != nil {
		dnssecResults.WithLabelValues("bogus").Inc()
		return false, err
	}

	dnssecResults.WithLabelValues("secure").Inc()

	return true, nil
}

// zoneKeys returns the verified DNSKEY set of zone. A DNSKEY answer for
// the zone itself is used directly.
func (v *Validator) zoneKeys(ctx context.Context, resolver string, exchange exchangeFunc, zone string, resp *dns.Msg) (map[uint16]*dns.DNSKEY, error) {
	id := resolver + "|" + zone
	now := v.clock.Now()

	v.mu.Lock()
	e, ok := v.keys[id]
	v.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.keys, nil
	}

	var answer []dns.RR
	if len(resp.Question) > 0 && resp.Question[0].Qtype == dns.TypeDNSKEY && strings.EqualFold(resp.Question[0].Name, zone) {
		answer = resp.Answer
	} else {
		req := new(dns.Msg)
		req.SetQuestion(zone, dns.TypeDNSKEY)
		req.SetEdns0(dns.DefaultMsgSize, true)
		req.RecursionDesired = true
		req.CheckingDisabled = true

		r, err := exchange(ctx, req)
		if err != nil {
			return nil, errNoDNSKEY.WithContext("zone %s: %v", zone, err)
		}
		answer = r.Answer
	}

	keys, ttl, err := verifyDNSKEY(zone, answer, now)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.keys[id] = keyEntry{keys: keys, expires: now.Add(ttl)}
	v.mu.Unlock()

	return keys, nil
}

// verifyDNSKEY checks that the DNSKEY set of zone is signed by one of its
// secure entry point keys and returns the keys by tag.
func verifyDNSKEY(zone string, answer []dns.RR, now time.Time) (map[uint16]*dns.DNSKEY, time.Duration, error) {
	set := extractRRSet(answer, zone, dns.TypeDNSKEY)
	if len(set) == 0 {
		return nil, 0, errNoDNSKEY.WithContext("zone %s", zone)
	}

	keys := make(map[uint16]*dns.DNSKEY, len(set))
	ttl := time.Duration(set[0].Header().Ttl) * time.Second
	for _, rr := range set {
		k := rr.(*dns.DNSKEY)
		keys[k.KeyTag()] = k
		if t := time.Duration(k.Hdr.Ttl) * time.Second; t < ttl {
			ttl = t
		}
	}

	for _, rr := range extractRRSet(answer, zone, dns.TypeRRSIG) {
		sig := rr.(*dns.RRSIG)
		if sig.TypeCovered != dns.TypeDNSKEY {
			continue
		}
		k, ok := keys[sig.KeyTag]
		if !ok || k.Flags&dns.SEP == 0 {
			continue
		}
		if sig.Verify(k, set) == nil && sig.ValidityPeriod(now) {
			return keys, ttl, nil
		}
	}

	return nil, 0, errNoSEPSignature.WithContext("zone %s", zone)
}

type rrsetID struct {
	name  string
	rtype uint16
}

// verifySection requires one valid signature for every signed RRset of
// section. With requireAll, unsigned RRsets are bogus as well.
func verifySection(signers map[string]map[uint16]*dns.DNSKEY, section []dns.RR, now time.Time, requireAll bool) error {
	valid := make(map[rrsetID]bool)
	for _, rr := range section {
		if rr.Header().Rrtype == dns.TypeRRSIG {
			continue
		}
		valid[rrsetID{strings.ToLower(rr.Header().Name), rr.Header().Rrtype}] = false
	}

	var lastErr error
	signed := make(map[rrsetID]bool)

	for _, rr := range extractRRSet(section, "", dns.TypeRRSIG) {
		sig := rr.(*dns.RRSIG)
		id := rrsetID{strings.ToLower(sig.Header().Name), sig.TypeCovered}
		signed[id] = true

		if valid[id] {
			continue
		}

		if err := verifySig(signers, sig, section, now); err != nil {
			lastErr = err
			continue
		}
		valid[id] = true
	}

	for id, ok := range valid {
		if ok {
			continue
		}
		if signed[id] {
			if lastErr != nil {
				return lastErr
			}
			return errBadSignature.WithContext("%s %s", id.name, dns.TypeToString[id.rtype])
		}
		if requireAll {
			return errNoSignatures.WithContext("%s %s", id.name, dns.TypeToString[id.rtype])
		}
	}

	return nil
}

func verifySig(signers map[string]map[uint16]*dns.DNSKEY, sig *dns.RRSIG, section []dns.RR, now time.Time) error {
	rest := extractRRSet(section, sig.Header().Name, sig.TypeCovered)
	if len(rest) == 0 {
		return errMissingSigned
	}

	keys := signers[strings.ToLower(dns.Fqdn(sig.SignerName))]
	k, ok := keys[sig.KeyTag]
	if !ok {
		return errMissingDNSKEY.WithContext("key tag %d", sig.KeyTag)
	}

	switch k.Algorithm {
	case dns.RSASHA1, dns.RSASHA1NSEC3SHA1, dns.RSASHA256, dns.RSASHA512, dns.RSAMD5:
		if !checkExponent(k.PublicKey) {
			return errUnsupportedKey
		}
	}

	if err := sig.Verify(k, rest); err != nil {
		return &ValidationError{Code: errBadSignature.Code, Message: fmt.Sprintf("%s for %s", errBadSignature.Message, sig.Header().Name), Err: err}
	}

	if !sig.ValidityPeriod(now) {
		return errInvalidSignaturePeriod.WithContext("%s", sig.Header().Name)
	}

	return nil
}

func extractRRSet(in []dns.RR, name string, t ...uint16) []dns.RR {
	out := []dns.RR{}
	tMap := make(map[uint16]struct{}, len(t))
	for _, t := range t {
		tMap[t] = struct{}{}
	}
	for _, r := range in {
		if _, present := tMap[r.Header().Rrtype]; present {
			if name != "" && !strings.EqualFold(name, r.Header().Name) {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}

func fromBase64(s []byte) (buf []byte, err error) {
	buflen := base64.StdEncoding.DecodedLen(len(s))
	buf = make([]byte, buflen)
	n, err := base64.StdEncoding.Decode(buf, s)
	buf = buf[:n]
	return
}

func checkExponent(key string) bool {
	keybuf, err := fromBase64([]byte(key))
	if err != nil {
		return true
	}

	if len(keybuf) < 1+1+64 {
		// Exponent must be at least 1 byte and modulus at least 64
		return true
	}

	// RFC 2537/3110, section 2. RSA Public KEY Resource Records
	explen := uint16(keybuf[0])
	keyoff := 1
	if explen == 0 {
		explen = uint16(keybuf[1])<<8 | uint16(keybuf[2])
		keyoff = 3
	}

	if explen > 4 || explen == 0 || keybuf[keyoff] == 0 {
		return false
	}

	return true
}
