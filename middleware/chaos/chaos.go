// Package chaos answers the CHAOS class identification queries locally.
// CHAOS queries are never forwarded upstream.
package chaos

import (
	"context"
	"os"

	"github.com/miekg/dns"
	"github.com/xlh001/oxide-wdns/middleware"
)

// Chaos type
type Chaos struct {
	enabled bool
	txt     map[string]string
}

// New returns the handler. version is reported for version.bind; a
// disabled handler refuses every CHAOS query.
func New(enabled bool, version string) *Chaos {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	version = "wdns v" + version

	return &Chaos{
		enabled: enabled,
		txt: map[string]string{
			"version.bind.":   version,
			"version.server.": version,
			"hostname.bind.":  truncate(hostname),
			"id.server.":      truncate(hostname),
		},
	}
}

// Name return middleware name
func (c *Chaos) Name() string { return name }

// ServeDNS implements the Handle interface.
func (c *Chaos) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	req := ch.Request

	if len(req.Question) == 0 || req.Question[0].Qclass != dns.ClassCHAOS {
		ch.Next(ctx)
		return
	}

	q := req.Question[0]

	value, ok := c.txt[dns.CanonicalName(q.Name)]
	if !c.enabled || !ok || q.Qtype != dns.TypeTXT {
		ch.CancelWithRcode(dns.RcodeRefused, false)
		return
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.Answer = []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS},
		Txt: []string{value},
	}}

	_ = ch.Writer.WriteMsg(resp)
	ch.Cancel()
}

// truncate keeps s within one TXT character-string.
func truncate(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}

const name = "chaos"
