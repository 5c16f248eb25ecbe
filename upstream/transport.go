package upstream

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/miekg/dns"
	"github.com/xlh001/oxide-wdns/view"
)

// exchanger sends one query to one resolver.
type exchanger interface {
	Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error)
	Close() error
}

// dnsTransport covers udp, tcp and dot through the miekg client.
type dnsTransport struct {
	addr   string
	client *dns.Client
	// tcp is used to retry truncated udp answers
	tcp *dns.Client
}

func newDNSTransport(ep view.Endpoint, tlsConfig *tls.Config) *dnsTransport {
	t := &dnsTransport{addr: ep.Address}

	switch ep.Protocol {
	case view.TCP:
		t.client = &dns.Client{Net: "tcp"}
	case view.DoT:
		t.client = &dns.Client{Net: "tcp-tls", TLSConfig: tlsFor(tlsConfig, ep.ServerName, "")}
	default:
		t.client = &dns.Client{Net: "udp", UDPSize: dns.DefaultMsgSize}
		t.tcp = &dns.Client{Net: "tcp"}
	}

	return t
}

func (t *dnsTransport) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	resp, _, err := t.client.ExchangeContext(ctx, m, t.addr)
	if err != nil {
		return nil, err
	}

	if resp.Truncated && t.tcp != nil {
		resp, _, err = t.tcp.ExchangeContext(ctx, m, t.addr)
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func (t *dnsTransport) Close() error { return nil }

// tlsFor clones base with the server name and ALPN of one endpoint.
func tlsFor(base *tls.Config, serverName string, alpn ...string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{}
	}

	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}

	cfg.NextProtos = nil
	for _, p := range alpn {
		if p != "" {
			cfg.NextProtos = append(cfg.NextProtos, p)
		}
	}

	return cfg
}

// deadline returns the ctx deadline or a fallback from now.
func deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}
