package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/xlh001/oxide-wdns/view"
	"golang.org/x/net/http2"
)

const dohMediaType = "application/dns-message"

// dohTransport sends RFC 8484 POST queries.
type dohTransport struct {
	url       string
	userAgent string
	client    *http.Client
}

func newDoHTransport(ep view.Endpoint, opts Options) (*dohTransport, error) {
	idle, maxIdle := opts.IdleTimeout, opts.MaxIdleConns
	if idle <= 0 {
		idle = 90 * time.Second
	}
	if maxIdle <= 0 {
		maxIdle = 16
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsFor(opts.TLSConfig, ep.ServerName),
		DisableCompression:  true,
		IdleConnTimeout:     idle,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		ForceAttemptHTTP2:  true,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if _, err := http2.ConfigureTransports(transport); err != nil {
		return nil, err
	}

	return &dohTransport{
		url:       ep.Address,
		userAgent: opts.UserAgent,
		client:    &http.Client{Transport: transport, Timeout: opts.HTTPTimeout},
	}, nil
}

func (t *dohTransport) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	id := m.Id
	m.Id = 0
	buf, err := m.Pack()
	m.Id = id
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", dohMediaType)
	req.Header.Set("Accept", dohMediaType)
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("doh: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, err
	}

	r := new(dns.Msg)
	if err := r.Unpack(body); err != nil {
		return nil, fmt.Errorf("doh: bad answer: %w", err)
	}
	r.Id = id

	return r, nil
}

func (t *dohTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
