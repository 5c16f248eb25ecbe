// Package edns normalises the client OPT record and shapes the answer to
// what the client negotiated: DO, payload size, the echoed client subnet
// option and any extended error.
package edns

import (
	"context"

	"github.com/miekg/dns"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/util"
)

// EDNS type.
type EDNS struct{}

// New returns edns.
func New() *EDNS {
	return &EDNS{}
}

// Name returns the middleware name.
func (e *EDNS) Name() string { return name }

// ResponseWriter rewrites the answer OPT record for the client.
type ResponseWriter struct {
	middleware.ResponseWriter
	size   int
	do     bool
	noedns bool
	noad   bool
}

// ServeDNS implements the Handler interface.
func (e *EDNS) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	noedns := req.IsEdns0() == nil

	opt, size, do, badVersion := util.SetEdns0(req)
	if badVersion {
		opt.SetVersion(0)
		ch.CancelWithRcode(dns.RcodeBadVers, do)
		return
	}

	if w.Proto() != "udp" {
		size = dns.MaxMsgSize
	}

	ch.Writer = &ResponseWriter{
		ResponseWriter: w,
		size:           size,
		do:             do,
		noedns:         noedns,
		noad:           !req.AuthenticatedData && !do,
	}

	ch.Next(ctx)

	ch.Writer = w
}

// WriteMsg implements the dns.ResponseWriter interface.
func (w *ResponseWriter) WriteMsg(m *dns.Msg) error {
	if !w.do {
		m = util.ClearDNSSEC(m)
	}

	options := keptOptions(m)
	m = util.ClearOPT(m)

	if !w.noedns {
		opt := new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		opt.SetUDPSize(util.DefaultMsgSize)
		opt.SetDo(w.do)
		opt.Option = options

		m.Extra = append(m.Extra, opt)
	}

	if w.noad {
		m.AuthenticatedData = false
	}

	if w.Proto() == "udp" && m.Len() > w.size {
		m.Truncate(w.size)
	}

	return w.ResponseWriter.WriteMsg(m)
}

// keptOptions returns the answer options that reach the client.
func keptOptions(m *dns.Msg) []dns.EDNS0 {
	opt := m.IsEdns0()
	if opt == nil {
		return nil
	}

	var options []dns.EDNS0
	for _, o := range opt.Option {
		switch o.(type) {
		case *dns.EDNS0_SUBNET, *dns.EDNS0_EDE:
			options = append(options, o)
		}
	}

	return options
}

const name = "edns"
