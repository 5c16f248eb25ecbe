// Package forwarder is the last handler of the chain. It hands the query
// to the resolver engine and writes the answer back.
package forwarder

import (
	"context"
	"net/netip"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/ecs"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/resolver"
	"github.com/xlh001/oxide-wdns/util"
)

// Forwarder type.
type Forwarder struct {
	engine *resolver.Engine
}

// New returns a forwarder over engine.
func New(engine *resolver.Engine) *Forwarder {
	return &Forwarder{engine: engine}
}

// Name returns the middleware name.
func (f *Forwarder) Name() string { return name }

// ServeDNS implements the Handler interface.
func (f *Forwarder) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	if len(req.Question) != 1 || req.Opcode != dns.OpcodeQuery {
		ch.CancelWithRcode(dns.RcodeFormatError, util.IsDO(req))
		return
	}

	switch req.Question[0].Qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		ch.CancelWithRcode(dns.RcodeNotImplemented, util.IsDO(req))
		return
	}

	q := resolver.QueryFromMsg(req, clientAddr(w))

	resp, err := f.engine.Resolve(ctx, q)
	if err != nil {
		// the client went away, nobody to answer
		if ctx.Err() != nil {
			ch.Cancel()
			return
		}

		zlog.Debug("Forward failed", "query", util.FormatQuestion(req.Question[0]), "error", err.Error())

		code, text := util.ErrorToEDE(err)
		m := util.SetRcodeWithEDE(req, dns.RcodeServerFailure, q.DO, code, text)
		ecs.Set(m, f.engine.Echo(q))

		_ = w.WriteMsg(m)
		return
	}

	m := resp.Msg
	m.Id = req.Id
	m.Question = req.Question
	m.RecursionDesired = req.RecursionDesired
	m.RecursionAvailable = true

	if m.IsEdns0() == nil {
		m.SetEdns0(util.DefaultMsgSize, q.DO)
	}
	ecs.Set(m, resp.ECS)

	_ = w.WriteMsg(m)
}

func clientAddr(w middleware.ResponseWriter) netip.Addr {
	addr, ok := netip.AddrFromSlice(w.RemoteIP())
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

const name = "forwarder"
