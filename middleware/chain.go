package middleware

import (
	"context"

	"github.com/miekg/dns"
	"github.com/xlh001/oxide-wdns/util"
)

// Chain walks a request through the handlers. A chain is reused from a
// pool, Reset prepares it for the next request.
type Chain struct {
	Writer  ResponseWriter
	Request *dns.Msg

	handlers []Handler

	head  int
	count int
}

// NewChain returns a chain over handlers.
func NewChain(handlers []Handler) *Chain {
	return &Chain{
		Writer:   &responseWriter{},
		handlers: handlers,
		count:    len(handlers),
	}
}

// Next calls the next handler, if any.
func (ch *Chain) Next(ctx context.Context) {
	if ch.count == 0 {
		return
	}

	h := ch.handlers[ch.head]
	ch.head++
	ch.count--

	h.ServeDNS(ctx, ch)
}

// Cancel stops the chain without writing.
func (ch *Chain) Cancel() {
	ch.count = 0
}

// CancelWithRcode writes an empty answer with rcode and stops the chain.
func (ch *Chain) CancelWithRcode(rcode int, do bool) {
	_ = ch.Writer.WriteMsg(util.SetRcode(ch.Request, rcode, do))

	ch.count = 0
}

// Reset binds the chain to a new request.
func (ch *Chain) Reset(w dns.ResponseWriter, r *dns.Msg) {
	ch.Writer.Reset(w)
	ch.Request = r
	ch.count = len(ch.handlers)
	ch.head = 0
}
