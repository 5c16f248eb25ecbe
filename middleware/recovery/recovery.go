// Package recovery turns a panic in a later handler into SERVFAIL.
package recovery

import (
	"context"
	"runtime/debug"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/util"
)

// Recovery handler.
type Recovery struct{}

// New returns a recovery handler.
func New() *Recovery {
	return &Recovery{}
}

// Name returns the middleware name.
func (r *Recovery) Name() string { return name }

// ServeDNS implements the Handler interface.
func (r *Recovery) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	defer func() {
		if rec := recover(); rec != nil {
			query := ""
			if ch.Request != nil && len(ch.Request.Question) > 0 {
				query = util.FormatQuestion(ch.Request.Question[0])
			}

			zlog.Error("Recovered in ServeDNS", "query", query, "recover", rec, "stack", string(debug.Stack()))

			if !ch.Writer.Written() {
				ch.CancelWithRcode(dns.RcodeServerFailure, false)
				return
			}
			ch.Cancel()
		}
	}()

	ch.Next(ctx)
}

const name = "recovery"
