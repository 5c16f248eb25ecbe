// Package accesslist drops queries from clients outside the configured
// networks. Dropped queries get no reply.
package accesslist

import (
	"context"
	"net"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/yl2chen/cidranger"
)

var denied = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "dns_accesslist_denied_total",
	Help: "Queries dropped by the access list",
})

func init() {
	prometheus.MustRegister(denied)
}

// AccessList type.
type AccessList struct {
	ranger cidranger.Ranger
}

// New returns an access list over cidrs. A bare address is treated as a
// single host. With no valid entry every client is allowed.
func New(cidrs []string) *AccessList {
	a := new(AccessList)

	ranger := cidranger.NewPCTrieRanger()
	entries := 0

	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil {
				if ip.To4() != nil {
					cidr += "/32"
				} else {
					cidr += "/128"
				}
			}
		}

		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			zlog.Error("Access list insert failed", "cidr", cidr, "error", err.Error())
			continue
		}
		entries++
	}

	if entries > 0 {
		a.ranger = ranger
	}

	return a
}

// Name returns the middleware name.
func (a *AccessList) Name() string { return name }

// Allowed reports whether ip may query.
func (a *AccessList) Allowed(ip net.IP) bool {
	if a.ranger == nil {
		return true
	}
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	ok, err := a.ranger.Contains(ip)
	return err == nil && ok
}

// ServeDNS implements the Handler interface.
func (a *AccessList) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	if !a.Allowed(ch.Writer.RemoteIP()) {
		denied.Inc()
		ch.Cancel()
		return
	}

	ch.Next(ctx)
}

const name = "accesslist"
