package main

import (
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/middleware/accesslist"
	"github.com/xlh001/oxide-wdns/middleware/accesslog"
	"github.com/xlh001/oxide-wdns/middleware/chaos"
	"github.com/xlh001/oxide-wdns/middleware/edns"
	"github.com/xlh001/oxide-wdns/middleware/forwarder"
	"github.com/xlh001/oxide-wdns/middleware/metrics"
	"github.com/xlh001/oxide-wdns/middleware/ratelimit"
	"github.com/xlh001/oxide-wdns/middleware/recovery"
)

// Pipeline order: the first registered handler runs first.
func init() {
	middleware.Register("recovery", func(*middleware.Env) middleware.Handler { return recovery.New() })
	middleware.Register("accesslist", func(env *middleware.Env) middleware.Handler { return accesslist.New(env.Config.AccessList) })
	middleware.Register("ratelimit", func(env *middleware.Env) middleware.Handler { return ratelimit.New(env.Config.RateLimit) })
	middleware.Register("metrics", func(*middleware.Env) middleware.Handler { return metrics.New() })
	middleware.Register("accesslog", func(env *middleware.Env) middleware.Handler { return accesslog.New(env.Config.AccessLog) })
	middleware.Register("chaos", func(env *middleware.Env) middleware.Handler { return chaos.New(env.Config.Chaos, env.Config.ServerVersion()) })
	middleware.Register("edns", func(*middleware.Env) middleware.Handler { return edns.New() })
	middleware.Register("forwarder", func(env *middleware.Env) middleware.Handler { return forwarder.New(env.Engine) })
}
