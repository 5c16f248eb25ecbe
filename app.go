package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/cache"
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/listsource"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/resolver"
	"github.com/xlh001/oxide-wdns/server"
	"github.com/xlh001/oxide-wdns/upstream"
)

// app wires the configured components together and owns their
// lifecycle.
type app struct {
	path    string
	version string

	cfg        *config.Config
	cache      *cache.Cache
	persister  *cache.Persister
	dispatcher *upstream.Dispatcher
	engine     *resolver.Engine
	handlers   []middleware.Handler
	server     *server.Server

	ctx context.Context

	reloadMu sync.Mutex
}

func newApp(path, version string) (*app, error) {
	cfg, err := config.Load(path, version)
	if err != nil {
		return nil, err
	}

	// everything after the config load logs at the configured level
	if err := setupLogger(cfg.LogLevel); err != nil {
		return nil, err
	}

	routing, err := resolver.NewRouting(cfg, listOptions(cfg)...)
	if err != nil {
		return nil, err
	}

	a := &app{path: path, version: version, cfg: cfg}

	if cfg.Cache.Enabled {
		a.cache = cache.New(cache.Options{
			Size:        cfg.Cache.Size,
			MinTTL:      cfg.Cache.TTL.Min.Duration,
			MaxTTL:      cfg.Cache.TTL.Max.Duration,
			NegativeTTL: cfg.Cache.TTL.Negative.Duration,
		})

		if p := cfg.Cache.Persistence; p.Enabled {
			if p.LoadOnStartup {
				n, err := a.cache.Load(p.Path, p.SkipExpiredOnLoad)
				if err != nil {
					zlog.Warn("Cache snapshot not loaded, starting empty", "path", p.Path, "error", err.Error())
				} else {
					zlog.Info("Cache snapshot loaded", "path", p.Path, "entries", n)
				}
			}

			a.persister = cache.NewPersister(a.cache, cache.PersistOptions{
				Path:        p.Path,
				Interval:    p.Interval.Duration,
				MaxItems:    p.MaxItems,
				SkipExpired: p.SkipExpiredOnSave,
			})
		}
	}

	a.dispatcher = upstream.New(upstream.Options{
		UserAgent:    cfg.UserAgent,
		HTTPTimeout:  cfg.HTTPClient.Timeout.Duration,
		IdleTimeout:  cfg.HTTPClient.IdleTimeout.Duration,
		MaxIdleConns: cfg.HTTPClient.MaxIdleConns,
	})
	a.engine = resolver.New(routing, a.cache, a.dispatcher)

	a.handlers = middleware.Build(&middleware.Env{Config: cfg, Engine: a.engine})
	a.server = server.New(cfg, a.handlers)

	return a, nil
}

func listOptions(cfg *config.Config) []listsource.Option {
	return []listsource.Option{listsource.WithUserAgent(cfg.UserAgent)}
}

// start loads the list sources and opens the listeners. Background work
// runs until stop.
func (a *app) start(ctx context.Context) error {
	a.ctx = ctx

	routing := a.engine.Routing()
	loadLists(ctx, routing)
	routing.Lists.Start(ctx)

	if a.persister != nil {
		a.persister.Start(ctx)
	}

	if err := a.server.Start(); err != nil {
		routing.Lists.Stop()
		if a.persister != nil {
			a.persister.Stop()
		}
		return err
	}

	return nil
}

func loadLists(ctx context.Context, routing *resolver.Routing) {
	if err := routing.Lists.Load(ctx); err != nil {
		zlog.Warn("Some list sources failed to load, they match nothing until refreshed", "error", err.Error())
	}
}

// reload re-reads the configuration and replaces the groups, rules and
// list sources. Listener and cache settings apply on restart. A failed
// reload keeps the running configuration.
func (a *app) reload() error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	cfg, err := config.Load(a.path, a.version)
	if err != nil {
		return err
	}

	routing, err := resolver.NewRouting(cfg, listOptions(cfg)...)
	if err != nil {
		return err
	}

	loadLists(a.ctx, routing)
	routing.Lists.Start(a.ctx)

	old := a.engine.Swap(routing)
	old.Lists.Stop()

	zlog.Info("Configuration reloaded", "groups", len(routing.View.Names()), "rules", len(cfg.Rules))

	return nil
}

// stop closes the listeners, stops background work and saves the cache
// when configured to.
func (a *app) stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	a.engine.Routing().Lists.Stop()

	if a.persister != nil {
		if a.cfg.Cache.Persistence.SaveOnShutdown {
			if err := a.persister.Shutdown(a.cfg.Cache.Persistence.ShutdownTimeout.Duration); err != nil {
				zlog.Warn("Cache snapshot not saved", "error", err.Error())
			}
		} else {
			a.persister.Stop()
		}
	}

	for _, h := range a.handlers {
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
			}
		}
	}

	if err := a.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("upstream close: %w", err))
	}

	return errors.Join(errs...)
}
