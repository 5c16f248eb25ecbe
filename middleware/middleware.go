// Package middleware holds the request pipeline. Handlers register by
// name at init time and are built from the Env at startup.
package middleware

import (
	"context"
	"sync"

	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/resolver"
)

// Handler is one stage of the pipeline.
type Handler interface {
	Name() string
	ServeDNS(context.Context, *Chain)
}

// Env carries what handlers are built from.
type Env struct {
	Config *config.Config
	Engine *resolver.Engine
}

type middleware struct {
	mu       sync.RWMutex
	handlers []handler
}

type handler struct {
	name string
	new  func(*Env) Handler
}

var m middleware

// Register adds a handler constructor. Handlers run in registration
// order.
func Register(name string, new func(*Env) Handler) {
	zlog.Debug("Register middleware", "name", name)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler{name: name, new: new})
}

// Build returns a fresh instance of every registered handler.
func Build(env *Env) []Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	built := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		built = append(built, h.new(env))
	}

	return built
}

// List returns the registered handler names.
func List() (list []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, h := range m.handlers {
		list = append(list, h.name)
	}

	return list
}
