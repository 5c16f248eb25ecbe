package resolver

import (
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/listsource"
	"github.com/xlh001/oxide-wdns/router"
	"github.com/xlh001/oxide-wdns/view"
)

// Routing is one loaded generation of the upstream configuration. It is
// replaced as a whole on reload.
type Routing struct {
	View   *view.View
	Router *router.Router
	Lists  *listsource.Manager
}

// NewRouting builds the effective groups and the rule list of cfg. List
// sources are registered with Lists but not loaded.
func NewRouting(cfg *config.Config, opts ...listsource.Option) (*Routing, error) {
	v, err := view.Build(cfg)
	if err != nil {
		return nil, err
	}

	lists := listsource.NewManager()

	r, err := router.New(cfg.Rules, v, lists, opts...)
	if err != nil {
		return nil, err
	}

	return &Routing{View: v, Router: r, Lists: lists}, nil
}

// group returns the effective configuration for a destination.
func (r *Routing) group(dest router.Destination) *view.Group {
	if dest.Kind == router.Group {
		if g, ok := r.View.Group(dest.Group); ok {
			return g
		}
	}
	return r.View.Global()
}
