package listsource

import (
	"context"
	"errors"
	"sync"

	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"
)

// Manager owns a set of sources and their refresh loops.
type Manager struct {
	mu      sync.Mutex
	sources []*Source

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers a source. Sources added after Start are not run.
func (m *Manager) Add(s *Source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sources = append(m.sources, s)
}

// Sources returns the registered sources.
func (m *Manager) Sources() []*Source {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*Source(nil), m.sources...)
}

// Load refreshes every source once, in parallel. Failed sources stay
// empty; their errors are joined in the result.
func (m *Manager) Load(ctx context.Context) error {
	sources := m.Sources()
	errs := make([]error, len(sources))

	var g errgroup.Group
	g.SetLimit(8)

	for i, s := range sources {
		g.Go(func() error {
			zlog.Info("Loading list source", "kind", s.Kind().String(), "source", s.Location())
			errs[i] = s.Refresh(ctx)
			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

// Start runs the refresh loop of every source until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)

	for _, s := range m.sources {
		m.wg.Add(1)
		go func(s *Source) {
			defer m.wg.Done()
			s.Run(ctx)
		}(s)
	}
}

// Stop ends every refresh loop and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	m.wg.Wait()
}
