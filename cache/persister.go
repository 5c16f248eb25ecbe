package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/semihalev/zlog/v2"
)

// PersistOptions configure a Persister.
type PersistOptions struct {
	Path        string
	Interval    time.Duration
	MaxItems    int
	SkipExpired bool
	Clock       clockwork.Clock
}

// Persister saves a cache periodically and once more at shutdown.
type Persister struct {
	cache *Cache
	opts  PersistOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPersister returns a persister for c.
func NewPersister(c *Cache, opts PersistOptions) *Persister {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Persister{cache: c, opts: opts}
}

// Start runs the periodic save loop until Shutdown. It does nothing when
// no interval is configured.
func (p *Persister) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil || p.opts.Interval <= 0 {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.run(ctx, p.done)
}

func (p *Persister) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := p.opts.Clock.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := p.cache.Save(ctx, p.opts.Path, p.opts.MaxItems, p.opts.SkipExpired); err != nil {
				zlog.Warn("Periodic cache save failed", "path", p.opts.Path, "error", err.Error())
			}
		}
	}
}

// Stop ends the periodic loop without saving.
func (p *Persister) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Shutdown stops the periodic loop and performs a final save bounded by
// timeout. A save that does not finish in time is abandoned.
func (p *Persister) Shutdown(timeout time.Duration) error {
	p.Stop()

	ctx := context.Background()
	if timeout > 0 {
		var cancelSave context.CancelFunc
		ctx, cancelSave = context.WithTimeout(ctx, timeout)
		defer cancelSave()
	}

	errc := make(chan error, 1)
	go func() {
		errc <- p.cache.Save(ctx, p.opts.Path, p.opts.MaxItems, p.opts.SkipExpired)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		zlog.Warn("Shutdown cache save timed out", "path", p.opts.Path, "timeout", timeout.String())
		return &PersistError{Op: "save", Path: p.opts.Path, Err: fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())}
	}
}
