package listsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/semihalev/zlog/v2"
)

// Kind of a list source.
type Kind uint8

const (
	// File is read from the local filesystem.
	File Kind = iota
	// URL is fetched over HTTP.
	URL
)

func (k Kind) String() string {
	if k == URL {
		return "url"
	}
	return "file"
}

// maxListSize caps the body of a fetched list.
var maxListSize int64 = 64 << 20

// ErrListTooLarge is returned when a fetched list exceeds maxListSize.
var ErrListTooLarge = errors.New("list exceeds size limit")

// limitedReader fails once more than n bytes are read, so an oversized
// list never publishes a partial snapshot.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}

	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return 0, ErrListTooLarge
	}

	return n, err
}

// FetchError reports a failed refresh. The previous snapshot stays
// published.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return "list " + e.Source + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Source keeps the latest snapshot of one file or URL list.
type Source struct {
	kind     Kind
	location string
	interval time.Duration

	client    *http.Client
	userAgent string
	clock     clockwork.Clock

	snap atomic.Pointer[Snapshot]

	mu           sync.Mutex
	etag         string
	lastModified string
}

// Option configures a Source.
type Option func(*Source)

// WithHTTPClient sets the client used by URL sources.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithUserAgent sets the User-Agent of URL fetches.
func WithUserAgent(ua string) Option {
	return func(s *Source) { s.userAgent = ua }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Source) { s.clock = c }
}

// NewFile returns a source backed by a local file.
func NewFile(path string, opts ...Option) *Source {
	return newSource(File, path, 0, opts)
}

// NewURL returns a source fetched from url every interval. A zero
// interval fetches only once.
func NewURL(url string, interval time.Duration, opts ...Option) *Source {
	return newSource(URL, url, interval, opts)
}

func newSource(kind Kind, location string, interval time.Duration, opts []Option) *Source {
	s := &Source{
		kind:     kind,
		location: location,
		interval: interval,
		client:   &http.Client{Timeout: 30 * time.Second},
		clock:    clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.snap.Store(empty)

	return s
}

// Kind returns the source kind.
func (s *Source) Kind() Kind { return s.kind }

// Location returns the file path or URL.
func (s *Source) Location() string { return s.location }

// Snapshot returns the current set. It is never nil.
func (s *Source) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Contains reports whether name is in the current set.
func (s *Source) Contains(name string) bool {
	return s.snap.Load().Contains(name)
}

// Refresh reloads the source and publishes the new snapshot. On
// failure the previous snapshot is kept and a *FetchError returned.
func (s *Source) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		snap *Snapshot
		err  error
	)

	switch s.kind {
	case URL:
		snap, err = s.fetch(ctx)
	default:
		snap, err = s.read()
	}

	if err != nil {
		listRefreshFailures.WithLabelValues(s.location).Inc()
		return &FetchError{Source: s.location, Err: err}
	}

	if snap == nil {
		// not modified
		return nil
	}

	snap.Updated = s.clock.Now()
	s.snap.Store(snap)

	listEntries.WithLabelValues(s.location).Set(float64(snap.Len()))

	zlog.Debug("List source refreshed", "source", s.location, "entries", snap.Len())

	return nil
}

func (s *Source) read() (*Snapshot, error) {
	f, err := os.Open(s.location)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	defer f.Close()

	return Parse(f, s.location)
}

func (s *Source) fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.location, nil)
	if err != nil {
		return nil, err
	}

	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if s.etag != "" {
		req.Header.Set("If-None-Match", s.etag)
	}
	if s.lastModified != "" {
		req.Header.Set("If-Modified-Since", s.lastModified)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading source: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	snap, err := Parse(&limitedReader{r: resp.Body, n: maxListSize}, s.location)
	if err != nil {
		return nil, err
	}

	s.etag = resp.Header.Get("ETag")
	s.lastModified = resp.Header.Get("Last-Modified")

	return snap, nil
}

// Run keeps the source fresh until ctx is done: URL sources are
// refetched every interval, file sources are re-read when the file
// changes on disk.
func (s *Source) Run(ctx context.Context) {
	switch s.kind {
	case URL:
		s.poll(ctx)
	default:
		s.watch(ctx)
	}
}

func (s *Source) poll(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.refreshAndLog(ctx)
		}
	}
}

func (s *Source) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zlog.Error("List file watcher failed", "source", s.location, "error", err.Error())
		return
	}
	defer watcher.Close()

	// Editors often replace files, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.location)); err != nil {
		zlog.Error("List file watcher failed", "source", s.location, "error", err.Error())
		return
	}

	target := filepath.Clean(s.location)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.refreshAndLog(ctx)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn("List file watcher error", "source", s.location, "error", err.Error())
		}
	}
}

func (s *Source) refreshAndLog(ctx context.Context) {
	err := s.Refresh(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	snap := s.Snapshot()
	zlog.Warn("List refresh failed, keeping previous snapshot", "source", s.location,
		"entries", snap.Len(), "updated", snap.Updated, "error", err.Error())
}
