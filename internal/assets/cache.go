// Package assets is a two-tier image cache: decoded images in memory, raw
// bytes on disk, with downloads and decoding done by a pool of background
// workers so lookups never block the frame loop.
package assets

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"zapstream-sync/internal/logging"
	"zapstream-sync/internal/repaint"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

type Options struct {
	Dir          string
	Capacity     int
	Workers      int
	FetchTimeout time.Duration
	MaxBytes     int64
	MaxPixels    int64
	UserAgent    string
	Client       *http.Client
	Repaint      repaint.Requester
	Logger       *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 1000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 20 << 20
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = DefaultMaxPixels
	}
	if o.UserAgent == "" {
		o.UserAgent = "zapstream-sync/1.0"
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Repaint == nil {
		o.Repaint = repaint.Nop{}
	}
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Ready    int `json:"ready"`
	Failed   int `json:"failed"`
	InFlight int `json:"in_flight"`
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

type Cache struct {
	opts        Options
	client      *http.Client
	logger      *slog.Logger
	repaint     repaint.Requester
	placeholder *image.RGBA

	ready    *lru.Cache[Key, *image.RGBA]
	inflight *xsync.MapOf[Key, *task]
	queue    *fetchQueue

	mu     sync.Mutex
	failed map[Key]error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache rooted at opts.Dir and starts its workers.
func New(opts Options) (*Cache, error) {
	opts.setDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("asset cache directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create asset cache directory: %w", err)
	}

	ready, err := lru.NewWithEvict[Key, *image.RGBA](opts.Capacity, func(Key, *image.RGBA) {
		Evictions.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create image table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		opts:        opts,
		client:      opts.Client,
		logger:      logging.OrDiscard(opts.Logger).With("component", "assets"),
		repaint:     opts.Repaint,
		placeholder: newPlaceholder(),
		ready:       ready,
		inflight:    xsync.NewMapOf[Key, *task](),
		queue:       newFetchQueue(),
		failed:      make(map[Key]error),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c, nil
}

// Load returns the current state of src and schedules background work the
// first time a key is seen. It never blocks on I/O. Concurrent loads of an
// unresolved key share one task.
func (c *Cache) Load(src Source, size *Size) Entry {
	if src.URL == "" && !src.static() {
		return Entry{State: Failed, Err: ErrEmptySource}
	}
	key := src.Key()

	if e, ok := c.resolved(key, true); ok {
		return e
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Entry{Key: key, State: Failed, Err: ErrCacheClosed}
	}

	t := &task{key: key, src: src, size: size}
	if _, loaded := c.inflight.LoadOrStore(key, t); loaded {
		Loads.WithLabelValues("pending").Inc()
		return c.pending(key)
	}

	// the previous task may have finished between the lookup above and
	// storing ours
	if e, ok := c.resolved(key, false); ok {
		c.inflight.Delete(key)
		return e
	}

	if !c.queue.push(t) {
		c.inflight.Delete(key)
		return Entry{Key: key, State: Failed, Err: ErrCacheClosed}
	}
	Loads.WithLabelValues("scheduled").Inc()
	return c.pending(key)
}

// Peek reports the state of src without scheduling work or touching its
// recency.
func (c *Cache) Peek(src Source) (Entry, bool) {
	key := src.Key()
	if img, ok := c.ready.Peek(key); ok {
		return c.entry(key, Ready, img, nil), true
	}
	c.mu.Lock()
	err, failed := c.failed[key]
	c.mu.Unlock()
	if failed {
		return c.entry(key, Failed, nil, err), true
	}
	if _, ok := c.inflight.Load(key); ok {
		return c.pending(key), true
	}
	return Entry{}, false
}

func (c *Cache) resolved(key Key, count bool) (Entry, bool) {
	if img, ok := c.ready.Get(key); ok {
		if count {
			Loads.WithLabelValues("ready").Inc()
		}
		return c.entry(key, Ready, img, nil), true
	}
	c.mu.Lock()
	err, failed := c.failed[key]
	c.mu.Unlock()
	if failed {
		if count {
			Loads.WithLabelValues("failed").Inc()
		}
		return c.entry(key, Failed, nil, err), true
	}
	return Entry{}, false
}

func (c *Cache) pending(key Key) Entry {
	return c.entry(key, Pending, nil, nil)
}

func (c *Cache) entry(key Key, state State, img *image.RGBA, err error) Entry {
	return Entry{Key: key, State: state, Image: img, Err: err, Path: path(c.opts.Dir, key)}
}

// Invalidate drops a Ready or Failed entry so the next Load retries it.
// Pending entries are left alone. Bytes on disk are kept.
func (c *Cache) Invalidate(src Source) {
	key := src.Key()
	c.ready.Remove(key)
	c.mu.Lock()
	delete(c.failed, key)
	c.mu.Unlock()
}

// Placeholder is the 1×1 image to draw while an entry is not Ready.
func (c *Cache) Placeholder() *image.RGBA {
	return c.placeholder
}

// Path is where the bytes of src live on disk; empty for static sources.
func (c *Cache) Path(src Source) string {
	return path(c.opts.Dir, src.Key())
}

// Wait blocks until every scheduled task has finished.
func (c *Cache) Wait() {
	c.queue.wait()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	failed := len(c.failed)
	c.mu.Unlock()
	return Stats{
		Ready:    c.ready.Len(),
		Failed:   failed,
		InFlight: c.inflight.Size(),
		Queued:   c.queue.len(),
		Capacity: c.opts.Capacity,
	}
}

// Close stops the workers. Downloads in progress are aborted.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.queue.close()
	c.wg.Wait()
	return nil
}

func (c *Cache) worker() {
	defer c.wg.Done()
	for {
		t, ok := c.queue.pop()
		if !ok {
			return
		}
		c.run(t)
		c.queue.done()
	}
}

func (c *Cache) run(t *task) {
	img, origin, err := c.safeResolve(t)
	if err != nil {
		c.mu.Lock()
		c.failed[t.key] = err
		c.mu.Unlock()
		Resolved.WithLabelValues(origin, "failed").Inc()
		c.logger.Warn("Failed to load image", "source", t.src.String(), "error", err)
	} else {
		c.ready.Add(t.key, img)
		Resolved.WithLabelValues(origin, "ready").Inc()
		c.logger.Debug("Loaded image", "source", t.src.String(), "from", origin, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	}
	// results are published before the in-flight entry goes away
	c.inflight.Delete(t.key)
	c.repaint.Request()
}

// safeResolve turns a panic while resolving t into a Failed entry.
func (c *Cache) safeResolve(t *task) (img *image.RGBA, origin string, err error) {
	origin = "unknown"
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = &DecodeError{Source: t.src.String(), Err: fmt.Errorf("panic: %v", r)}
			c.logger.Error("Recovered from panic while loading image", "source", t.src.String(), "panic", r)
		}
	}()
	return c.resolve(t)
}

func (c *Cache) resolve(t *task) (*image.RGBA, string, error) {
	if t.src.static() {
		img, err := c.decode(t.src.String(), t.src.Data, t.size)
		return img, "static", err
	}

	file := path(c.opts.Dir, t.key)
	data, err := os.ReadFile(file)
	switch {
	case err == nil:
		img, err := c.decode(t.src.URL, data, t.size)
		if err != nil {
			if rmErr := os.Remove(file); rmErr != nil {
				c.logger.Warn("Failed to remove corrupt cache file", "path", file, "error", rmErr)
			}
		}
		return img, "disk", err
	case !errors.Is(err, fs.ErrNotExist):
		return nil, "disk", fmt.Errorf("failed to read cache file: %w", err)
	}

	data, err = c.download(c.ctx, t.src.URL)
	if err != nil {
		return nil, "network", err
	}
	img, err := c.decode(t.src.URL, data, t.size)
	if err != nil {
		return nil, "network", err
	}
	if err := writeFile(file, data); err != nil {
		return nil, "network", err
	}
	return img, "network", nil
}

func (c *Cache) decode(source string, data []byte, size *Size) (*image.RGBA, error) {
	start := time.Now()
	img, err := decodeImage(data, size, c.opts.MaxPixels)
	DecodeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	return img, nil
}
