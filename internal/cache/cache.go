// Package cache provides a time-bounded, single-flight read-through cache over a
// "list all" fetch function.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
)

// ErrNotFound is returned by Get for names absent from the current snapshot when no
// placeholder is configured.
var ErrNotFound = fmt.Errorf("cached resource %w", operatorerrors.ErrNotFound)

const refreshKey = "refresh"

// Named is anything identified by a name. Kubernetes objects satisfy it.
type Named interface {
	GetName() string
}

// ListFunc fetches every object from the source of record.
type ListFunc[T Named] func(ctx context.Context) ([]T, error)

type entry[T Named] struct {
	items     map[string]T
	order     []string
	fetchedAt time.Time
}

// store is the state shared between a cache and the views derived from it.
type store[T Named] struct {
	kind   string
	fetch  ListFunc[T]
	maxAge time.Duration
	clock  clock.PassiveClock
	log    logr.Logger

	snapshot atomic.Pointer[entry[T]]
	group    singleflight.Group

	// mu serialises commits against Clear so a refresh that started before Clear
	// cannot repopulate the cache afterwards.
	mu         sync.Mutex
	generation uint64
}

// ResourceCache serves Get and List from an immutable snapshot that is replaced
// wholesale when it is older than maxAge. Concurrent callers that find the snapshot
// stale share one in-flight fetch.
type ResourceCache[T Named] struct {
	*store[T]
	placeholder func(name string) T
}

type options struct {
	maxAge      time.Duration
	clock       clock.PassiveClock
	log         logr.Logger
	placeholder any
}

// Option configures a ResourceCache.
type Option func(*options)

// WithMaxAge sets the staleness bound. Defaults to 60s.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxAge = d
		}
	}
}

// WithClock injects the clock used to age snapshots.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithPlaceholder makes Get answer unknown names with fn(name) instead of ErrNotFound.
// fn must return the cache's element type.
func WithPlaceholder[T Named](fn func(name string) T) Option {
	return func(o *options) {
		o.placeholder = fn
	}
}

// New creates a cache for kind backed by fetch.
func New[T Named](kind string, fetch ListFunc[T], opts ...Option) *ResourceCache[T] {
	o := options{
		maxAge: constants.DefaultCacheMaxAge,
		clock:  clock.RealClock{},
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &ResourceCache[T]{
		store: &store[T]{
			kind:   kind,
			fetch:  fetch,
			maxAge: o.maxAge,
			clock:  o.clock,
			log:    o.log.WithName("resource-cache").WithValues("kind", kind),
		},
	}
	if o.placeholder != nil {
		fn, ok := o.placeholder.(func(string) T)
		if !ok {
			panic(fmt.Sprintf("cache %q: placeholder has type %T", kind, o.placeholder))
		}
		c.placeholder = fn
	}
	return c
}

// Lenient returns a view sharing this cache's snapshot and in-flight refreshes that
// answers unknown names with fn(name).
func (c *ResourceCache[T]) Lenient(fn func(name string) T) *ResourceCache[T] {
	return &ResourceCache[T]{store: c.store, placeholder: fn}
}

// Kind returns the resource kind this cache holds.
func (c *ResourceCache[T]) Kind() string {
	return c.kind
}

// Get returns the object called name.
func (c *ResourceCache[T]) Get(ctx context.Context, name string) (T, error) {
	var zero T
	e, err := c.current(ctx)
	if err != nil {
		return zero, err
	}
	if item, ok := e.items[name]; ok {
		return item, nil
	}
	if c.placeholder != nil {
		return c.placeholder(name), nil
	}
	return zero, fmt.Errorf("%s %q: %w", c.kind, name, ErrNotFound)
}

// List returns every object in fetch order.
func (c *ResourceCache[T]) List(ctx context.Context) ([]T, error) {
	e, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.items[name])
	}
	return out, nil
}

// Refetch refreshes the snapshot regardless of its age. A refresh already in flight is
// joined rather than duplicated.
func (c *ResourceCache[T]) Refetch(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

// Clear drops the snapshot so the next read fetches again.
func (c *ResourceCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.snapshot.Store(nil)
}

// LastFetched returns when the current snapshot was fetched, or the zero time when the
// cache is empty.
func (c *ResourceCache[T]) LastFetched() time.Time {
	e := c.snapshot.Load()
	if e == nil {
		return time.Time{}
	}
	return e.fetchedAt
}

func (s *store[T]) current(ctx context.Context) (*entry[T], error) {
	if e := s.snapshot.Load(); e != nil && s.clock.Since(e.fetchedAt) < s.maxAge {
		return e, nil
	}
	return s.refresh(ctx)
}

func (s *store[T]) refresh(ctx context.Context) (*entry[T], error) {
	// The shared fetch outlives any single caller; each caller only stops waiting.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return s.load(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry[T]), nil
	}
}

func (s *store[T]) load(ctx context.Context) (*entry[T], error) {
	s.mu.Lock()
	generation := s.generation
	s.mu.Unlock()

	start := s.clock.Now()
	items, err := s.fetch(ctx)
	observeRefresh(s.kind, err, s.clock.Since(start))
	if err != nil {
		s.log.Error(err, "Failed to refresh cache")
		return nil, fmt.Errorf("failed to list %s: %w", s.kind, err)
	}

	e := &entry[T]{
		items:     make(map[string]T, len(items)),
		order:     make([]string, 0, len(items)),
		fetchedAt: s.clock.Now(),
	}
	for _, item := range items {
		name := item.GetName()
		if _, dup := e.items[name]; !dup {
			e.order = append(e.order, name)
		}
		e.items[name] = item
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == generation {
		s.snapshot.Store(e)
	}
	s.log.V(1).Info("Cache refreshed", "count", len(e.order))
	return e, nil
}

// IsNotFound reports whether err came from a Get for an unknown name.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
