package inventory

import (
	"context"
	"time"

	"github.com/dc-tec/keycloak-sync-operator/internal/cache"
)

// Collection is the read path of one cached kind.
type Collection interface {
	Kind() string
	List(ctx context.Context) (any, error)
	Get(ctx context.Context, name string) (any, error)
	// Batch resolves names leniently: unknown names yield a placeholder instead of an error.
	Batch(ctx context.Context, names []string) (any, error)
	Refetch(ctx context.Context) error
	LastFetched() time.Time
}

type cacheCollection[T cache.Named] struct {
	strict  *cache.ResourceCache[T]
	lenient *cache.ResourceCache[T]
}

// FromCache exposes c as a Collection. Batch lookups go through a lenient view of c that
// shares its snapshot and returns placeholder(name) for unknown names.
func FromCache[T cache.Named](c *cache.ResourceCache[T], placeholder func(name string) T) Collection {
	return &cacheCollection[T]{strict: c, lenient: c.Lenient(placeholder)}
}

func (c *cacheCollection[T]) Kind() string {
	return c.strict.Kind()
}

func (c *cacheCollection[T]) List(ctx context.Context) (any, error) {
	return c.strict.List(ctx)
}

func (c *cacheCollection[T]) Get(ctx context.Context, name string) (any, error) {
	return c.strict.Get(ctx, name)
}

func (c *cacheCollection[T]) Batch(ctx context.Context, names []string) (any, error) {
	items := make([]T, 0, len(names))
	for _, name := range names {
		item, err := c.lenient.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *cacheCollection[T]) Refetch(ctx context.Context) error {
	return c.strict.Refetch(ctx)
}

func (c *cacheCollection[T]) LastFetched() time.Time {
	return c.strict.LastFetched()
}
