// Package labels caches human readable names of users, roles and
// organizations for list responses. Entries are keyed by entity id and
// dropped explicitly after each committed change to that entity.
package labels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/cache"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Kind names the entity a label belongs to.
type Kind string

const (
	KindUser Kind = "user"
	KindRole Kind = "role"
)

// Loader resolves the label of one entity from storage.
type Loader func(ctx context.Context, id uuid.UUID) (string, error)

// Cache serves labels through a Redis JSON cache.
type Cache struct {
	store   *cache.JSON
	logger  *slog.Logger
	mu      sync.RWMutex
	loaders map[Kind]Loader
}

// New builds a Cache. A nil store disables caching but keeps the loaders.
func New(store *cache.JSON, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, logger: logger, loaders: make(map[Kind]Loader)}
}

// Register installs the loader for kind, replacing any earlier one.
func (c *Cache) Register(kind Kind, loader Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaders[kind] = loader
}

func key(kind Kind, id uuid.UUID) string {
	return string(kind) + ":" + id.String()
}

// Label returns the label of one entity.
func (c *Cache) Label(ctx context.Context, kind Kind, id uuid.UUID) (string, error) {
	c.mu.RLock()
	loader, ok := c.loaders[kind]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("labels: no loader for %s", kind)
	}
	var label string
	err := c.store.Fetch(ctx, key(kind, id), &label, func(ctx context.Context) (any, error) {
		return loader(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return label, nil
}

// Labels resolves several ids of one kind. Unknown ids are left out.
func (c *Cache) Labels(ctx context.Context, kind Kind, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		label, err := c.Label(ctx, kind, id)
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = label
	}
	return out, nil
}

// Invalidate drops the cached label of one entity.
func (c *Cache) Invalidate(ctx context.Context, kind Kind, id uuid.UUID) error {
	if err := c.store.Delete(ctx, key(kind, id)); err != nil {
		return err
	}
	c.logger.Debug("label invalidated", slog.String("kind", string(kind)), slog.String("id", id.String()))
	return nil
}
