package labels

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudtech/ktl-billing/internal/platform/cache"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(cache.NewJSON(client, "labels", time.Minute), nil), mr
}

func TestLabelIsCachedUntilInvalidated(t *testing.T) {
	c, mr := newCache(t)
	id := uuid.New()
	names := map[uuid.UUID]string{id: "Rahim (rahim01)"}
	calls := 0
	c.Register(KindUser, func(_ context.Context, id uuid.UUID) (string, error) {
		calls++
		return names[id], nil
	})

	ctx := context.Background()
	label, err := c.Label(ctx, KindUser, id)
	require.NoError(t, err)
	assert.Equal(t, "Rahim (rahim01)", label)
	assert.True(t, mr.Exists("labels:user:"+id.String()))

	names[id] = "Rahim Uddin (rahim01)"
	label, err = c.Label(ctx, KindUser, id)
	require.NoError(t, err)
	assert.Equal(t, "Rahim (rahim01)", label, "served from cache")
	assert.Equal(t, 1, calls)

	require.NoError(t, c.Invalidate(ctx, KindUser, id))
	assert.False(t, mr.Exists("labels:user:"+id.String()))

	label, err = c.Label(ctx, KindUser, id)
	require.NoError(t, err)
	assert.Equal(t, "Rahim Uddin (rahim01)", label)
	assert.Equal(t, 2, calls)
}

func TestInvalidateTouchesOnlyOneEntity(t *testing.T) {
	c, mr := newCache(t)
	a, b := uuid.New(), uuid.New()
	c.Register(KindRole, func(_ context.Context, id uuid.UUID) (string, error) {
		return id.String()[:8], nil
	})
	ctx := context.Background()
	_, err := c.Labels(ctx, KindRole, []uuid.UUID{a, b})
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, KindRole, a))
	assert.False(t, mr.Exists("labels:role:"+a.String()))
	assert.True(t, mr.Exists("labels:role:"+b.String()))
}

func TestLabelsSkipsUnknownIDs(t *testing.T) {
	c, _ := newCache(t)
	known := uuid.New()
	c.Register(KindRole, func(_ context.Context, id uuid.UUID) (string, error) {
		if id == known {
			return "Billing Manager", nil
		}
		return "", shared.ErrNotFound
	})

	got, err := c.Labels(context.Background(), KindRole, []uuid.UUID{known, uuid.New(), known})
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]string{known: "Billing Manager"}, got)
}

func TestLabelWithoutLoader(t *testing.T) {
	c, _ := newCache(t)
	_, err := c.Label(context.Background(), KindUser, uuid.New())
	require.Error(t, err)
}

func TestNilStoreLoadsDirectly(t *testing.T) {
	c := New(nil, nil)
	c.Register(KindUser, func(context.Context, uuid.UUID) (string, error) { return "x", nil })
	label, err := c.Label(context.Background(), KindUser, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "x", label)
	require.NoError(t, c.Invalidate(context.Background(), KindUser, uuid.New()))
}
