package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permit_server/server/chat/domain"
)

func TestCachedOrderFinderCachesWithinTTL(t *testing.T) {
	upstream := &stubOrders{orders: map[string]domain.OrderRef{"ORD-1": testOrder}}
	finder := NewCachedOrderFinder(upstream, time.Minute)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	finder.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		order, err := finder.FindOrder(ctx, "ORD-1")
		require.NoError(t, err)
		require.NotNil(t, order)
	}
	assert.Equal(t, 1, upstream.calls)

	now = now.Add(2 * time.Minute)
	upstream.err = errBoom
	order, err := finder.FindOrder(ctx, "ORD-1")
	require.NoError(t, err, "stale entry is served when the upstream fails")
	assert.Equal(t, "ORD-1", order.ID)

	_, err = finder.FindOrder(ctx, "ORD-9")
	assert.ErrorIs(t, err, errBoom)
}

func TestCachedOrderFinderWithoutUpstream(t *testing.T) {
	finder := NewCachedOrderFinder(nil, 0)
	ctx := context.Background()

	order, err := finder.FindOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Nil(t, order)

	finder.Remember(testOrder)
	order, err = finder.FindOrder(ctx, "ORD-1")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "U1", order.OwnerID)

	finder.Forget("ORD-1")
	order, err = finder.FindOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Nil(t, order)
}
