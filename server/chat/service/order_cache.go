package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"permit_server/server/chat/domain"
)

const defaultOrderCacheTTL = 30 * time.Second

type cachedOrder struct {
	order     domain.OrderRef
	fetchedAt time.Time
}

// CachedOrderFinder keeps recently seen orders in memory in front of an
// optional upstream lookup. Orders announced through domain events are
// remembered so a back office outage does not block their chat.
type CachedOrderFinder struct {
	upstream OrderFinder
	cacheTTL time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	orders map[string]cachedOrder
}

func NewCachedOrderFinder(upstream OrderFinder, ttl time.Duration) *CachedOrderFinder {
	if ttl <= 0 {
		ttl = defaultOrderCacheTTL
	}
	return &CachedOrderFinder{
		upstream: upstream,
		cacheTTL: ttl,
		now:      time.Now,
		orders:   map[string]cachedOrder{},
	}
}

func (f *CachedOrderFinder) FindOrder(ctx context.Context, orderID string) (*domain.OrderRef, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, nil
	}

	now := f.now()
	f.mu.RLock()
	cached, ok := f.orders[orderID]
	f.mu.RUnlock()
	if ok && (f.upstream == nil || now.Sub(cached.fetchedAt) < f.cacheTTL) {
		order := cached.order
		return &order, nil
	}
	if f.upstream == nil {
		return nil, nil
	}

	order, err := f.upstream.FindOrder(ctx, orderID)
	if err != nil {
		if ok {
			// stale entry beats a failed lookup
			stale := cached.order
			return &stale, nil
		}
		return nil, err
	}
	if order == nil {
		f.Forget(orderID)
		return nil, nil
	}

	f.mu.Lock()
	f.orders[orderID] = cachedOrder{order: *order, fetchedAt: now}
	f.mu.Unlock()
	return order, nil
}

func (f *CachedOrderFinder) Remember(order domain.OrderRef) {
	if strings.TrimSpace(order.ID) == "" {
		return
	}
	f.mu.Lock()
	f.orders[order.ID] = cachedOrder{order: order, fetchedAt: f.now()}
	f.mu.Unlock()
}

func (f *CachedOrderFinder) Forget(orderID string) {
	f.mu.Lock()
	delete(f.orders, orderID)
	f.mu.Unlock()
}
