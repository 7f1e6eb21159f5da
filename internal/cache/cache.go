package cache

import (
	"context"
	"time"

	"pdvmarket/internal/domain"
)

// SaleCache is a fast path for repeated idempotency lookups. The store stays
// authoritative; a miss or cache error always falls through to it.
type SaleCache interface {
	Get(ctx context.Context, idempotencyKey string) (*domain.Sale, bool, error)
	Set(ctx context.Context, idempotencyKey string, sale *domain.Sale, ttl time.Duration) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ string, _ *domain.Sale, _ time.Duration) error {
	return nil
}
