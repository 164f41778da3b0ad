package cache

import (
	"context"
	"time"

	"lakupos/backend/internal/domain"
)

// PromotionCache holds the active promotion set so cart pricing does not hit
// the store on every line add. Entries are invalidated when promotions change.
type PromotionCache interface {
	Get(ctx context.Context, key string) ([]domain.Promotion, bool, error)
	Set(ctx context.Context, key string, value []domain.Promotion, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopPromotionCache struct{}

func (NoopPromotionCache) Get(_ context.Context, _ string) ([]domain.Promotion, bool, error) {
	return nil, false, nil
}

func (NoopPromotionCache) Set(_ context.Context, _ string, _ []domain.Promotion, _ time.Duration) error {
	return nil
}

func (NoopPromotionCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
