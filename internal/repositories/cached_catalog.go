package repositories

import (
	"context"
	"time"

	"example.com/marketplace/services/fulfillment/internal/cache"
	"example.com/marketplace/services/fulfillment/internal/models"

	"github.com/google/uuid"
)

// CachedCatalog fronts the product repository with Redis for the order
// creation read path. Only the price snapshot and name come from the cached
// copy; the stock count is never trusted from cache because reservation
// happens as a conditional update in the database.
type CachedCatalog struct {
	products *ProductRepository
	cache    *cache.RedisCache
	ttl      time.Duration
}

// NewCachedCatalog creates a caching catalog with the given entry TTL
func NewCachedCatalog(products *ProductRepository, redisCache *cache.RedisCache, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedCatalog{
		products: products,
		cache:    redisCache,
		ttl:      ttl,
	}
}

// GetForMerchant returns the product if it belongs to the merchant.
func (c *CachedCatalog) GetForMerchant(ctx context.Context, id, merchantID uuid.UUID) (*models.Product, error) {
	key := cache.GetProductCacheKey(id)

	var cached models.Product
	if err := c.cache.Get(ctx, key, &cached); err == nil && cached.MerchantID == merchantID {
		return &cached, nil
	}

	product, err := c.products.GetForMerchant(ctx, id, merchantID)
	if err != nil {
		return nil, err
	}

	// Best effort; a failed write just means the next read hits the DB.
	_ = c.cache.Set(ctx, key, product, c.ttl)
	return product, nil
}

// CachedMerchants fronts the merchant repository with Redis. Merchant
// records (name, pickup coordinates) change rarely, so a longer TTL is fine.
type CachedMerchants struct {
	merchants *MerchantRepository
	cache     *cache.RedisCache
	ttl       time.Duration
}

// NewCachedMerchants creates a caching merchant reader with the given entry TTL
func NewCachedMerchants(merchants *MerchantRepository, redisCache *cache.RedisCache, ttl time.Duration) *CachedMerchants {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedMerchants{
		merchants: merchants,
		cache:     redisCache,
		ttl:       ttl,
	}
}

// GetByID returns the merchant, preferring the cached copy.
func (c *CachedMerchants) GetByID(ctx context.Context, id uuid.UUID) (*models.Merchant, error) {
	key := cache.GetMerchantCacheKey(id)

	var cached models.Merchant
	if err := c.cache.Get(ctx, key, &cached); err == nil && cached.ID == id {
		return &cached, nil
	}

	merchant, err := c.merchants.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	_ = c.cache.Set(ctx, key, merchant, c.ttl)
	return merchant, nil
}
