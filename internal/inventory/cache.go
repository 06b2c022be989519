package inventory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ordersys/fabric/internal/apperr"
	"github.com/ordersys/fabric/internal/domain"
	"github.com/ordersys/fabric/internal/platform/kv"
)

// ItemCache implements cache-aside reads of inventory rows over the
// KeyValue capability.
type ItemCache struct {
	kv  *kv.KeyValue
	ttl time.Duration
}

func NewItemCache(store *kv.KeyValue, ttl time.Duration) *ItemCache {
	return &ItemCache{kv: store, ttl: ttl}
}

func cacheKey(productID string) string {
	return "inventory:item:" + productID
}

// Get returns (row, true) on a cache hit, (zero, false) on a miss. A
// miss is not an error; cache errors are likewise swallowed by the
// caller falling through to Postgres (cache-aside).
func (c *ItemCache) Get(ctx context.Context, productID string) (domain.InventoryRow, bool) {
	v, found, err := c.kv.Get(ctx, cacheKey(productID))
	if err != nil || !found {
		return domain.InventoryRow{}, false
	}
	var row domain.InventoryRow
	if err := json.Unmarshal([]byte(v), &row); err != nil {
		return domain.InventoryRow{}, false
	}
	return row, true
}

func (c *ItemCache) Set(ctx context.Context, row domain.InventoryRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return apperr.Fatal("marshal inventory row for cache", err)
	}
	return c.kv.Set(ctx, cacheKey(row.ProductID), string(data), c.ttl)
}

func (c *ItemCache) Invalidate(ctx context.Context, productID string) error {
	return c.kv.Del(ctx, cacheKey(productID))
}

// GetOrLoad reads through the cache, falling back to the Postgres
// store on a miss and repopulating the cache best-effort.
func (c *ItemCache) GetOrLoad(ctx context.Context, store *Store, productID string) (domain.InventoryRow, error) {
	if row, ok := c.Get(ctx, productID); ok {
		return row, nil
	}
	row, err := store.GetRow(ctx, productID)
	if err != nil {
		return domain.InventoryRow{}, err
	}
	_ = c.Set(ctx, row)
	return row, nil
}
