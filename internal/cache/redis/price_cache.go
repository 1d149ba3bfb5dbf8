package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/redis/go-redis/v9"
)

// PriceCache implements domain.PriceCache using Redis hashes.
// Each asset's quote is stored at key "price:{assetID}" with fields "price"
// (USD per whole token, WAD, decimal string), "decimals" (the asset's native
// precision) and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(assetID string) string {
	return "price:" + assetID
}

// SetPrice stores the latest quote and timestamp for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, quote domain.PriceQuote, ts time.Time) error {
	if quote.Price == nil {
		return fmt.Errorf("redis: set price %s: nil price", quote.AssetID)
	}

	fields := map[string]interface{}{
		"price":    quote.Price.String(),
		"decimals": strconv.FormatUint(uint64(quote.Decimals), 10),
		"ts":       strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(quote.AssetID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", quote.AssetID, err)
	}
	return nil
}

func quoteFromHash(assetID string, vals map[string]string) (domain.PriceQuote, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.PriceQuote{}, time.Time{}, domain.ErrNotFound
	}
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return domain.PriceQuote{}, time.Time{}, fmt.Errorf("parse price %q", priceStr)
	}

	decimals, err := strconv.ParseUint(vals["decimals"], 10, 8)
	if err != nil {
		return domain.PriceQuote{}, time.Time{}, fmt.Errorf("parse decimals: %w", err)
	}

	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceQuote{}, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}

	quote := domain.PriceQuote{
		AssetID:  assetID,
		Price:    price,
		Decimals: uint8(decimals),
	}
	return quote, time.Unix(0, tsNano), nil
}

// GetPrice retrieves the latest quote and timestamp for an asset.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, assetID string) (domain.PriceQuote, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(assetID)).Result()
	if err != nil {
		return domain.PriceQuote{}, time.Time{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	if len(vals) == 0 {
		return domain.PriceQuote{}, time.Time{}, domain.ErrNotFound
	}

	quote, ts, err := quoteFromHash(assetID, vals)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PriceQuote{}, time.Time{}, err
		}
		return domain.PriceQuote{}, time.Time{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	return quote, ts, nil
}

// GetPrices retrieves the latest quotes for multiple assets using a pipeline.
// Assets whose keys do not exist are silently omitted from the result map.
func (pc *PriceCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]domain.PriceQuote, error) {
	if len(assetIDs) == 0 {
		return map[string]domain.PriceQuote{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assetIDs))
	for _, id := range assetIDs {
		cmds[id] = pipe.HGetAll(ctx, priceKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]domain.PriceQuote, len(assetIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		quote, _, err := quoteFromHash(id, vals)
		if err != nil {
			continue
		}
		result[id] = quote
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
