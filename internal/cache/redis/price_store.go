package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/redis/go-redis/v9"

	"ForwardLedger/internal/oracle"
)

// PriceStore is the durable oracle.PriceStore. Each pair is a hash at
// "price:{underlying}:{quote}" with fields price, ts (unix nanos) and
// decimals.
type PriceStore struct {
	rdb *redis.Client
}

func NewPriceStore(c *Client) *PriceStore {
	return &PriceStore{rdb: c.Underlying()}
}

func priceKey(pair oracle.Pair) string {
	return "price:" + pair.Key()
}

func (ps *PriceStore) Save(ctx context.Context, pair oracle.Pair, price oracle.PriceData) error {
	fields := map[string]interface{}{
		"price":    price.Price.String(),
		"ts":       strconv.FormatInt(price.Timestamp.UnixNano(), 10),
		"decimals": strconv.Itoa(int(price.Decimals)),
	}
	if err := ps.rdb.HSet(ctx, priceKey(pair), fields).Err(); err != nil {
		return fmt.Errorf("redis: save price %s: %w", pair.Key(), err)
	}
	return nil
}

// Load returns false when the pair has never been stored.
func (ps *PriceStore) Load(ctx context.Context, pair oracle.Pair) (oracle.PriceData, bool, error) {
	vals, err := ps.rdb.HGetAll(ctx, priceKey(pair)).Result()
	if err != nil {
		return oracle.PriceData{}, false, fmt.Errorf("redis: load price %s: %w", pair.Key(), err)
	}
	if len(vals) == 0 {
		return oracle.PriceData{}, false, nil
	}

	price, ok := sdkmath.NewIntFromString(vals["price"])
	if !ok {
		return oracle.PriceData{}, false, fmt.Errorf("redis: parse price %s: %q", pair.Key(), vals["price"])
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return oracle.PriceData{}, false, fmt.Errorf("redis: parse ts %s: %w", pair.Key(), err)
	}
	decimals, err := strconv.ParseUint(vals["decimals"], 10, 8)
	if err != nil {
		return oracle.PriceData{}, false, fmt.Errorf("redis: parse decimals %s: %w", pair.Key(), err)
	}
	return oracle.PriceData{
		Price:     price,
		Timestamp: time.Unix(0, ts).UTC(),
		Decimals:  uint8(decimals),
	}, true, nil
}

var _ oracle.PriceStore = (*PriceStore)(nil)
