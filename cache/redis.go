package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cardcredit/crypto"
)

// Redis is the production Store backing: keys `position:{owner}`,
// `wallet_to_owner:{wallet}`, `card_token_to_owner:{card_token}`, written
// via a single MULTI/EXEC transaction pipeline so the three keys never
// appear updated out of sync with one another.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultStalenessHorizon * 4
	}
	return &Redis{client: client, ttl: ttl}
}

func positionKey(owner crypto.Address) string { return "position:" + owner.String() }
func walletKey(wallet string) string           { return "wallet_to_owner:" + wallet }
func cardTokenKey(token string) string         { return "card_token_to_owner:" + token }

func (r *Redis) PutPosition(ctx context.Context, owner crypto.Address, pos CachedPosition, walletToOwner, cardTokenToOwner []string) error {
	encoded, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("cache: encode position: %w", err)
	}
	ownerStr := owner.String()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, positionKey(owner), encoded, r.ttl)
	for _, w := range walletToOwner {
		if w != "" {
			pipe.Set(ctx, walletKey(w), ownerStr, r.ttl)
		}
	}
	for _, c := range cardTokenToOwner {
		if c != "" {
			pipe.Set(ctx, cardTokenKey(c), ownerStr, r.ttl)
		}
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cache: pipeline write: %w", err)
	}
	return nil
}

func (r *Redis) GetPosition(ctx context.Context, owner crypto.Address) (CachedPosition, error) {
	raw, err := r.client.Get(ctx, positionKey(owner)).Bytes()
	if err == redis.Nil {
		return CachedPosition{}, ErrMiss
	}
	if err != nil {
		return CachedPosition{}, fmt.Errorf("cache: get position: %w", err)
	}
	var pos CachedPosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return CachedPosition{}, fmt.Errorf("cache: decode position: %w", err)
	}
	return pos, nil
}

func (r *Redis) OwnerByWallet(ctx context.Context, wallet string) (crypto.Address, error) {
	return r.ownerByKey(ctx, walletKey(wallet))
}

func (r *Redis) OwnerByCardToken(ctx context.Context, cardToken string) (crypto.Address, error) {
	return r.ownerByKey(ctx, cardTokenKey(cardToken))
}

func (r *Redis) ownerByKey(ctx context.Context, key string) (crypto.Address, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return crypto.Address{}, ErrMiss
	}
	if err != nil {
		return crypto.Address{}, fmt.Errorf("cache: lookup %s: %w", key, err)
	}
	return crypto.DecodeAddress(raw)
}
