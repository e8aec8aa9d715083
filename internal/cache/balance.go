package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/creatordeals/backend/internal/models"
)

const DefaultBalanceTTL = 30 * time.Second

// BalanceLoader reads the authoritative balance from the ledger.
type BalanceLoader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
}

// BalanceCache is a read-through projection of ledger balances. The ledger
// stays the source of truth: entries are dropped after every committed money
// movement and a Redis failure falls back to the ledger.
type BalanceCache struct {
	client goredis.UniversalClient
	loader BalanceLoader
	ttl    time.Duration
	log    *slog.Logger
}

func NewBalanceCache(client goredis.UniversalClient, loader BalanceLoader, ttl time.Duration, log *slog.Logger) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &BalanceCache{client: client, loader: loader, ttl: ttl, log: log}
}

func balanceKey(userID uuid.UUID) string {
	return "balance:" + userID.String()
}

// GetBalance returns the cached balance or loads and caches it.
func (c *BalanceCache) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	key := balanceKey(userID)
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var b models.Balance
		if jsonErr := json.Unmarshal(data, &b); jsonErr == nil {
			return &b, nil
		}
		c.log.Warn("discarding undecodable cached balance", "user_id", userID)
	case !errors.Is(err, goredis.Nil):
		c.log.Warn("balance cache read failed", "user_id", userID, "error", err)
	}

	b, err := c.loader.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(b); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.Warn("balance cache write failed", "user_id", userID, "error", err)
		}
	}
	return b, nil
}

// Invalidate drops the cached balances of userIDs.
func (c *BalanceCache) Invalidate(ctx context.Context, userIDs ...uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	seen := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, balanceKey(id))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate balances: %w", err)
	}
	return nil
}
