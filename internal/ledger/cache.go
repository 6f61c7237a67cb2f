package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ============================================================================
// 余额快照缓存
// ============================================================================

const balanceCachePrefix = "ledger:balance:"

// BalanceCache 基于 Redis 的余额快照缓存
// 只服务预检与展示这类允许读到旧值的路径；扣费/退款事务提交后失效。
// 缓存故障只降级为直接读库，绝不影响账本操作本身。
type BalanceCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log *zap.Logger
}

// NewBalanceCache 创建余额快照缓存
func NewBalanceCache(rdb redis.UniversalClient, ttl time.Duration, log *zap.Logger) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BalanceCache{rdb: rdb, ttl: ttl, log: log}
}

// Get 读取缓存的余额快照
func (c *BalanceCache) Get(ctx context.Context, ref TenantRef) (int64, bool) {
	val, err := c.rdb.Get(ctx, balanceCachePrefix+ref.String()).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("余额缓存读取失败", zap.String("tenant", ref.String()), zap.Error(err))
		}
		return 0, false
	}

	credits, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return credits, true
}

// Set 写入余额快照
func (c *BalanceCache) Set(ctx context.Context, ref TenantRef, credits int64) {
	err := c.rdb.Set(ctx, balanceCachePrefix+ref.String(), strconv.FormatInt(credits, 10), c.ttl).Err()
	if err != nil {
		c.log.Debug("余额缓存写入失败", zap.String("tenant", ref.String()), zap.Error(err))
	}
}

// Invalidate 余额变更提交后使快照失效
func (c *BalanceCache) Invalidate(ctx context.Context, ref TenantRef) {
	if err := c.rdb.Del(ctx, balanceCachePrefix+ref.String()).Err(); err != nil {
		c.log.Debug("余额缓存失效失败", zap.String("tenant", ref.String()), zap.Error(err))
	}
}
