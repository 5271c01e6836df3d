package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/quillhq/contextd/internal/model"
)

const configKeyPrefix = "context:config:"

// ConfigCache is a redis write-through cache for context configs. The
// database stays the source of truth: cache writes are best-effort and a
// failure is logged, never surfaced.
type ConfigCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewConfigCache(client *redis.Client, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ConfigCache{client: client, ttl: ttl}
}

func (c *ConfigCache) Get(ctx context.Context, contextID string) (*model.ContextConfig, bool) {
	raw, err := c.client.Get(ctx, configKeyPrefix+contextID).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logutil.GetLogger(ctx).Warn("read config cache failed",
			zap.String("context_id", contextID), zap.Error(err))
		return nil, false
	}
	cfg, err := model.ParseContextConfig(raw)
	if err != nil {
		logutil.GetLogger(ctx).Warn("cached config is corrupt, dropping",
			zap.String("context_id", contextID), zap.Error(err))
		c.Delete(ctx, contextID)
		return nil, false
	}
	return cfg, true
}

func (c *ConfigCache) Set(ctx context.Context, contextID string, cfg *model.ContextConfig) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		logutil.GetLogger(ctx).Warn("encode config for cache failed",
			zap.String("context_id", contextID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, configKeyPrefix+contextID, raw, c.ttl).Err(); err != nil {
		logutil.GetLogger(ctx).Warn("write config cache failed",
			zap.String("context_id", contextID), zap.Error(err))
	}
}

func (c *ConfigCache) Delete(ctx context.Context, contextID string) {
	if err := c.client.Del(ctx, configKeyPrefix+contextID).Err(); err != nil {
		logutil.GetLogger(ctx).Warn("delete config cache failed",
			zap.String("context_id", contextID), zap.Error(err))
	}
}
