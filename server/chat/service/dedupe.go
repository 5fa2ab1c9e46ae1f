package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "permit_server/server/common/log"
)

const (
	sendDedupePrefix = "chat:send:idempotency:"
	defaultDedupeTTL = 24 * time.Hour
)

type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, sendDedupePrefix+key, time.Now().UTC().Format(time.RFC3339Nano), d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) {
	if err := d.client.Del(context.WithoutCancel(ctx), sendDedupePrefix+key).Err(); err != nil {
		commonlog.Warnf("event=chat_send action=dedupe_release status=failed key=%s error=%v", key, err)
	}
}
