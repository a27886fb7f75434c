package testing

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

// RedisAddr returns REDIS_HOST:6379 when REDIS_HOST is set, otherwise empty.
func RedisAddr() string {
	redisHost := os.Getenv("REDIS_HOST")
	if redisHost == "" {
		return ""
	}
	return net.JoinHostPort(redisHost, "6379")
}

// GetRedisClientAndCtx connects to the redis at addr. Keys under namespace
// are removed and the client is closed when the test ends.
func GetRedisClientAndCtx(t *testing.T, addr, namespace string) (context.Context, *redis.Client) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	redisPass := os.Getenv("REDIS_PASS")
	t.Logf("using redis addr: [%s], namespace [%s]", addr, namespace)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: redisPass,
		DB:       0, // use default DB
	})

	pingRes, err := rdb.Ping(ctx).Result()
	require.NoError(t, err)
	t.Logf("redis ping res: %s", pingRes)

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanupCancel()

		iter := rdb.Scan(cleanupCtx, 0, namespace+"*", 100).Iterator()
		for iter.Next(cleanupCtx) {
			if err := rdb.Del(cleanupCtx, iter.Val()).Err(); err != nil {
				t.Logf("redis cleanup, del [%s]: %s", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			t.Logf("redis cleanup, scan: %s", err)
		}
		_ = rdb.Close()
	})

	return ctx, rdb
}
