package testutil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// RedisTest returns a client on an empty database. REDIS_URL is used when
// set; otherwise a throwaway redis container is started (shared by the test
// binary). The test is skipped if neither is available.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	var opt *redis.Options
	if url := os.Getenv("REDIS_URL"); url != "" {
		var err error
		if opt, err = redis.ParseURL(url); err != nil {
			t.Fatalf("redistest: parse REDIS_URL: %v", err)
		}
	} else {
		opt = &redis.Options{Addr: startRedis(t)}
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Fatalf("redistest: ping: %v", err)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("redistest: flush: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.FlushDB(ctx).Err()
		_ = rdb.Close()
	})
	return rdb
}

func startRedis(t *testing.T) string {
	t.Helper()
	redisOnce.Do(func() {
		ctx := context.Background()
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			redisErr = err
			return
		}
		redisAddr, redisErr = c.Endpoint(ctx, "")
	})
	if redisErr != nil {
		t.Skipf("no redis configured and redis container unavailable: %v", redisErr)
	}
	return redisAddr
}
