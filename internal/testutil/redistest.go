package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisTest returns a client for a clean Redis database. REDIS_URL is used
// when set; otherwise a Redis container is started for the test.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		if os.Getenv("SKIP_CONTAINERS") != "" {
			t.Skip("REDIS_URL not set and containers disabled, skipping integration test")
		}
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			t.Fatalf("redistest: start redis container: %v", err)
		}
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

		url, err = container.ConnectionString(ctx)
		if err != nil {
			t.Fatalf("redistest: connection string: %v", err)
		}
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse redis URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: ping: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("redistest: flush: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
