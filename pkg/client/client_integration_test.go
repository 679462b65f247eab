//go:build integration

package client

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/songlist-pager/internal/testutil"
	"github.com/Sternrassler/songlist-pager/pkg/cache"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestIntegration_QuotaExhaustion(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetCatalog("jay", 1000)

	cfg := DefaultConfig(redisClient, "SonglistTest/1.0")
	cfg.BaseURL = mock.URL()
	cfg.RequestsPerMinute = 2
	cfg.Retry = fastRetry
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	for page := 0; page < 2; page++ {
		if _, err := client.Search(ctx, "jay", page); err != nil {
			t.Fatalf("Search(page=%d) failed: %v", page, err)
		}
	}

	// Budget spent; a cached page is still served.
	if _, err := client.Search(ctx, "jay", 0); err != nil {
		t.Errorf("cached page should not need quota: %v", err)
	}

	_, err = client.Search(ctx, "jay", 2)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited for an uncached page, got %v", err)
	}
	if mock.GetRequestCount() != 2 {
		t.Errorf("RequestCount = %d, want 2", mock.GetRequestCount())
	}

	state, err := client.GetRateLimiter().GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.RequestsRemaining > 0 {
		t.Errorf("RequestsRemaining = %d, want <= 0", state.RequestsRemaining)
	}
}

func TestIntegration_TooManyRequestsBlocksFollowingPages(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetCatalog("jay", 1000)
	for i := 0; i < 3; i++ {
		mock.FailNext(testutil.NewRateLimitResponse(30))
	}

	cfg := DefaultConfig(redisClient, "SonglistTest/1.0")
	cfg.BaseURL = mock.URL()
	cfg.Retry = fastRetry
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	if _, err := client.Search(ctx, "jay", 0); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}

	if _, err := client.Search(ctx, "jay", 1); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited after 429, got %v", err)
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("RequestCount = %d, want 3", mock.GetRequestCount())
	}
}

func TestIntegration_CacheExpiration(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetCatalog("jay", 10)
	mock.SetMaxAge(1)

	cfg := DefaultConfig(redisClient, "SonglistTest/1.0")
	cfg.BaseURL = mock.URL()
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	if _, err := client.Search(ctx, "jay", 0); err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	u, _ := url.Parse(client.searchURL("jay", 0))
	cacheKey := cache.NewCacheKey(u)

	entry, err := client.GetCache().Get(ctx, cacheKey)
	if err != nil {
		t.Fatalf("Cache lookup failed: %v", err)
	}
	if entry.IsExpired() {
		t.Error("Entry should not be expired yet")
	}

	time.Sleep(2 * time.Second)

	if _, err := client.GetCache().Get(ctx, cacheKey); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("Expected cache miss after expiration, got: %v", err)
	}

	// The expired entry keeps its ETag, so the next search revalidates it.
	if _, err := client.Search(ctx, "jay", 0); err != nil {
		t.Fatalf("Revalidating request failed: %v", err)
	}
	if mock.GetConditionalCount() != 1 {
		t.Errorf("ConditionalCount = %d, want 1", mock.GetConditionalCount())
	}
}
