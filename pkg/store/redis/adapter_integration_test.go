package redis

import (
	"context"
	"testing"
	"time"

	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/observability/logger/loggertest"
	"github.com/ordefy/ordefy/pkg/testutil"
)

func TestAdapter_Integration(t *testing.T) {
	url := testutil.StartRedis(t)
	ctx := context.Background()

	adapter, err := NewAdapter(config.RedisConfig{URL: url, PoolSize: 4, OperationTimeout: time.Second}, loggertest.New())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	defer adapter.Close()

	if err := adapter.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if err := adapter.Client().Set(ctx, "ordefy:probe", "1", time.Minute).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}
