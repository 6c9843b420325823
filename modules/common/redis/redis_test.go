package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"quel-fitting-server/modules/common/config"
	"quel-fitting-server/modules/common/logger"
)

func TestCancelKey(t *testing.T) {
	if got := CancelKey("abc"); got != "fitting:cancel:abc" {
		t.Fatalf("CancelKey = %s", got)
	}
}

func TestNewQueueDefaultKey(t *testing.T) {
	if q := NewQueue(nil, ""); q.Key() != "fitting:queue" {
		t.Fatalf("key = %s", q.Key())
	}
	if q := NewQueue(nil, "custom"); q.Key() != "custom" {
		t.Fatalf("key = %s", q.Key())
	}
}

func TestConnectFailsFastOnUnreachableServer(t *testing.T) {
	cfg := &config.Config{RedisHost: "127.0.0.1", RedisPort: "1"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Connect(ctx, cfg, logger.Nop()); err == nil {
		t.Fatal("expected ping error for closed port")
	}
}

func TestQueueErrorsAreWrapped(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	q := NewQueue(rdb, "")

	ctx := context.Background()
	if _, err := q.Push(ctx, "job"); err == nil {
		t.Fatal("push should fail without a server")
	}
	if _, err := q.IsJobCancelled(ctx, "job"); err == nil {
		t.Fatal("cancel check should fail without a server")
	}
}
