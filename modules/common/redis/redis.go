package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quel-fitting-server/modules/common/config"
)

const (
	cancelKeyPrefix = "fitting:cancel:"
	cancelFlagTTL   = 24 * time.Hour
)

// Connect - Redis 연결 생성 후 PING 으로 확인
func Connect(ctx context.Context, cfg *config.Config, log *zerolog.Logger) (*redis.Client, error) {
	log.Info().Str("addr", cfg.GetRedisAddr()).Bool("tls", cfg.RedisUseTLS).Msg("connecting to redis")

	var tlsConfig *tls.Config
	if cfg.RedisUseTLS {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, // Render.com Redis용
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		TLSConfig:    tlsConfig,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Queue - 작업 대기열(LPUSH/BRPOP)과 프로세스 간 취소 플래그
type Queue struct {
	rdb *redis.Client
	key string
}

// NewQueue - key 가 비어 있으면 fitting:queue
func NewQueue(rdb *redis.Client, key string) *Queue {
	if key == "" {
		key = "fitting:queue"
	}
	return &Queue{rdb: rdb, key: key}
}

// Key - 대기열 키
func (q *Queue) Key() string {
	return q.key
}

// Push - 작업 ID 를 대기열에 넣고 현재 길이를 돌려준다
func (q *Queue) Push(ctx context.Context, jobID string) (int64, error) {
	if err := q.rdb.LPush(ctx, q.key, jobID).Err(); err != nil {
		return 0, fmt.Errorf("redis lpush %s: %w", q.key, err)
	}
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", q.key, err)
	}
	return n, nil
}

// Pop - 최대 timeout 동안 대기. 시간 안에 작업이 없으면 ("", nil)
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis brpop %s: %w", q.key, err)
	}
	// result[0] 은 키, result[1] 이 job id
	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

// SetJobCancelled - 다른 인스턴스가 처리 중인 작업에 취소 플래그를 남긴다
func (q *Queue) SetJobCancelled(ctx context.Context, jobID string) error {
	if err := q.rdb.Set(ctx, CancelKey(jobID), "1", cancelFlagTTL).Err(); err != nil {
		return fmt.Errorf("redis set cancel flag: %w", err)
	}
	return nil
}

// IsJobCancelled - 취소 플래그 확인
func (q *Queue) IsJobCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, CancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists cancel flag: %w", err)
	}
	return n > 0, nil
}

// CancelKey - 작업별 취소 플래그 키
func CancelKey(jobID string) string {
	return cancelKeyPrefix + jobID
}
