package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// RecentLimit caps the recent-sessions list.
	RecentLimit int
	KeyPrefix   string
}

// RedisSink keeps a capped list of recent session records and a hash of
// outcome counters, shared by every relay instance pointing at the same
// Redis.
type RedisSink struct {
	client      *redis.Client
	recentKey   string
	outcomesKey string
	limit       int64
}

func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("report: redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisSink(rdb, cfg), nil
}

func newRedisSink(rdb *redis.Client, cfg RedisConfig) *RedisSink {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "interview-relay"
	}
	limit := int64(cfg.RecentLimit)
	if limit <= 0 {
		limit = 200
	}
	return &RedisSink{
		client:      rdb,
		recentKey:   prefix + ":sessions:recent",
		outcomesKey: prefix + ":sessions:outcomes",
		limit:       limit,
	}
}

func (s *RedisSink) Record(ctx context.Context, r relay.Report) error {
	rec := FromReport(r)
	data, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.recentKey, data)
	pipe.LTrim(ctx, s.recentKey, 0, s.limit-1)
	pipe.HIncrBy(ctx, s.outcomesKey, rec.Outcome(), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Outcomes returns the outcome counters keyed by "<state>:<cause>".
func (s *RedisSink) Outcomes(ctx context.Context) (map[string]int64, error) {
	vals, err := s.client.HGetAll(ctx, s.outcomesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis session outcomes: %w", err)
	}
	out := make(map[string]int64, len(vals))
	for k, v := range vals {
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			return nil, fmt.Errorf("decode outcome %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
