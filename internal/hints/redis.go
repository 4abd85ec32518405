package hints

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tradedesk/internal/session"
)

// keyFormat is the per-user hash holding the hint fields.
const keyFormat = "user:%s:session_hints"

// DefaultTTL keeps hints around for a month of inactivity.
const DefaultTTL = 30 * 24 * time.Hour

var ErrRedisUnavailable = errors.New("redis unavailable (circuit breaker open)")

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
}

// RedisStore keeps hints in a Redis hash per user. When Redis is unhealthy
// it degrades to an in-process fallback so sessions keep working.
type RedisStore struct {
	client   *redis.Client
	ttl      time.Duration
	fallback *MemoryStore
	logger   zerolog.Logger

	mu            sync.RWMutex
	healthy       bool
	failureCount  int
	lastCheck     time.Time
	maxFailures   int
	checkInterval time.Duration
}

// NewRedisStore connects to Redis. A failed initial ping returns the store
// in degraded mode rather than an error.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return newRedisStore(client, cfg.TTL, logger)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	return newRedisStore(client, ttl, logger)
}

func newRedisStore(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &RedisStore{
		client:        client,
		ttl:           ttl,
		fallback:      NewMemoryStore(),
		logger:        logger.With().Str("component", "hints").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("initial redis ping failed; hints degraded to memory")
		s.lastCheck = time.Now()
		return s
	}
	s.healthy = true
	s.lastCheck = time.Now()
	return s
}

// IsHealthy reports whether Redis is currently used.
func (s *RedisStore) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Load(ctx context.Context, userID string) (session.Hints, error) {
	if !s.available() {
		return s.fallback.Load(ctx, userID)
	}

	fields, err := s.client.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		s.recordFailure(err)
		return s.fallback.Load(ctx, userID)
	}
	s.recordSuccess()
	return decode(fields), nil
}

func (s *RedisStore) Save(ctx context.Context, userID string, h session.Hints) error {
	// The fallback always mirrors the latest write so a later outage still
	// serves it.
	_ = s.fallback.Save(ctx, userID, h)
	if !s.available() {
		return nil
	}

	k := key(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, encode(h))
		pipe.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		s.recordFailure(err)
		return fmt.Errorf("save hints: %w", err)
	}
	s.recordSuccess()
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	_ = s.fallback.Clear(ctx, userID)
	if !s.available() {
		return nil
	}
	if err := s.client.Del(ctx, key(userID)).Err(); err != nil {
		s.recordFailure(err)
		return fmt.Errorf("clear hints: %w", err)
	}
	s.recordSuccess()
	return nil
}

// available reports health, probing Redis again once checkInterval has
// passed since the breaker opened.
func (s *RedisStore) available() bool {
	s.mu.RLock()
	healthy := s.healthy
	due := !healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()
	if healthy || !due {
		return healthy
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.mu.Lock()
		s.lastCheck = time.Now()
		s.mu.Unlock()
		return false
	}
	s.recordSuccess()
	return true
}

func (s *RedisStore) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	s.lastCheck = time.Now()
	if s.failureCount >= s.maxFailures && s.healthy {
		s.healthy = false
		s.logger.Warn().Err(err).Int("failures", s.failureCount).Msg("redis marked unhealthy; hints degraded to memory")
	}
}

func (s *RedisStore) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.logger.Info().Msg("redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

func key(userID string) string {
	return fmt.Sprintf(keyFormat, userID)
}

func encode(h session.Hints) map[string]any {
	return map[string]any{
		"remember":       strconv.FormatBool(h.Remember),
		"auto_reconnect": strconv.FormatBool(h.AutoReconnect),
		"last_login":     h.LastLogin,
		"last_server":    h.LastServer,
	}
}

func decode(fields map[string]string) session.Hints {
	remember, _ := strconv.ParseBool(fields["remember"])
	auto, _ := strconv.ParseBool(fields["auto_reconnect"])
	return session.Hints{
		Remember:      remember,
		AutoReconnect: auto,
		LastLogin:     fields["last_login"],
		LastServer:    fields["last_server"],
	}
}
