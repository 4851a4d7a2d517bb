package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	kycKeyPrefix       = "tradeescrow:kyc:"
	documentsKeyPrefix = "tradeescrow:docs:"
)

var lookupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tradeescrow",
	Subsystem: "compliance",
	Name:      "lookup_duration_seconds",
	Help:      "Latency of compliance status lookups.",
	Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
}, []string{"kind"})

func init() {
	prometheus.MustRegister(lookupDuration)
}

// RedisStore is a Redis-backed Store shared by every instance.
type RedisStore struct {
	client *redis.Client
	kycTTL time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKYCTTL makes verifications expire; zero keeps them until revoked.
func WithKYCTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.kycTTL = ttl }
}

// NewRedisStore constructs a Redis-backed compliance store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) SetClientVerified(ctx context.Context, clientID string, verified bool) error {
	key := kycKeyPrefix + clientID
	if !verified {
		return s.client.Del(ctx, key).Err()
	}
	return s.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), s.kycTTL).Err()
}

func (s *RedisStore) IsClientVerified(ctx context.Context, clientID string) (bool, error) {
	return s.exists(ctx, "kyc", kycKeyPrefix+clientID)
}

func (s *RedisStore) SetDocumentsComplete(ctx context.Context, orderID string, complete bool) error {
	key := documentsKeyPrefix + orderID
	if !complete {
		return s.client.Del(ctx, key).Err()
	}
	return s.client.Set(ctx, key, "1", 0).Err()
}

func (s *RedisStore) DocumentsComplete(ctx context.Context, orderID string) (bool, error) {
	return s.exists(ctx, "documents", documentsKeyPrefix+orderID)
}

func (s *RedisStore) exists(ctx context.Context, kind, key string) (bool, error) {
	start := time.Now()
	defer func() { lookupDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds()) }()

	_, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Health pings Redis.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
