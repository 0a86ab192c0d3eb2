package jwks

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rophy/kube-federated-auth/pkg/config"
)

// redisKeyPrefix namespaces JWKS documents in the shared store.
const redisKeyPrefix = "kfa:jwks:"

// RedisDocumentCache shares raw JWKS documents between service replicas
// through Redis. Every failure degrades to a cache miss with a warning;
// an unreachable Redis slows validations down, it never fails them.
type RedisDocumentCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisDocumentCache connects to the shared store. The connection is
// verified with a ping so a misconfigured address surfaces at startup
// rather than as per-request warnings.
func NewRedisDocumentCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*RedisDocumentCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword.Value(),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("jwks: shared document cache enabled", "addr", cfg.RedisAddr)
	return &RedisDocumentCache{client: client, logger: logger}, nil
}

// GetDocument implements [DocumentCache].
func (r *RedisDocumentCache) GetDocument(ctx context.Context, jwksURI string) ([]byte, bool) {
	doc, err := r.client.Get(ctx, redisKeyPrefix+jwksURI).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("jwks: shared cache read failed", "error", err)
		}
		return nil, false
	}
	return doc, true
}

// PutDocument implements [DocumentCache].
func (r *RedisDocumentCache) PutDocument(ctx context.Context, jwksURI string, doc []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, redisKeyPrefix+jwksURI, doc, ttl).Err(); err != nil {
		r.logger.Warn("jwks: shared cache write failed", "error", err)
	}
}

// Close releases the Redis connection.
func (r *RedisDocumentCache) Close() error {
	return r.client.Close()
}
