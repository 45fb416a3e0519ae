package tokenstore

import (
	"context"
	"fmt"

	"stockexchange/internal/config"

	"github.com/redis/go-redis/v9"
)

// Open returns the store selected by cfg. A Redis store is pinged before it
// is returned.
func Open(ctx context.Context, cfg config.TokenConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.File)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedisStore(client, cfg.Redis.Key)
	default:
		return nil, fmt.Errorf("unknown token store backend %q", cfg.Backend)
	}
}
