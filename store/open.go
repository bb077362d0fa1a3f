package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options selects and configures a KV backend.
type Options struct {
	Type      string // "sqlite", "redis" or "memory"
	DBPath    string
	RedisAddr string
	RedisDB   int
	Prefix    string
}

// Open returns the backend described by o.
func Open(ctx context.Context, o Options) (KV, error) {
	switch o.Type {
	case "", "sqlite":
		return NewSQLite(o.DBPath)
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: o.RedisAddr, DB: o.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", o.RedisAddr, err)
		}
		return NewRedis(rdb, o.Prefix), nil
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store type %q", o.Type)
}
