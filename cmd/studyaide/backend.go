package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/studyaide/internal/catalog"
	"github.com/pavelanni/studyaide/internal/store"
)

func addStorageFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("storage", "sqlite", "Catalog storage backend (sqlite, redis, memory)")
	f.String("db", "studyaide.db", "SQLite database path")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.String("state-key", store.DefaultStateKey, "Key the catalog is stored under")
}

// backend is a catalog backend plus whatever needs closing. sqlite is set
// only for the SQLite backend, which also keeps import metadata.
type backend struct {
	catalog.Backend
	sqlite *store.Store
	close  func() error
}

func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openBackend(v *viper.Viper) (*backend, error) {
	key := v.GetString("state-key")
	switch kind := v.GetString("storage"); kind {
	case "sqlite", "":
		db, err := store.New(v.GetString("db"), key)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		slog.Debug("using sqlite storage", "path", v.GetString("db"))
		return &backend{Backend: db, sqlite: db, close: db.Close}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     v.GetString("redis-addr"),
			Password: v.GetString("redis-password"),
			DB:       v.GetInt("redis-db"),
		})
		r := store.NewRedis(client, key)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", v.GetString("redis-addr"), err)
		}
		slog.Debug("using redis storage", "addr", v.GetString("redis-addr"))
		return &backend{Backend: r, close: client.Close}, nil

	case "memory":
		slog.Warn("using in-memory storage; the catalog is lost on exit")
		return &backend{Backend: store.NewMemory()}, nil

	default:
		return nil, fmt.Errorf("unknown storage %q (want sqlite, redis or memory)", kind)
	}
}
