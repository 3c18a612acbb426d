package store

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/sorting"
	"github.com/pitabwire/tabula/model"
)

// Open builds the RowStore selected by cfg.Driver. The returned close
// function releases its connections.
func Open(ctx context.Context, cfg config.StoreConfig, sorter *sorting.Engine, logger *zap.Logger) (RowStore, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory row store")
		return NewMemoryStore(sorter), func() {}, nil

	case config.DriverPostgres:
		dsn := config.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s is not set", cfg.DSNEnv)
		}
		s, err := OpenPostgres(ctx, dsn, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: %w", err)
		}
		logger.Info("using postgres row store")
		return s, s.Close, nil

	case config.DriverRedis:
		addr := config.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("store: %s is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("store: redis ping %s: %w", addr, err)
		}
		logger.Info("using redis row store", zap.String("addr", addr), zap.Int("db", cfg.DB))
		return NewRedisStore(client, cfg.KeyPrefix, sorter), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}

// SeedFile is the on-disk format of initial store contents.
type SeedFile struct {
	Collections map[string]SeedCollection `yaml:"collections"`
}

// SeedCollection holds the raw records of one collection.
type SeedCollection struct {
	IDField       string           `yaml:"id_field"`
	SequenceField string           `yaml:"sequence_field"`
	Records       []map[string]any `yaml:"records"`
}

// Seed loads path into s and returns the number of rows written.
func Seed(ctx context.Context, s RowStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("seed: reading %s: %w", path, err)
	}
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("seed: parsing %s: %w", path, err)
	}

	total := 0
	for name, c := range file.Collections {
		rows := model.RowsFromRecords(c.Records, c.IDField, c.SequenceField)
		if _, err := model.NewCollection(rows); err != nil {
			return total, fmt.Errorf("seed: collection %s: %w", name, err)
		}
		if err := s.Put(ctx, name, rows); err != nil {
			return total, fmt.Errorf("seed: collection %s: %w", name, err)
		}
		total += len(rows)
	}
	return total, nil
}
