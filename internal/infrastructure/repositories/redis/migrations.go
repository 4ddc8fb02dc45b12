package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "deskrelay:schema:version"
	currentSchemaVersion = 2
)

// Migration moves the key layout forward by one version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	index := keyPrefix + "index"
	return []Migration{
		{
			// 1: sessions written without a TTL by early builds get the
			// default ceiling so they cannot live forever.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				codes, err := client.SMembers(ctx, index).Result()
				if err != nil {
					return err
				}
				for _, code := range codes {
					key := keyPrefix + code
					ttl, err := client.TTL(ctx, key).Result()
					if err != nil {
						return err
					}
					if ttl == -1 {
						if err := client.Expire(ctx, key, defaultSessionTTL).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
		{
			// 2: drop index members whose session key is gone.
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				codes, err := client.SMembers(ctx, index).Result()
				if err != nil {
					return err
				}
				for _, code := range codes {
					n, err := client.Exists(ctx, keyPrefix+code).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						if err := client.SRem(ctx, index, code).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
	}
}
