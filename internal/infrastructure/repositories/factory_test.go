package repositories

import (
	"context"
	"testing"

	"deskrelay/internal/infrastructure/repositories/memory"
	redisrepo "deskrelay/internal/infrastructure/repositories/redis"
	"deskrelay/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepositoryFactory_FallsBackToMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(context.Background(), cfg, zap.NewNop().Sugar())
	defer f.Close()

	assert.Nil(t, f.RedisClient())
	assert.IsType(t, &memory.MemorySessionRepository{}, f.CreateSessionRepository())
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestRepositoryFactory_UsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = mr.Addr()

	f := NewRepositoryFactory(context.Background(), cfg, zap.NewNop().Sugar())
	defer f.Close()

	require.NotNil(t, f.RedisClient())
	assert.IsType(t, &redisrepo.RedisSessionRepository{}, f.CreateSessionRepository())
	assert.NoError(t, f.HealthCheck(context.Background()))
}
