//go:build integration

// Integration tests for the redis client against a real server started
// with testcontainers-go. Run with:
//
//	go test -v -race -tags=integration ./pkg/clients/redis/...
package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/StricklySoft/cell-sts/internal/testutil/containers"
	"github.com/StricklySoft/cell-sts/pkg/clients/redis"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

// ===========================================================================
// Suite Definition
// ===========================================================================

// RedisIntegrationSuite shares one container across all tests; each test
// uses its own key prefix.
type RedisIntegrationSuite struct {
	suite.Suite

	ctx         context.Context
	redisResult *containers.RedisResult
	client      *redis.Client
}

func (s *RedisIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	result, err := containers.StartRedis(s.ctx)
	require.NoError(s.T(), err, "failed to start Redis container")
	s.redisResult = result

	client, err := redis.NewClient(s.ctx, redis.Config{URI: result.ConnString, PoolSize: 10})
	require.NoError(s.T(), err, "failed to create Redis client")
	s.client = client
}

func (s *RedisIntegrationSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.redisResult != nil {
		if err := s.redisResult.Container.Terminate(s.ctx); err != nil {
			s.T().Logf("failed to terminate redis container: %v", err)
		}
	}
}

func TestRedisIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisIntegrationSuite))
}

// ===========================================================================
// Tests
// ===========================================================================

func (s *RedisIntegrationSuite) TestHealth() {
	require.NoError(s.T(), s.client.Health(s.ctx))
}

func (s *RedisIntegrationSuite) TestSetGetExistsDel() {
	key := "test:crud:req-1"
	require.NoError(s.T(), s.client.Set(s.ctx, key, "a.b.c", time.Minute))

	val, err := s.client.Get(s.ctx, key)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "a.b.c", val)

	n, err := s.client.Exists(s.ctx, key, "test:crud:missing")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), n)

	n, err = s.client.Del(s.ctx, key)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), n)

	_, err = s.client.Get(s.ctx, key)
	assert.ErrorIs(s.T(), err, redis.Nil)
}

func (s *RedisIntegrationSuite) TestSet_Expires() {
	key := "test:expiry:req-1"
	require.NoError(s.T(), s.client.Set(s.ctx, key, "tok", time.Second))

	assert.Eventually(s.T(), func() bool {
		n, err := s.client.Exists(s.ctx, key)
		return err == nil && n == 0
	}, 5*time.Second, 100*time.Millisecond)
}

func (s *RedisIntegrationSuite) TestConcurrentWriters() {
	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("test:concurrent:%d", i)
			assert.NoError(s.T(), s.client.Set(s.ctx, key, key, time.Minute))
		}()
	}
	wg.Wait()

	for i := range writers {
		key := fmt.Sprintf("test:concurrent:%d", i)
		val, err := s.client.Get(s.ctx, key)
		require.NoError(s.T(), err)
		assert.Equal(s.T(), key, val)
	}
}

func (s *RedisIntegrationSuite) TestCanceledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	err := s.client.Set(ctx, "test:canceled", "x", time.Minute)
	require.Error(s.T(), err)
	_, coded := sserr.AsError(err)
	assert.True(s.T(), coded)
}

func (s *RedisIntegrationSuite) TestNewClient_Unreachable() {
	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()

	_, err := redis.NewClient(ctx, redis.Config{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	assert.Equal(s.T(), sserr.CodeUnavailableDependency, sserr.GetCode(err))
}
