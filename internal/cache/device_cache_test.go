package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/irfnriza/flowin-swm-server/config"
	"github.com/irfnriza/flowin-swm-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockRedisClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

func (m *MockRedisClient) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockRedisClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestDeviceCacheGetDecodesAndRestoresID(t *testing.T) {
	client := new(MockRedisClient)
	client.On("Get", mock.Anything, "device:D1").
		Return(`{"name":"Meter","location":"Lab","registered_at":"2024-05-01T10:00:00Z"}`, nil)

	c := NewDeviceCache(client, time.Hour)
	device, err := c.Get(context.Background(), "D1")

	require.NoError(t, err)
	assert.Equal(t, "D1", device.ID)
	assert.Equal(t, "Meter", device.Name)
	assert.Equal(t, "Lab", device.Location)
	assert.Equal(t, 2024, device.RegisteredAt.Year())
	client.AssertExpectations(t)
}

func TestDeviceCacheGetMiss(t *testing.T) {
	client := new(MockRedisClient)
	client.On("Get", mock.Anything, "device:D2").Return("", ErrCacheMiss)

	c := NewDeviceCache(client, time.Hour)
	_, err := c.Get(context.Background(), "D2")

	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestDeviceCacheSetUsesTTL(t *testing.T) {
	client := new(MockRedisClient)
	client.On("Set", mock.Anything, "device:D1", mock.MatchedBy(func(v string) bool {
		return strings.Contains(v, `"name":"Meter"`)
	}), 2*time.Hour).Return(nil)

	c := NewDeviceCache(client, 2*time.Hour)
	err := c.Set(context.Background(), &models.Device{ID: "D1", Name: "Meter"})

	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestDeviceCacheDefaultTTL(t *testing.T) {
	c := NewDeviceCache(new(MockRedisClient), 0)
	assert.Equal(t, DefaultDeviceTTL, c.ttl)
}

func TestDisabledRedisClientAlwaysMisses(t *testing.T) {
	client, err := NewRedisClient(config.RedisConfig{Enabled: false})
	require.NoError(t, err)

	require.NoError(t, client.Set(context.Background(), "k", "v", time.Minute))
	_, err = client.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, client.Close())
}
