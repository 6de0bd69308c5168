package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/irfnriza/flowin-swm-server/internal/models"

	"github.com/pkg/errors"
)

// DefaultDeviceTTL is used when no TTL is configured
const DefaultDeviceTTL = 24 * time.Hour

// DeviceKey returns the cache key for a device id
func DeviceKey(id string) string {
	return "device:" + id
}

// DeviceCache stores registry lookups in Redis
type DeviceCache struct {
	client RedisClient
	ttl    time.Duration
}

// NewDeviceCache creates a device cache over client
func NewDeviceCache(client RedisClient, ttl time.Duration) *DeviceCache {
	if ttl <= 0 {
		ttl = DefaultDeviceTTL
	}
	return &DeviceCache{client: client, ttl: ttl}
}

// Get returns the cached device or ErrCacheMiss
func (c *DeviceCache) Get(ctx context.Context, id string) (*models.Device, error) {
	data, err := c.client.Get(ctx, DeviceKey(id))
	if err != nil {
		return nil, err
	}

	var device models.Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal cached device")
	}
	device.ID = id
	return &device, nil
}

// Set caches the device under its id
func (c *DeviceCache) Set(ctx context.Context, device *models.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return errors.Wrap(err, "failed to marshal device for caching")
	}
	return c.client.Set(ctx, DeviceKey(device.ID), string(data), c.ttl)
}

// Invalidate drops the cached entry for id
func (c *DeviceCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Delete(ctx, DeviceKey(id))
}
