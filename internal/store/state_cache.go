package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PetoAdam/homenavi/edge-console/internal/report"
)

const cacheTTL = 24 * time.Hour

// StateCache keeps the last device configuration of one camera in redis so
// a restarted console can show it before the camera reports again.
type StateCache struct {
	rdb      *redis.Client
	deviceID string
}

func NewStateCache(rdb *redis.Client, deviceID string) *StateCache {
	return &StateCache{rdb: rdb, deviceID: deviceID}
}

func key(id string) string { return "edge-console:device:" + id }

func (c *StateCache) Set(ctx context.Context, id string, stateJSON []byte) error {
	return c.rdb.Set(ctx, key(id), stateJSON, cacheTTL).Err()
}

func (c *StateCache) Get(ctx context.Context, id string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *StateCache) Delete(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, key(id)).Err()
}

func (c *StateCache) SaveDeviceConfig(ctx context.Context, cfg *report.DeviceConfiguration) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.Set(ctx, c.deviceID, b)
}

// LoadDeviceConfig returns nil without error when nothing is cached.
func (c *StateCache) LoadDeviceConfig(ctx context.Context) (*report.DeviceConfiguration, error) {
	b, err := c.Get(ctx, c.deviceID)
	if err != nil || b == nil {
		return nil, err
	}
	var cfg report.DeviceConfiguration
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
