package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flotillahq/flotilla/pkg/types"
)

// sampleTTL bounds how stale a cached sample may get before readers
// should treat the host as silent.
const sampleTTL = 10 * time.Minute

// Cache is the ephemeral metrics view backed by redis. Only the monitor
// writes; the API and CLI read.
type Cache struct {
	rdb *redis.Client
}

// New connects to the cache at url (redis:// form) and pings it.
func New(ctx context.Context, url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache unreachable: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func hostKey(hostID int64) string {
	return fmt.Sprintf("flotilla:metrics:%d", hostID)
}

const systemKey = "flotilla:metrics:system"

// PutSample stores the latest sample for a host with a short TTL.
func (c *Cache) PutSample(ctx context.Context, sample *types.MetricSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, hostKey(sample.HostID), data, sampleTTL).Err()
}

// GetSample returns the latest sample for a host, or nil when absent or
// expired.
func (c *Cache) GetSample(ctx context.Context, hostID int64) (*types.MetricSample, error) {
	data, err := c.rdb.Get(ctx, hostKey(hostID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sample types.MetricSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

// SystemAggregate is the fleet-wide view computed on every metrics tick.
type SystemAggregate struct {
	Hosts          int       `json:"hosts"`
	AvgCPUPercent  float64   `json:"avg_cpu_percent"`
	AvgMemPercent  float64   `json:"avg_mem_percent"`
	AvgDiskPercent float64   `json:"avg_disk_percent"`
	ComputedAt     time.Time `json:"computed_at"`
}

// PutAggregate stores the system-wide aggregate.
func (c *Cache) PutAggregate(ctx context.Context, agg *SystemAggregate) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, systemKey, data, sampleTTL).Err()
}

// GetAggregate returns the system-wide aggregate, or nil when absent.
func (c *Cache) GetAggregate(ctx context.Context) (*SystemAggregate, error) {
	data, err := c.rdb.Get(ctx, systemKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var agg SystemAggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}
