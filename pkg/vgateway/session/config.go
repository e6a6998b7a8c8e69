package session

import (
	"fmt"
	"time"
)

// Config selects and configures a session Store.
type Config struct {
	StorageType string // "local" (default), "redis", "valkey"
	TTL         time.Duration
	Redis       RedisConfig
}

const defaultTTL = 30 * time.Minute

// CreateStorage builds the Store described by c, defaulting StorageType to
// "local" and TTL to 30 minutes when unset.
func (c *Config) CreateStorage() (Store, error) {
	if c.TTL == 0 {
		c.TTL = defaultTTL
	}

	switch c.StorageType {
	case "", "local":
		return NewManager(c.TTL), nil
	case "redis", "valkey":
		if c.Redis.Addr == "" {
			return nil, fmt.Errorf("redis configuration required for storage type %q", c.StorageType)
		}
		return NewRedisStore(c.Redis, c.TTL), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", c.StorageType)
	}
}
