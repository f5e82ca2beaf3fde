package app

import (
	"strings"

	"github.com/charlesng35/sessionguard/internal/cache"
)

// RedisClientConfig converts the declarative cache settings into the client's
// connection parameters.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Address:  strings.TrimSpace(c.Redis.Address),
		Username: c.Redis.Username,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		TLS:      c.Redis.TLS,
		Timeout:  c.Redis.Timeout,
	}
}
