package redis

import (
	"fmt"
	"net/url"
	"time"

	"github.com/StricklySoft/cell-sts/pkg/config"
)

const maxStatementLen = 100

// Defaults are tuned for the check data path: a context lookup that takes
// longer than a few hundred milliseconds is already a failed call.
const (
	DefaultAddr          = "redis:6379"
	DefaultDB            = 0
	DefaultPoolSize      = 50
	DefaultMinIdleConns  = 5
	DefaultMaxRetries    = 1
	DefaultDialTimeout   = time.Second
	DefaultReadTimeout   = 500 * time.Millisecond
	DefaultWriteTimeout  = 500 * time.Millisecond
	DefaultHealthTimeout = 2 * time.Second
)

// Config configures the connection used by the redis identity context
// store. It is embedded in the cell configuration under the REDIS prefix,
// so CELL_STS_REDIS_ADDR sets Addr.
type Config struct {
	// URI, when set, takes precedence over Addr, DB and Password.
	URI string `json:"uri,omitempty" yaml:"uri" env:"URI"`

	Addr     string        `json:"addr,omitempty" yaml:"addr" env:"ADDR"`
	DB       int           `json:"db" yaml:"db" env:"DB"`
	Password config.Secret `json:"-" yaml:"password" env:"PASSWORD"`

	PoolSize     int `json:"pool_size,omitempty" yaml:"poolSize" env:"POOL_SIZE"`
	MinIdleConns int `json:"min_idle_conns,omitempty" yaml:"minIdleConns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int `json:"max_retries,omitempty" yaml:"maxRetries" env:"MAX_RETRIES"`

	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dialTimeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"readTimeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"writeTimeout" env:"WRITE_TIMEOUT"`

	TLSEnabled bool `json:"tls_enabled,omitempty" yaml:"tlsEnabled" env:"TLS_ENABLED"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	c := &Config{Addr: DefaultAddr}
	c.applyDefaults()
	return c
}

// Validate fills unset fields with defaults and rejects invalid values.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("redis: invalid URI: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis: URI scheme must be redis or rediss, got %q", u.Scheme)
		}
		return nil
	}

	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	switch {
	case c.DB < 0:
		return fmt.Errorf("redis: db must not be negative, got %d", c.DB)
	case c.PoolSize < c.MinIdleConns:
		return fmt.Errorf("redis: pool_size (%d) must be >= min_idle_conns (%d)", c.PoolSize, c.MinIdleConns)
	case c.MinIdleConns < 0:
		return fmt.Errorf("redis: min_idle_conns must not be negative, got %d", c.MinIdleConns)
	case c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0:
		return fmt.Errorf("redis: timeouts must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementLen {
		return s
	}
	return string(runes[:maxStatementLen]) + "..."
}
