// Package contextstore holds the identity context of in-flight call chains:
// a mapping from the mesh correlation id (x-request-id) to the raw token
// that was validated when the chain entered the cell.
//
// Entries expire a fixed time after their last write. Concurrent writers to
// the same id are last-writer-wins.
package contextstore

import (
	"context"
	"fmt"
	"time"

	"github.com/StricklySoft/cell-sts/pkg/clients/redis"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/metrics"
)

// DefaultTTL is how long an entry survives after its last write.
const DefaultTTL = 300 * time.Second

// Backends accepted by [Config.Backend].
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Store maps request ids to raw tokens. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the token stored for id. ok is false when there is no
	// live entry.
	Get(ctx context.Context, id string) (token string, ok bool, err error)

	// Put stores token for id and restarts its expiry.
	Put(ctx context.Context, id, token string) error

	// ContainsKey reports whether a live entry exists for id.
	ContainsKey(ctx context.Context, id string) (bool, error)
}

// Config selects and sizes the backend. It is embedded in the cell
// configuration under the CONTEXT prefix.
type Config struct {
	Backend    string        `json:"backend" yaml:"backend" env:"BACKEND" envDefault:"memory"`
	TTL        time.Duration `json:"ttl" yaml:"ttl" env:"TTL" envDefault:"300s"`
	MaxEntries int           `json:"max_entries" yaml:"maxEntries" env:"MAX_ENTRIES" envDefault:"100000"`
	KeyPrefix  string        `json:"key_prefix" yaml:"keyPrefix" env:"KEY_PREFIX" envDefault:"cell-sts:ctx:"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	default:
		return sserr.Newf(sserr.CodeValidation, "contextstore: unknown backend %q", c.Backend)
	}
	if c.TTL <= 0 {
		return sserr.New(sserr.CodeValidation, "contextstore: ttl must be positive")
	}
	if c.MaxEntries < 0 {
		return sserr.New(sserr.CodeValidation, "contextstore: max_entries must not be negative")
	}
	return nil
}

// Open builds the configured backend. The redis client is required only
// for the redis backend.
func Open(cfg Config, client *redis.Client, m *metrics.Metrics) (Store, error) {
	var s Store
	switch cfg.Backend {
	case BackendMemory, "":
		s = NewMemory(cfg.TTL, cfg.MaxEntries)
	case BackendRedis:
		if client == nil {
			return nil, sserr.Configuration("contextstore: redis backend selected without a redis client")
		}
		s = NewRedis(client, cfg.KeyPrefix, cfg.TTL)
	default:
		return nil, sserr.Configuration(fmt.Sprintf("contextstore: unknown backend %q", cfg.Backend))
	}
	return Observe(s, m), nil
}

// Observe records hit/miss counts for every lookup made through s.
func Observe(s Store, m *metrics.Metrics) Store {
	if m == nil {
		return s
	}
	return &observed{Store: s, metrics: m}
}

type observed struct {
	Store
	metrics *metrics.Metrics
}

func (o *observed) Get(ctx context.Context, id string) (string, bool, error) {
	tok, ok, err := o.Store.Get(ctx, id)
	if err == nil {
		o.metrics.ContextLookup(ok)
	}
	return tok, ok, err
}

func (o *observed) ContainsKey(ctx context.Context, id string) (bool, error) {
	ok, err := o.Store.ContainsKey(ctx, id)
	if err == nil {
		o.metrics.ContextLookup(ok)
	}
	return ok, err
}
