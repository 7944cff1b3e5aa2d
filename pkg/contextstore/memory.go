package contextstore

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const shardCount = 32

// Memory is an in-process store made of independently locked expirable
// LRU shards. Keys hash to a shard, so lookups for unrelated request ids
// rarely share a lock.
type Memory struct {
	shards [shardCount]*expirable.LRU[string, string]
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory store. ttl <= 0 selects [DefaultTTL].
// maxEntries bounds the whole store; 0 means unbounded.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	perShard := 0
	if maxEntries > 0 {
		perShard = (maxEntries + shardCount - 1) / shardCount
	}
	m := &Memory{}
	for i := range m.shards {
		m.shards[i] = expirable.NewLRU[string, string](perShard, nil, ttl)
	}
	return m
}

func (m *Memory) shard(id string) *expirable.LRU[string, string] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return m.shards[h.Sum32()%shardCount]
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, id string) (string, bool, error) {
	tok, ok := m.shard(id).Get(id)
	return tok, ok, nil
}

// Put implements [Store]. Overwriting an id restarts its expiry.
func (m *Memory) Put(_ context.Context, id, token string) error {
	m.shard(id).Add(id, token)
	return nil
}

// ContainsKey implements [Store]. It does not refresh recency.
func (m *Memory) ContainsKey(_ context.Context, id string) (bool, error) {
	// Contains ignores expiry; Peek does not.
	_, ok := m.shard(id).Peek(id)
	return ok, nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		n += s.Len()
	}
	return n
}
