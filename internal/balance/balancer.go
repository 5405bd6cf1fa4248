// Package balance selects a module instance for a request, either by a
// stable shard hash or round-robin.
package balance

import (
	"hash/fnv"
	"sync"
)

// Balancer keeps one free-running round-robin counter per module.
// Shard selection is stateless: the same key always maps to the same
// index for a given instance count.
type Balancer struct {
	mu       sync.Mutex
	counters map[string]uint32
}

func New() *Balancer {
	return &Balancer{counters: make(map[string]uint32)}
}

// Pick returns the instance index for a module with n live instances.
// A non-empty shardKey selects fnv32a(key) mod n; otherwise the
// module's counter advances. Counter wraparound is benign.
func (b *Balancer) Pick(module, shardKey string, n int) int {
	if n <= 0 {
		return -1
	}
	if shardKey != "" {
		return int(Hash(shardKey) % uint32(n))
	}

	b.mu.Lock()
	c := b.counters[module]
	b.counters[module] = c + 1
	b.mu.Unlock()
	return int(c % uint32(n))
}

// Forget drops a module's counter, for when the module is unloaded.
func (b *Balancer) Forget(module string) {
	b.mu.Lock()
	delete(b.counters, module)
	b.mu.Unlock()
}

// Hash is the shard hash: 32-bit FNV-1a over the key bytes. It is
// deterministic across processes and platforms; changing it re-buckets
// every shard, so it is pinned by tests.
func Hash(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
