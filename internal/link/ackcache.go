package link

import (
	"strings"
	"sync"

	"github.com/danmuck/capturectl/internal/protocol"
)

// AckCache remembers acks by correlation id so duplicate commands are
// answered with the original reply instead of being re-executed.
// Oldest entries are evicted once capacity is reached.
type AckCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]protocol.Envelope
	order    []string
}

func NewAckCache(capacity int) *AckCache {
	if capacity <= 0 {
		capacity = DefaultConfig().AckCacheSize
	}
	return &AckCache{
		capacity: capacity,
		items:    make(map[string]protocol.Envelope, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (c *AckCache) Put(ack protocol.Envelope) {
	key := strings.TrimSpace(ack.ID)
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.order = append(c.order, key)
	}
	c.items[key] = ack
}

func (c *AckCache) Get(id string) (protocol.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ack, ok := c.items[strings.TrimSpace(id)]
	return ack, ok
}

func (c *AckCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
