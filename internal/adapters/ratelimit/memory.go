package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
)

type counter struct {
	window int64
	count  int
}

// Memory is a single-process fixed-window limiter for runs without Redis.
type Memory struct {
	mu       sync.Mutex
	clock    clock.Clock
	counters map[string]counter
}

var _ ports.RateLimiter = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{clock: clk, counters: make(map[string]counter)}
}

func (m *Memory) Allow(ctx context.Context, identifier string, limit int, window time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	idx := windowIndex(m.clock.Now(), window)

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters[identifier]
	if c.window != idx {
		c = counter{window: idx}
	}
	c.count++
	m.counters[identifier] = c

	// Drop stale identifiers so the map stays bounded by active callers.
	if len(m.counters) > 10_000 {
		for k, v := range m.counters {
			if v.window != idx {
				delete(m.counters, k)
			}
		}
	}
	return c.count <= limit, nil
}
