package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumenclass/videogen-backend/internal/realtime"
)

// memoryBus is an in-process Bus for single-instance deployments (no
// REDIS_ADDR configured) and for tests. It mirrors the loopback behavior
// of the Redis bus: a publisher's own forwarder sees its publishes.
type memoryBus struct {
	mu         sync.RWMutex
	forwarders []func(env realtime.Envelope)
	closed     bool
}

func NewMemoryBus() Bus {
	return &memoryBus{}
}

func (b *memoryBus) Publish(ctx context.Context, env realtime.Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("memory bus closed")
	}
	fwd := make([]func(env realtime.Envelope), len(b.forwarders))
	copy(fwd, b.forwarders)
	b.mu.RUnlock()

	for _, f := range fwd {
		f(env)
	}
	return nil
}

func (b *memoryBus) StartForwarder(ctx context.Context, onMsg func(env realtime.Envelope)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}
	b.forwarders = append(b.forwarders, onMsg)
	return nil
}

func (b *memoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}
	return nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.forwarders = nil
	return nil
}
