package backplane

import (
	"context"
	"sync"
)

// MemoryBus is an in-process backplane connecting MemoryConns. It mirrors
// the delivery semantics of the redis backplane (a publish reaches every
// subscribed connection, including the publisher's own) so the relay stack
// can be exercised without redis.
type MemoryBus struct {
	mu    sync.Mutex
	conns []*MemoryConn
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Conn creates a new connection attached to this bus.
func (b *MemoryBus) Conn(name string) *MemoryConn {
	c := &MemoryConn{
		bus:      b,
		name:     name,
		channels: make(map[string]bool),
		out:      make(chan Message, 256),
	}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c
}

// publish delivers a payload to every attached connection subscribed to
// the channel.
func (b *MemoryBus) publish(channel string, payload []byte) {
	b.mu.Lock()
	targets := append([]*MemoryConn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range targets {
		c.deliver(channel, payload)
	}
}

// MemoryConn is an in-process Conn attached to a MemoryBus.
type MemoryConn struct {
	bus      *MemoryBus
	name     string
	mu       sync.Mutex
	channels map[string]bool
	closed   bool
	out      chan Message
}

// Name returns the connection identifier.
func (c *MemoryConn) Name() string { return c.name }

// Subscribe adds the channel to this connection's subscription set.
func (c *MemoryConn) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = true
	return nil
}

// Unsubscribe removes the channel from the subscription set.
func (c *MemoryConn) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
	return nil
}

// Publish fans the payload out through the bus.
func (c *MemoryConn) Publish(ctx context.Context, channel string, payload []byte) error {
	c.bus.publish(channel, payload)
	return nil
}

// Subscribed reports whether the connection currently holds a
// subscription for the channel.
func (c *MemoryConn) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

// deliver queues a message if this connection is subscribed to the channel.
func (c *MemoryConn) deliver(channel string, payload []byte) {
	c.mu.Lock()
	ok := !c.closed && c.channels[channel]
	c.mu.Unlock()
	if ok {
		c.out <- Message{Channel: channel, Payload: string(payload)}
	}
}

// Messages returns the delivery stream for this connection.
func (c *MemoryConn) Messages() <-chan Message { return c.out }

// Close detaches the connection and closes its message stream.
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.out)
	return nil
}
