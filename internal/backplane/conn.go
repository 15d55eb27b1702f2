package backplane

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Message is a single pub/sub delivery: the channel it arrived on and the
// raw payload published by the sender.
type Message struct {
	Channel string // Channel the message was published on
	Payload string // Raw payload as published
}

// Conn is one logical backplane connection. Subscriptions and publishes on
// the same Conn preserve order; nothing is guaranteed across Conns.
type Conn interface {
	// Name uniquely identifies this connection within the instance.
	// Used to key per-connection subscription state.
	Name() string

	// Subscribe adds a channel to this connection's subscription set.
	Subscribe(ctx context.Context, channel string) error

	// Unsubscribe removes a channel from the subscription set.
	Unsubscribe(ctx context.Context, channel string) error

	// Publish sends a payload to everyone subscribed to the channel,
	// across all broker instances.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Messages returns the stream of deliveries for subscribed channels.
	// The channel is closed when the connection is closed.
	Messages() <-chan Message

	// Close tears down the connection and its subscription stream.
	Close() error
}

// ChannelName builds the wire name for a base channel and entity id.
// With perEntity enabled the id is appended ("applied-ops:doc-123"),
// otherwise the shared base channel is used and the payload is expected
// to carry the room id for in-process routing.
func ChannelName(base, id string, perEntity bool) string {
	if perEntity && id != "" {
		return fmt.Sprintf("%s:%s", base, id)
	}
	return base
}

// RedisConn implements Conn over a go-redis client with a single PubSub
// subscription multiplexing all channels for this connection.
type RedisConn struct {
	name   string
	client *redis.Client
	pubsub *redis.PubSub
	out    chan Message
}

// NewRedisConn dials a redis backplane connection. The returned connection
// relays pub/sub deliveries on Messages until Close is called.
func NewRedisConn(name, addr string) *RedisConn {
	client := redis.NewClient(&redis.Options{Addr: addr})
	c := &RedisConn{
		name:   name,
		client: client,
		pubsub: client.Subscribe(context.Background()),
		out:    make(chan Message, 256),
	}
	go c.pump()
	return c
}

// pump copies deliveries from the go-redis pubsub stream into the
// connection's message channel.
func (c *RedisConn) pump() {
	defer close(c.out)
	for msg := range c.pubsub.Channel() {
		c.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
	}
}

// Name returns the connection identifier.
func (c *RedisConn) Name() string { return c.name }

// Subscribe adds a channel to the underlying pubsub subscription.
func (c *RedisConn) Subscribe(ctx context.Context, channel string) error {
	return c.pubsub.Subscribe(ctx, channel)
}

// Unsubscribe removes a channel from the underlying pubsub subscription.
func (c *RedisConn) Unsubscribe(ctx context.Context, channel string) error {
	return c.pubsub.Unsubscribe(ctx, channel)
}

// Publish sends a payload via the redis client.
func (c *RedisConn) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

// Messages returns the delivery stream for this connection.
func (c *RedisConn) Messages() <-chan Message { return c.out }

// Ping verifies the redis connection is alive.
func (c *RedisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close shuts down the pubsub stream and the client.
func (c *RedisConn) Close() error {
	if err := c.pubsub.Close(); err != nil {
		return err
	}
	return c.client.Close()
}
