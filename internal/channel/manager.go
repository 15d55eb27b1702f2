// Package channel serializes subscribe and unsubscribe operations against
// the backplane so a room becoming active while it is still being torn
// down never races on the underlying connection.
//
// Each (connection, channel) pair has at most one operation in flight at a
// time. Operations submitted while another is running are queued and run in
// submission order; a request matching the kind of the operation already at
// the tail coalesces with it instead of issuing another round trip. A failed subscribe is reported to every waiter and
// leaves no residual queue state; a failed unsubscribe is logged and
// treated as best-effort.
package channel

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dreamware/scribe/internal/backplane"
)

// opTimeout bounds a single backplane subscribe/unsubscribe round trip.
const opTimeout = 10 * time.Second

// Pending is the completion signal for a queued operation. It is resolved
// exactly once, after every operation queued ahead of it has finished.
type Pending struct {
	done chan struct{}
	err  error // set before done is closed
}

// Wait blocks until the operation completes or the context is canceled.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the operation has completed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// opKind distinguishes queued subscribes from unsubscribes so repeated
// requests of the same kind can share one backplane round trip.
type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
)

// tailOp is the most recently queued operation for a (conn, channel) key.
type tailOp struct {
	kind opKind
	p    *Pending
}

// Manager queues subscribe/unsubscribe operations per (connection, channel)
// and applies the channel naming convention on publish.
type Manager struct {
	perEntity bool // publish on per-entity channels instead of the shared base

	mu    sync.Mutex
	tails map[string]tailOp // (conn|channel) → most recently queued op
}

// NewManager creates a Manager. perEntity selects per-entity publish
// addressing ("editor-events:project-123") over the shared base channel.
func NewManager(perEntity bool) *Manager {
	return &Manager{
		perEntity: perEntity,
		tails:     make(map[string]tailOp),
	}
}

// Subscribe queues a subscription for baseChannel:id on conn. The returned
// Pending resolves once the backplane call finishes; a subscribe error is
// delivered to the waiter so the triggering join can fail.
func (m *Manager) Subscribe(conn backplane.Conn, baseChannel, id string) *Pending {
	channel := baseChannel + ":" + id
	return m.enqueue(conn, channel, opSubscribe, func(ctx context.Context) error {
		return conn.Subscribe(ctx, channel)
	}, func(err error) error {
		if err != nil {
			log.Printf("error subscribing to channel %s on %s: %v", channel, conn.Name(), err)
		}
		return err
	})
}

// Unsubscribe queues removal of the baseChannel:id subscription on conn.
// Errors are logged but not returned: unsubscription is best-effort and
// must never block or fail the caller's own cleanup.
func (m *Manager) Unsubscribe(conn backplane.Conn, baseChannel, id string) *Pending {
	channel := baseChannel + ":" + id
	return m.enqueue(conn, channel, opUnsubscribe, func(ctx context.Context) error {
		return conn.Unsubscribe(ctx, channel)
	}, func(err error) error {
		if err != nil {
			log.Printf("error unsubscribing from channel %s on %s: %v", channel, conn.Name(), err)
		}
		return nil
	})
}

// enqueue chains an operation after the current tail for the key and
// installs it as the new tail. A queued operation of the same kind already
// at the tail is returned as-is instead of chaining a redundant round
// trip. On completion the slot is cleared only if no newer operation has
// superseded it.
func (m *Manager) enqueue(conn backplane.Conn, channel string, kind opKind, op func(context.Context) error, finish func(error) error) *Pending {
	key := conn.Name() + "|" + channel

	m.mu.Lock()
	tail, chained := m.tails[key]
	if chained && tail.kind == kind {
		m.mu.Unlock()
		return tail.p
	}
	p := &Pending{done: make(chan struct{})}
	m.tails[key] = tailOp{kind: kind, p: p}
	m.mu.Unlock()

	go func() {
		if chained {
			<-tail.p.done
		}

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := op(ctx)
		cancel()

		m.mu.Lock()
		if m.tails[key].p == p {
			delete(m.tails, key)
		}
		m.mu.Unlock()

		p.err = finish(err)
		close(p.done)
	}()

	return p
}

// ChannelFor returns the wire channel a room's traffic is published on:
// the shared base channel unless per-entity addressing is enabled, and
// always the base channel for the reserved "all" room.
func (m *Manager) ChannelFor(baseChannel, id string) string {
	return backplane.ChannelName(baseChannel, id, m.perEntity && id != "all")
}

// Publish sends a payload for a room on conn, applying the addressing
// convention via ChannelFor.
func (m *Manager) Publish(ctx context.Context, conn backplane.Conn, baseChannel, id string, payload []byte) error {
	return conn.Publish(ctx, m.ChannelFor(baseChannel, id), payload)
}

// PendingOps reports the number of (connection, channel) pairs with a
// queued or in-flight operation. Exposed for liveness reporting.
func (m *Manager) PendingOps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tails)
}
